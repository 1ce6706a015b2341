package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_SortsKeys(t *testing.T) {
	got, err := MarshalCanonical(Object{
		"order_number": "Z1238",
		"amount":       4000,
		"customer_id":  int64(12983),
	})
	require.NoError(t, err)
	assert.Equal(t, `{"amount":4000,"customer_id":12983,"order_number":"Z1238"}`, string(got))
}

func TestMarshalCanonical_NoHTMLEscaping(t *testing.T) {
	got, err := MarshalCanonical("<a & b>")
	require.NoError(t, err)
	assert.Equal(t, `"<a & b>"`, string(got))
}

func TestMarshalCanonical_LineSeparatorsLiteral(t *testing.T) {
	got, err := MarshalCanonical("a\u2028b\u2029c")
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\u2029c\"", string(got))

	// A literal backslash followed by "u2028" must stay escaped.
	got, err = MarshalCanonical(`a\u2028b`)
	require.NoError(t, err)
	assert.Equal(t, `"a\\u2028b"`, string(got))
}

func TestMarshalCanonical_NFC(t *testing.T) {
	composed := "Mar\u00eda"
	decomposed := "Mari\u0301a"

	a, err := MarshalCanonical(composed)
	require.NoError(t, err)
	b, err := MarshalCanonical(decomposed)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestMarshalCanonical_Nested(t *testing.T) {
	got, err := MarshalCanonical(Object{
		"items": []any{"Small", Object{"b": true, "a": 1}},
		"tags":  []string{"x", "y"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"items":["Small",{"a":1,"b":true}],"tags":["x","y"]}`, string(got))
}

func TestMarshalCanonical_Rejects(t *testing.T) {
	tests := []struct {
		name string
		in   any
	}{
		{"nil", nil},
		{"float", 1.5},
		{"nested float", Object{"price": 12.99}},
		{"struct", struct{}{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := MarshalCanonical(tt.in)
			assert.Error(t, err)
		})
	}
}

func TestCompareUTF16(t *testing.T) {
	// U+FB01 sorts after U+1D11E in UTF-16 (surrogate 0xD834) but before it in UTF-8.
	assert.Equal(t, 1, compareUTF16("\ufb01", "\U0001D11E"))
	assert.Equal(t, -1, compareUTF16("a", "b"))
	assert.Equal(t, -1, compareUTF16("a", "ab"))
	assert.Equal(t, 0, compareUTF16("same", "same"))
}

func TestIdempotencyKey_Stable(t *testing.T) {
	fields := Object{"order_number": "Z1238", "amount": 4000}
	k1, err := IdempotencyKey(DomainBill, fields)
	require.NoError(t, err)
	k2, err := IdempotencyKey(DomainBill, Object{"amount": 4000, "order_number": "Z1238"})
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 64)
}

func TestIdempotencyKey_DomainSeparation(t *testing.T) {
	fields := Object{"order_number": "Z1238"}
	assert.NotEqual(t,
		MustIdempotencyKey(DomainBill, fields),
		MustIdempotencyKey(DomainReservation, fields),
	)
}

func TestMustIdempotencyKey_PanicsOnFloat(t *testing.T) {
	assert.Panics(t, func() {
		MustIdempotencyKey(DomainBill, Object{"amount": 12.5})
	})
}
