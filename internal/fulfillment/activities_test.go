package fulfillment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fulfil/internal/engine"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestActivities(drivers DriverFinder) (*Activities, *MemoryInventory, *MemoryBilling) {
	inv := NewMemoryInventory()
	bill := NewMemoryBilling()
	return &Activities{
		Inventory: inv,
		Billing:   bill,
		Drivers:   drivers,
		Logger:    discardLogger(),
		Now:       func() time.Time { return time.Unix(1700000000, 0) },
	}, inv, bill
}

func TestChargeAmount(t *testing.T) {
	tests := []struct {
		amount int
		want   int
	}{
		{1200, 1200},
		{3000, 3000},
		{3001, 2501},
		{4000, 3500},
		{-100, -100},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ChargeAmount(tt.amount), "amount %d", tt.amount)
	}
}

func TestValidateCreditCard(t *testing.T) {
	acts, _, _ := newTestActivities(nil)

	require.NoError(t, acts.ValidateCreditCard(context.Background(), "1234567890123456"))

	for _, number := range []string{"", "123456789012345", "12345678901234567", "1234-5678-9012-34"} {
		err := acts.ValidateCreditCard(context.Background(), number)
		require.Error(t, err, number)
		f := engine.AsFailure(err)
		assert.Equal(t, CodeInvalidCard, f.Code)
		assert.False(t, f.NonRetryable, "the policy, not the failure, stops retries")
		assert.Equal(t, []any{number}, f.Details)
	}
}

func TestGetDistance(t *testing.T) {
	acts, _, _ := newTestActivities(nil)

	d, err := acts.GetDistance(context.Background(), SampleOrder().Address)
	require.NoError(t, err)
	assert.Equal(t, 20, d.Kilometers)

	d, err = acts.GetDistance(context.Background(), Address{Line1: "1 Elm St"})
	require.NoError(t, err)
	assert.Equal(t, 5, d.Kilometers, "short addresses fall back to 5km")
}

func TestSendBill_Discount(t *testing.T) {
	acts, _, billing := newTestActivities(nil)
	order := SampleOrder()

	receipt, err := acts.SendBill(context.Background(), NewBill(order))
	require.NoError(t, err)
	assert.Equal(t, 3500, receipt.Confirmation.Amount)
	assert.Equal(t, "SUCCESS", receipt.Confirmation.Status)
	assert.Equal(t, DefaultConfirmationNumber, receipt.Confirmation.ConfirmationNumber)
	assert.Equal(t, int64(1700000000), receipt.Confirmation.BillingTimestamp)

	charged, ok := billing.Charged(receipt.Bill.IdempotencyKey)
	require.True(t, ok)
	assert.Equal(t, 3500, charged)
}

func TestSendBill_NegativeChargeRejected(t *testing.T) {
	acts, _, billing := newTestActivities(nil)
	order := SampleOrder()
	order.Items = []Pizza{{Description: "Coupon", Price: -100}}

	_, err := acts.SendBill(context.Background(), NewBill(order))
	require.Error(t, err)
	f := engine.AsFailure(err)
	assert.Equal(t, CodeInvalidChargeAmount, f.Code)
	assert.True(t, f.NonRetryable)
	assert.Zero(t, billing.ChargeCalls())
}

func TestNewBill_IdempotencyKeyStable(t *testing.T) {
	a := NewBill(SampleOrder())
	b := NewBill(SampleOrder())
	assert.Equal(t, a.IdempotencyKey, b.IdempotencyKey)
	assert.Len(t, a.IdempotencyKey, 64)

	other := SampleOrder()
	other.Items = other.Items[:1]
	assert.NotEqual(t, a.IdempotencyKey, NewBill(other).IdempotencyKey)
}

func TestInventory_ReserveAndRevert(t *testing.T) {
	acts, inv, _ := newTestActivities(nil)

	r, err := acts.UpdateInventory(context.Background(), SampleOrder())
	require.NoError(t, err)
	assert.Equal(t, 3, r.Items)
	assert.Equal(t, 1, inv.Reserved())

	// Re-running the reservation reuses the same key.
	r2, err := acts.UpdateInventory(context.Background(), SampleOrder())
	require.NoError(t, err)
	assert.Equal(t, r.ID, r2.ID)
	assert.Equal(t, 1, inv.Reserved())

	require.NoError(t, acts.RevertInventory(context.Background(), r))
	require.NoError(t, acts.RevertInventory(context.Background(), r))
	assert.Zero(t, inv.Reserved())
	assert.Equal(t, 2, inv.ReleaseCalls())
}

func TestPollDeliveryDriver_Statuses(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		wantDone     bool
		wantCode     string
		nonRetryable bool
	}{
		{"accepted", http.StatusOK, true, "", false},
		{"created", http.StatusCreated, true, "", false},
		{"not found keeps polling", http.StatusNotFound, false, "", false},
		{"too many requests keeps polling", http.StatusTooManyRequests, false, "", false},
		{"forbidden", http.StatusForbidden, false, CodeDriverServiceRejected, true},
		{"server error", http.StatusInternalServerError, false, CodeDriverServiceRejected, true},
		{"bad gateway", http.StatusBadGateway, false, CodeDriverServiceRejected, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acts, _, _ := newTestActivities(DriverFinderFunc(func(context.Context, string) (int, string, error) {
				return tt.status, "SpeedyDelivery", nil
			}))

			out, err := acts.PollDeliveryDriver(context.Background(), "Z1238", 1)
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, engine.FailureCode(err))
				assert.Equal(t, tt.nonRetryable, engine.IsNonRetryable(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDone, out.Done)
			if tt.wantDone {
				assert.Equal(t, "SpeedyDelivery", out.Value)
			}
		})
	}
}

func TestPollDeliveryDriver_TransportErrorRetryable(t *testing.T) {
	boom := errors.New("connection refused")
	acts, _, _ := newTestActivities(DriverFinderFunc(func(context.Context, string) (int, string, error) {
		return 0, "", boom
	}))

	_, err := acts.PollDeliveryDriver(context.Background(), "Z1238", 1)
	require.Error(t, err)
	assert.Equal(t, CodeDriverServiceUnavailable, engine.FailureCode(err))
	assert.False(t, engine.IsNonRetryable(err))
	assert.ErrorIs(t, err, boom)
}

func TestMemoryBilling_Idempotent(t *testing.T) {
	b := NewMemoryBilling()
	ctx := context.Background()

	c1, err := b.Charge(ctx, "k", Bill{}, 100)
	require.NoError(t, err)
	c2, err := b.Charge(ctx, "k", Bill{}, 999)
	require.NoError(t, err)
	assert.Equal(t, c1, c2)
	charged, _ := b.Charged("k")
	assert.Equal(t, 100, charged)

	require.NoError(t, b.Refund(ctx, "k", 100))
	require.NoError(t, b.Refund(ctx, "k", 100))
	refunded, ok := b.Refunded("k")
	assert.True(t, ok)
	assert.Equal(t, 100, refunded)
	assert.Equal(t, 2, b.RefundCalls())
}
