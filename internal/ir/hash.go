package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed keys. The version suffix allows a
// future change of algorithm without colliding with stored keys.
const (
	DomainBill        = "fulfil/bill/v1"
	DomainReservation = "fulfil/reservation/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// IdempotencyKey hashes the canonical form of fields under domain.
// The same fields always produce the same key, across processes and retries.
func IdempotencyKey(domain string, fields Object) (string, error) {
	canonical, err := MarshalCanonical(fields)
	if err != nil {
		return "", fmt.Errorf("IdempotencyKey: failed to marshal: %w", err)
	}
	return hashWithDomain(domain, canonical), nil
}

// MustIdempotencyKey is like IdempotencyKey but panics on error.
// Use only when fields are known to be canonical (no floats, no nils).
func MustIdempotencyKey(domain string, fields Object) string {
	key, err := IdempotencyKey(domain, fields)
	if err != nil {
		panic(err)
	}
	return key
}
