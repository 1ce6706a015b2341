package fulfillment

import (
	"context"
	"sync"
)

// DefaultConfirmationNumber is what MemoryBilling confirms charges with.
const DefaultConfirmationNumber = "AB9923"

// MemoryInventory is an in-process Inventory. Reserve and Release are
// idempotent by key; call counts are kept for inspection.
type MemoryInventory struct {
	mu           sync.Mutex
	reserved     map[string][]Pizza
	reserveCalls int
	releaseCalls int
}

// NewMemoryInventory creates an empty inventory.
func NewMemoryInventory() *MemoryInventory {
	return &MemoryInventory{reserved: make(map[string][]Pizza)}
}

// Reserve implements Inventory.
func (m *MemoryInventory) Reserve(_ context.Context, key string, items []Pizza) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserveCalls++
	if _, ok := m.reserved[key]; !ok {
		m.reserved[key] = append([]Pizza(nil), items...)
	}
	return nil
}

// Release implements Inventory. Releasing an unknown key is a no-op.
func (m *MemoryInventory) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseCalls++
	delete(m.reserved, key)
	return nil
}

// Reserved returns the number of open reservations.
func (m *MemoryInventory) Reserved() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reserved)
}

// ReleaseCalls returns how many times Release was invoked.
func (m *MemoryInventory) ReleaseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseCalls
}

// ReserveCalls returns how many times Reserve was invoked.
func (m *MemoryInventory) ReserveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserveCalls
}

// MemoryBilling is an in-process Billing. A key is charged at most once;
// charging it again returns the original confirmation.
type MemoryBilling struct {
	ConfirmationNumber string

	mu          sync.Mutex
	charges     map[string]int
	refunds     map[string]int
	chargeCalls int
	refundCalls int
}

// NewMemoryBilling creates a billing ledger confirming with
// DefaultConfirmationNumber.
func NewMemoryBilling() *MemoryBilling {
	return &MemoryBilling{
		ConfirmationNumber: DefaultConfirmationNumber,
		charges:            make(map[string]int),
		refunds:            make(map[string]int),
	}
}

// Charge implements Billing.
func (m *MemoryBilling) Charge(_ context.Context, key string, _ Bill, amount int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chargeCalls++
	if _, ok := m.charges[key]; !ok {
		m.charges[key] = amount
	}
	return m.ConfirmationNumber, nil
}

// Refund implements Billing. Refunding a key twice refunds once.
func (m *MemoryBilling) Refund(_ context.Context, key string, amount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refundCalls++
	if _, ok := m.refunds[key]; !ok {
		m.refunds[key] = amount
	}
	return nil
}

// Charged returns the amount charged under key, if any.
func (m *MemoryBilling) Charged(key string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.charges[key]
	return v, ok
}

// Refunded returns the amount refunded under key, if any.
func (m *MemoryBilling) Refunded(key string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.refunds[key]
	return v, ok
}

// ChargeCalls returns how many times Charge was invoked.
func (m *MemoryBilling) ChargeCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chargeCalls
}

// RefundCalls returns how many times Refund was invoked.
func (m *MemoryBilling) RefundCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refundCalls
}
