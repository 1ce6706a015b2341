package fulfillment

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/roach88/fulfil/internal/engine"
	"github.com/roach88/fulfil/internal/ir"
)

// Failure codes raised by the activities.
const (
	CodeInvalidCard              = "InvalidCard"
	CodeDeliveryTooFar           = "DeliveryTooFar"
	CodeInvalidChargeAmount      = "InvalidChargeAmount"
	CodeDriverServiceRejected    = "DriverServiceRejected"
	CodeDriverServiceUnavailable = "DriverServiceUnavailable"
	CodeNoDriverAvailable        = "NoDriverAvailable"
)

const (
	// DiscountThreshold is the bill amount above which DiscountAmount is
	// taken off, in cents.
	DiscountThreshold = 3000
	DiscountAmount    = 500

	cardLength = 16
)

// Inventory reserves stock for an order. Both operations must be
// idempotent by key.
type Inventory interface {
	Reserve(ctx context.Context, key string, items []Pizza) error
	Release(ctx context.Context, key string) error
}

// Billing charges and refunds customers. Both operations must be
// idempotent by key; Charge returns a confirmation number.
type Billing interface {
	Charge(ctx context.Context, key string, bill Bill, amount int) (string, error)
	Refund(ctx context.Context, key string, amount int) error
}

// DriverFinder asks the external delivery service for a driver. It returns
// the HTTP status of the reply and, on success, the service that accepted.
type DriverFinder interface {
	FindDriver(ctx context.Context, orderNumber string) (status int, service string, err error)
}

// DriverFinderFunc adapts a function to DriverFinder.
type DriverFinderFunc func(ctx context.Context, orderNumber string) (int, string, error)

// FindDriver calls f.
func (f DriverFinderFunc) FindDriver(ctx context.Context, orderNumber string) (int, string, error) {
	return f(ctx, orderNumber)
}

// Activities holds the business operations behind each step.
type Activities struct {
	Inventory Inventory
	Billing   Billing
	Drivers   DriverFinder
	Logger    *slog.Logger

	// Now stamps billing confirmations. Nil uses time.Now.
	Now func() time.Time
}

func (a *Activities) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func (a *Activities) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// ValidateCreditCard checks that number has exactly 16 digits.
func (a *Activities) ValidateCreditCard(_ context.Context, number string) error {
	a.logger().Info("validating credit card")

	valid := len(number) == cardLength
	for _, r := range number {
		if r < '0' || r > '9' {
			valid = false
			break
		}
	}
	if !valid {
		return engine.NewFailure(CodeInvalidCard, "Invalid credit card number: must contain exactly 16 digits", number)
	}
	return nil
}

// GetDistance returns a simulated but stable distance for addr, derived
// from the length of its street lines.
func (a *Activities) GetDistance(_ context.Context, addr Address) (Distance, error) {
	km := len(addr.Line1) + len(addr.Line2) - 10
	if km < 1 {
		km = 5
	}
	a.logger().Debug("computed distance", "kilometers", km)
	return Distance{Kilometers: km}, nil
}

// UpdateInventory reserves the order's items.
func (a *Activities) UpdateInventory(ctx context.Context, o Order) (Reservation, error) {
	id, err := ir.IdempotencyKey(ir.DomainReservation, ir.Object{
		"order_number": o.OrderNumber,
		"items":        itemDescriptions(o.Items),
	})
	if err != nil {
		return Reservation{}, engine.NewNonRetryable(engine.CodeGeneric, err.Error())
	}
	a.logger().Info("updating inventory", "order", o.OrderNumber, "items", len(o.Items))
	if err := a.Inventory.Reserve(ctx, id, o.Items); err != nil {
		return Reservation{}, fmt.Errorf("reserve inventory for %s: %w", o.OrderNumber, err)
	}
	return Reservation{ID: id, OrderNumber: o.OrderNumber, Items: len(o.Items)}, nil
}

// RevertInventory releases a reservation.
func (a *Activities) RevertInventory(ctx context.Context, r Reservation) error {
	a.logger().Info("reverting inventory", "order", r.OrderNumber, "items", r.Items)
	if err := a.Inventory.Release(ctx, r.ID); err != nil {
		return fmt.Errorf("release inventory for %s: %w", r.OrderNumber, err)
	}
	return nil
}

// ChargeAmount applies the discount rule to a bill amount.
func ChargeAmount(amount int) int {
	if amount > DiscountThreshold {
		return amount - DiscountAmount
	}
	return amount
}

// SendBill charges the customer. A negative charge is rejected without
// calling the payment side and is never retried.
func (a *Activities) SendBill(ctx context.Context, bill Bill) (Receipt, error) {
	charge := ChargeAmount(bill.Amount)
	a.logger().Info("sending bill", "customer", bill.CustomerID, "amount", bill.Amount, "charge", charge)

	if charge < 0 {
		return Receipt{}, engine.NewNonRetryable(CodeInvalidChargeAmount,
			fmt.Sprintf("Invalid charge amount: %d (must be above zero)", charge), bill)
	}

	confirmation, err := a.Billing.Charge(ctx, bill.IdempotencyKey, bill, charge)
	if err != nil {
		return Receipt{}, fmt.Errorf("charge %s: %w", bill.OrderNumber, err)
	}
	return Receipt{
		Bill: bill,
		Confirmation: OrderConfirmation{
			OrderNumber:        bill.OrderNumber,
			Status:             "SUCCESS",
			ConfirmationNumber: confirmation,
			BillingTimestamp:   a.now().Unix(),
			Amount:             charge,
		},
	}, nil
}

// RefundCustomer refunds what a receipt charged.
func (a *Activities) RefundCustomer(ctx context.Context, r Receipt) error {
	a.logger().Info("refunding customer",
		"customer", r.Bill.CustomerID, "order", r.Bill.OrderNumber, "amount", r.Confirmation.Amount)
	if err := a.Billing.Refund(ctx, r.Bill.IdempotencyKey, r.Confirmation.Amount); err != nil {
		return fmt.Errorf("refund %s: %w", r.Bill.OrderNumber, err)
	}
	return nil
}

// PollDeliveryDriver asks the delivery service once.
//
// 2xx ends the poll with the accepting service. 403 and 5xx mean the
// service refuses the order and are not retried. Any other status keeps
// the poll going. A transport error is retryable.
func (a *Activities) PollDeliveryDriver(ctx context.Context, orderNumber string, iteration int64) (engine.IterationOutcome, error) {
	status, service, err := a.Drivers.FindDriver(ctx, orderNumber)
	if err != nil {
		if ctx.Err() != nil {
			return engine.IterationOutcome{}, ctx.Err()
		}
		return engine.IterationOutcome{}, &engine.Failure{
			Code:    CodeDriverServiceUnavailable,
			Message: err.Error(),
			Cause:   err,
		}
	}

	a.logger().Debug("polled delivery service", "order", orderNumber, "iteration", iteration, "status", status)
	switch {
	case status >= 200 && status < 300:
		return engine.IterationOutcome{Done: true, Value: service}, nil
	case status == http.StatusForbidden || status >= 500:
		return engine.IterationOutcome{}, engine.NewNonRetryable(CodeDriverServiceRejected,
			fmt.Sprintf("delivery service returned HTTP %d", status), status)
	default:
		return engine.IterationOutcome{}, nil
	}
}

func itemDescriptions(items []Pizza) []any {
	out := make([]any, len(items))
	for i, p := range items {
		out[i] = p.Description
	}
	return out
}
