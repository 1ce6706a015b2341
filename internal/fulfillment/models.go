package fulfillment

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/fulfil/internal/ir"
)

// Address is a delivery address.
type Address struct {
	Line1      string `yaml:"line1" json:"line1"`
	Line2      string `yaml:"line2,omitempty" json:"line2,omitempty"`
	City       string `yaml:"city" json:"city"`
	State      string `yaml:"state" json:"state"`
	PostalCode string `yaml:"postal_code" json:"postal_code"`
}

// Customer places orders.
type Customer struct {
	CustomerID       int    `yaml:"customer_id" json:"customer_id"`
	Name             string `yaml:"name" json:"name"`
	Phone            string `yaml:"phone,omitempty" json:"phone,omitempty"`
	Email            string `yaml:"email,omitempty" json:"email,omitempty"`
	CreditCardNumber string `yaml:"credit_card_number" json:"credit_card_number"`
}

// Pizza is one ordered item. Price is in cents.
type Pizza struct {
	Description string `yaml:"description" json:"description"`
	Price       int    `yaml:"price" json:"price"`
}

// Order is the pipeline payload.
type Order struct {
	OrderNumber string   `yaml:"order_number" json:"order_number"`
	Customer    Customer `yaml:"customer" json:"customer"`
	Items       []Pizza  `yaml:"items" json:"items"`
	Address     Address  `yaml:"address" json:"address"`
	IsDelivery  bool     `yaml:"is_delivery" json:"is_delivery"`
}

// Total returns the sum of item prices in cents.
func (o Order) Total() int {
	total := 0
	for _, p := range o.Items {
		total += p.Price
	}
	return total
}

// Validate checks the fields the pipeline cannot run without. Business
// rules (card format, distance, charge amount) are enforced by the steps.
func (o Order) Validate() error {
	var errs []error
	if o.OrderNumber == "" {
		errs = append(errs, errors.New("order_number is required"))
	}
	if len(o.Items) == 0 {
		errs = append(errs, errors.New("at least one item is required"))
	}
	if o.IsDelivery && o.Address.Line1 == "" {
		errs = append(errs, errors.New("delivery orders need address.line1"))
	}
	return errors.Join(errs...)
}

// Payload returns the order summary stored with its run record.
func (o Order) Payload() ir.Object {
	return ir.Object{
		"order_number": o.OrderNumber,
		"customer_id":  int64(o.Customer.CustomerID),
		"items":        int64(len(o.Items)),
		"total":        int64(o.Total()),
		"is_delivery":  o.IsDelivery,
	}
}

// DeliveryTaskID identifies the delivery poll of an order. Every run for
// the same order number shares this progress token.
func (o Order) DeliveryTaskID() string {
	return o.OrderNumber + "/" + StepPollDeliveryDriver
}

// Distance is the computed distance to the customer.
type Distance struct {
	Kilometers int `json:"kilometers"`
}

// Bill is what the customer is charged for. IdempotencyKey is a content
// hash of customer, order number and amount, so a retried charge is
// recognized by the payment side.
type Bill struct {
	CustomerID     int    `json:"customer_id"`
	OrderNumber    string `json:"order_number"`
	Description    string `json:"description"`
	Amount         int    `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

// NewBill creates the bill for an order.
func NewBill(o Order) Bill {
	b := Bill{
		CustomerID:  o.Customer.CustomerID,
		OrderNumber: o.OrderNumber,
		Description: "Pizza",
		Amount:      o.Total(),
	}
	b.IdempotencyKey = ir.MustIdempotencyKey(ir.DomainBill, ir.Object{
		"customer_id":  int64(b.CustomerID),
		"order_number": b.OrderNumber,
		"amount":       int64(b.Amount),
	})
	return b
}

// Reservation is the result of update-inventory and the input of its undo.
type Reservation struct {
	ID          string `json:"id"`
	OrderNumber string `json:"order_number"`
	Items       int    `json:"items"`
}

// Receipt is the result of send-bill and the input of its undo.
type Receipt struct {
	Bill         Bill              `json:"bill"`
	Confirmation OrderConfirmation `json:"confirmation"`
}

// DeliveryAssignment is the result of poll-delivery-driver.
type DeliveryAssignment struct {
	Service string `json:"service"`
	Polls   int64  `json:"polls"`
}

// OrderConfirmation is the pipeline's result.
type OrderConfirmation struct {
	OrderNumber        string `json:"order_number"`
	Status             string `json:"status"`
	ConfirmationNumber string `json:"confirmation_number"`
	BillingTimestamp   int64  `json:"billing_timestamp"`
	Amount             int    `json:"amount"`
	DeliveryService    string `json:"delivery_service,omitempty"`
	RunID              string `json:"run_id,omitempty"`
}

// LoadOrder reads an order from a YAML (or JSON) file.
// Unknown fields are rejected so typos surface early.
func LoadOrder(path string) (Order, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Order{}, fmt.Errorf("read order: %w", err)
	}
	return ParseOrder(data)
}

// ParseOrder decodes and validates an order document.
func ParseOrder(data []byte) (Order, error) {
	var o Order
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&o); err != nil {
		return Order{}, fmt.Errorf("parse order: %w", err)
	}
	if err := o.Validate(); err != nil {
		return Order{}, fmt.Errorf("invalid order %q: %w", o.OrderNumber, err)
	}
	return o, nil
}

// SampleOrder returns the reference delivery order.
func SampleOrder() Order {
	return Order{
		OrderNumber: "Z1238",
		Customer: Customer{
			CustomerID:       12983,
			Name:             "María García",
			Phone:            "415-555-7418",
			Email:            "maria1985@example.com",
			CreditCardNumber: "1234567890123456",
		},
		Items: []Pizza{
			{Description: "Large, with mushrooms and onions", Price: 1500},
			{Description: "Small, with pepperoni", Price: 1200},
			{Description: "Medium, with extra cheese", Price: 1300},
		},
		Address: Address{
			Line1:      "701 Mission Street",
			Line2:      "Apartment 9C",
			City:       "San Francisco",
			State:      "CA",
			PostalCode: "94103",
		},
		IsDelivery: true,
	}
}
