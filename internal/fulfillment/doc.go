// Package fulfillment defines the order-fulfillment pipeline and the
// business activities it runs on the engine.
//
// Step order and rollback pairing:
//
//	validate-credit-card
//	get-distance          (delivery orders only)
//	prepare-order
//	update-inventory      undo: revert-inventory
//	send-bill             undo: refund-customer
//	poll-delivery-driver  (delivery orders only, resumable)
package fulfillment
