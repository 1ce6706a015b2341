// Package harness runs order fulfillment scenarios described in YAML.
//
// A scenario names an order, the faults to inject into steps or their
// compensations, the replies of the delivery service and what the run must
// end with. Run executes it against the real pipeline on an in-memory
// SQLite store with a fake sleeper, a logical clock and a fixed run ID, so
// the event trace is byte-for-byte reproducible. RunWithGolden compares
// that trace with a golden file under testdata/golden.
//
// Scenario format:
//
//	name: billing_outage
//	description: send-bill keeps failing; inventory is released
//	order: {...}              # optional, defaults to the sample order
//	faults:
//	  - step: send-bill
//	    code: PaymentGatewayDown
//	    times: 0              # 0 = every attempt
//	driver: [404, 200]        # delivery replies; 0 = transport error
//	seed_progress: 3          # optional stored poll progress
//	cancel_after: 12          # optional, cancel after N events
//	expect:
//	  status: failed
//	  error_code: PaymentGatewayDown
//	  compensated: [update-inventory]
//	assertions:
//	  - type: trace_count
//	    kind: attempt_started
//	    step: send-bill
//	    count: 5
package harness
