// Package ir holds the records shared between the engine, the store and the
// tooling built on top of them.
//
// Three things live here:
//
//   - Event: the structured observation emitted by the engine for every
//     attempt, retry, compensation and progress checkpoint. Events are
//     stamped with a logical sequence number, never a wall-clock time, so a
//     recorded run renders identically every time it is read back.
//   - RunRecord: the summary row of one pipeline run.
//   - Canonical JSON and domain-separated hashing, used to derive stable
//     idempotency keys for side-effecting steps (billing, inventory).
//
// # Canonical JSON
//
// MarshalCanonical follows RFC 8785: object keys sorted by UTF-16 code units,
// no HTML escaping, NFC-normalized strings, and no floats or nulls. Amounts
// are therefore always integral (cents).
package ir
