// Package testutil provides deterministic collaborators for engine tests:
// a sleeper that never blocks, an observer that records events, and a run
// ID generator that always returns the same ID.
package testutil
