package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/fulfil/internal/ir"
)

// createTestStore opens a fresh store in a per-test temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRun creates a running run record with minimal required fields.
func createTestRun(id, key string) ir.RunRecord {
	return ir.RunRecord{
		ID:       id,
		Pipeline: "order-fulfillment",
		Key:      key,
		Status:   ir.RunStatusRunning,
		Payload:  ir.Object{"order_number": key},
	}
}
