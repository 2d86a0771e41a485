package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/mirage/internal/ir"
)

// createTestStore creates a new store in a temp directory.
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

// createTestRun inserts a run with minimal required fields.
func createTestRun(t *testing.T, s *Store, id string) Run {
	t.Helper()
	run := Run{
		ID:            id,
		ManifestHash:  "test-hash",
		KernelVersion: ir.KernelVersion,
		TraceVersion:  ir.TraceVersion,
	}
	if err := s.BeginRun(context.Background(), run); err != nil {
		t.Fatalf("BeginRun() failed: %v", err)
	}
	run.Status = RunRunning
	return run
}

func pid(index, gen uint32) ir.ProcessID {
	return ir.ProcessID{Index: index, Generation: gen}
}
