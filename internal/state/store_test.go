package state

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mattjoyce/ahenk/internal/dispatch"
	"github.com/mattjoyce/ahenk/internal/protocol"
	"github.com/mattjoyce/ahenk/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "ahenk.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestStoreLookupPolicyColumns(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SavePolicy(ctx, protocol.Policy{ID: "p1", Plugin: "sysinfo", ExecutionID: "e-1", PolicyVersion: "4"}); err != nil {
		t.Fatalf("SavePolicy: %v", err)
	}

	exec, err := s.Lookup(ctx, "policy", "execution_id", "p1")
	if err != nil {
		t.Fatalf("Lookup execution_id: %v", err)
	}
	if exec != "e-1" {
		t.Fatalf("expected e-1, got %q", exec)
	}

	version, err := s.Lookup(ctx, "policy", "version", "p1")
	if err != nil {
		t.Fatalf("Lookup version: %v", err)
	}
	if version != "4" {
		t.Fatalf("expected 4, got %q", version)
	}
}

func TestStoreLookupMissingAndNull(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Lookup(ctx, "policy", "version", "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.SavePolicy(ctx, protocol.Policy{ID: "p2", Plugin: "sysinfo"}); err != nil {
		t.Fatalf("SavePolicy: %v", err)
	}
	_, err := s.Lookup(ctx, "policy", "version", "p2")
	if !errors.Is(err, ErrNullColumnData) {
		t.Fatalf("expected ErrNullColumnData, got %v", err)
	}
	if !errors.Is(err, dispatch.ErrNoRecord) {
		t.Fatalf("absent values should satisfy dispatch.ErrNoRecord, got %v", err)
	}
	if _, err := s.Lookup(ctx, "policy", "bogus", "p2"); errors.Is(err, dispatch.ErrNoRecord) {
		t.Fatalf("unknown column must not look like an absent record: %v", err)
	}
}

func TestStoreLookupRejectsUnknownIdentifiers(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	cases := []struct{ table, column string }{
		{"policy", "id; DROP TABLE policy"},
		{"sqlite_master", "sql"},
		{"task", "created_at"},
	}
	for _, tc := range cases {
		if _, err := s.Lookup(ctx, tc.table, tc.column, "x"); !errors.Is(err, ErrUnknownColumn) {
			t.Fatalf("Lookup(%q, %q): expected ErrUnknownColumn, got %v", tc.table, tc.column, err)
		}
	}
}

func TestStoreSaveTaskUpserts(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	task := protocol.Task{
		ID:         "t1",
		Plugin:     "sysinfo",
		CommandID:  "HOST_INFO",
		Parameters: map[string]any{"field": "cpu"},
		FileServer: &protocol.FileServerSpec{Protocol: "ssh", Parameters: protocol.Params{"host": "h"}},
	}
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	task.CommandID = "COLLECT_REPORT"
	task.CronExpr = "0 * * * *"
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask (2): %v", err)
	}

	cmd, err := s.Lookup(ctx, "task", "command_id", "t1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if cmd != "COLLECT_REPORT" {
		t.Fatalf("expected updated command, got %q", cmd)
	}

	params, err := s.Lookup(ctx, "task", "parameter_map", "t1")
	if err != nil {
		t.Fatalf("Lookup parameter_map: %v", err)
	}
	if params != `{"field":"cpu"}` {
		t.Fatalf("unexpected parameter map %s", params)
	}

	if err := s.DeleteTask(ctx, "t1"); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, err := s.Lookup(ctx, "task", "command_id", "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestStoreConcurrentLookups(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	if err := s.SavePolicy(ctx, protocol.Policy{ID: "p1", Plugin: "sysinfo", ExecutionID: "e", PolicyVersion: "1"}); err != nil {
		t.Fatalf("SavePolicy: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Lookup(ctx, "policy", "execution_id", "p1"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Lookup: %v", err)
	}
}
