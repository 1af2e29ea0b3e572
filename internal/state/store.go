package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/ahenk/internal/dispatch"
	"github.com/mattjoyce/ahenk/internal/protocol"
)

var (
	ErrNotFound       = fmt.Errorf("record not found: %w", dispatch.ErrNoRecord)
	ErrNullColumnData = fmt.Errorf("column value is null: %w", dispatch.ErrNoRecord)
	ErrUnknownColumn  = errors.New("unknown table or column")
	ErrEmptyID        = errors.New("record id is empty")
)

// lookupColumns is the set of table/column pairs Lookup may read. Identifiers
// cannot be bound as SQL parameters, so they are only ever taken from here.
var lookupColumns = map[string]map[string]struct{}{
	"task": {
		"plugin":        {},
		"command_id":    {},
		"parameter_map": {},
		"cron_expr":     {},
		"file_server":   {},
	},
	"policy": {
		"plugin":       {},
		"username":     {},
		"execution_id": {},
		"version":      {},
	},
}

// Store persists received tasks and policies. It is safe for concurrent use.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Lookup returns a single column of the record with the given id.
func (s *Store) Lookup(ctx context.Context, table, column, id string) (string, error) {
	if id == "" {
		return "", ErrEmptyID
	}
	cols, ok := lookupColumns[table]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownColumn, table)
	}
	if _, ok := cols[column]; !ok {
		return "", fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, column)
	}

	var v sql.NullString
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?;", column, table)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s id=%q", ErrNotFound, table, id)
	}
	if err != nil {
		return "", fmt.Errorf("lookup %s.%s: %w", table, column, err)
	}
	if !v.Valid {
		return "", fmt.Errorf("%w: %s.%s id=%q", ErrNullColumnData, table, column, id)
	}
	return v.String, nil
}

// SaveTask inserts or replaces a task record.
func (s *Store) SaveTask(ctx context.Context, t protocol.Task) error {
	if t.ID == "" {
		return ErrEmptyID
	}

	params, err := json.Marshal(orEmpty(t.Parameters))
	if err != nil {
		return fmt.Errorf("marshal parameter map: %w", err)
	}
	var fileServer any
	if t.FileServer != nil {
		b, err := json.Marshal(t.FileServer)
		if err != nil {
			return fmt.Errorf("marshal file server: %w", err)
		}
		fileServer = string(b)
	}

	now := s.now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
INSERT INTO task(id, plugin, command_id, parameter_map, cron_expr, file_server, created_at, modified_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  plugin = excluded.plugin,
  command_id = excluded.command_id,
  parameter_map = excluded.parameter_map,
  cron_expr = excluded.cron_expr,
  file_server = excluded.file_server,
  modified_at = excluded.modified_at;
`, t.ID, t.Plugin, t.CommandID, string(params), nullable(t.CronExpr), fileServer, now, now)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

// SavePolicy inserts or replaces the execution id and version of a policy.
func (s *Store) SavePolicy(ctx context.Context, p protocol.Policy) error {
	if p.ID == "" {
		return ErrEmptyID
	}

	now := s.now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO policy(id, plugin, username, execution_id, version, created_at, modified_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  plugin = excluded.plugin,
  username = excluded.username,
  execution_id = excluded.execution_id,
  version = excluded.version,
  modified_at = excluded.modified_at;
`, p.ID, p.Plugin, nullable(p.Username), nullable(p.ExecutionID), nullable(p.PolicyVersion), now, now)
	if err != nil {
		return fmt.Errorf("upsert policy: %w", err)
	}
	return nil
}

// DeleteTask removes a task record. Deleting a missing task is not an error.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM task WHERE id = ?;", id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
