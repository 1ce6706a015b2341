package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/fulfil/internal/ir"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// WriteRun inserts a run record.
// Uses ON CONFLICT(id) DO NOTHING - writing the same run twice keeps the
// first record.
func (s *Store) WriteRun(ctx context.Context, run ir.RunRecord) error {
	payload, err := marshalPayload(run.Payload)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	status := run.Status
	if status == "" {
		status = ir.RunStatusRunning
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, pipeline, key, status, error_code, error_message, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, run.ID, run.Pipeline, run.Key, string(status), run.ErrorCode, run.ErrorMessage, payload)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}

// FinishRun records the terminal status of a run.
// Returns ErrNotFound if the run does not exist.
func (s *Store) FinishRun(ctx context.Context, id string, status ir.RunStatus, code, message string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, error_code = ?, error_message = ?
		WHERE id = ?
	`, string(status), code, message, id)
	if err != nil {
		return fmt.Errorf("finish run %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run %q: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("finish run %q: %w", id, ErrNotFound)
	}
	return nil
}

// ReadRun returns the run with the given ID.
// Returns ErrNotFound if it does not exist.
func (s *Store) ReadRun(ctx context.Context, id string) (ir.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, pipeline, key, status, error_code, error_message, payload
		FROM runs WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.RunRecord{}, fmt.Errorf("run %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return ir.RunRecord{}, fmt.Errorf("read run %q: %w", id, err)
	}
	return run, nil
}

// ListRuns returns runs in insertion order. A non-empty key restricts the
// list to runs of that business key.
func (s *Store) ListRuns(ctx context.Context, key string) ([]ir.RunRecord, error) {
	query := `SELECT id, pipeline, key, status, error_code, error_message, payload FROM runs`
	var args []any
	if key != "" {
		query += ` WHERE key = ?`
		args = append(args, key)
	}
	query += ` ORDER BY rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []ir.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

// WriteEvent appends an engine event to its run's log. A run row is created
// on first sight so events of a bare step execution can be recorded too.
// Uses ON CONFLICT DO NOTHING - an event is identified by (run_id, seq).
func (s *Store) WriteEvent(ctx context.Context, e ir.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write event: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, status) VALUES (?, 'running')
		ON CONFLICT(id) DO NOTHING
	`, e.RunID); err != nil {
		return fmt.Errorf("write event: ensure run: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (run_id, seq, kind, step, attempt, code, message, delay_ns, progress)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, e.RunID, e.Seq, string(e.Kind), e.Step, e.Attempt, e.Code, e.Message, int64(e.Delay), e.Progress)
	if err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write event: commit: %w", err)
	}
	return nil
}

// ReadEvents returns the events of a run ordered by seq.
func (s *Store) ReadEvents(ctx context.Context, runID string) ([]ir.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, kind, step, attempt, code, message, delay_ns, progress
		FROM events
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("read events %q: %w", runID, err)
	}
	defer rows.Close()

	var out []ir.Event
	for rows.Next() {
		var (
			e       ir.Event
			kind    string
			delayNS int64
		)
		if err := rows.Scan(&e.RunID, &e.Seq, &kind, &e.Step, &e.Attempt, &e.Code, &e.Message, &delayNS, &e.Progress); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = ir.EventKind(kind)
		e.Delay = time.Duration(delayNS)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read events %q: %w", runID, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (ir.RunRecord, error) {
	var (
		run     ir.RunRecord
		status  string
		payload string
	)
	if err := row.Scan(&run.ID, &run.Pipeline, &run.Key, &status, &run.ErrorCode, &run.ErrorMessage, &payload); err != nil {
		return ir.RunRecord{}, err
	}
	run.Status = ir.RunStatus(status)
	obj, err := unmarshalPayload(payload)
	if err != nil {
		return ir.RunRecord{}, err
	}
	run.Payload = obj
	return run, nil
}
