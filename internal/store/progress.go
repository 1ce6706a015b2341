package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/fulfil/internal/engine"
)

// ErrProgressRegression is returned by SaveProgress when the new token is
// lower than the stored one. Progress tokens never move backwards; use
// ClearProgress to start a task afresh.
var ErrProgressRegression = errors.New("progress regression")

// ProgressToken is a stored progress entry.
type ProgressToken struct {
	TaskID   string `json:"task_id"`
	Progress int64  `json:"progress"`
	Done     bool   `json:"done"`
	Saves    int64  `json:"saves"`
}

// LoadProgress returns the stored checkpoint for taskID and whether one
// exists.
// Implements engine.ProgressStore.
func (s *Store) LoadProgress(ctx context.Context, taskID string) (engine.Checkpoint, bool, error) {
	var (
		cp     engine.Checkpoint
		result string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT progress, done, result FROM progress_tokens WHERE task_id = ?`, taskID,
	).Scan(&cp.Progress, &cp.Done, &result)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Checkpoint{}, false, nil
	}
	if err != nil {
		return engine.Checkpoint{}, false, fmt.Errorf("load progress %q: %w", taskID, err)
	}
	if cp.Result, err = unmarshalResult(result); err != nil {
		return engine.Checkpoint{}, false, fmt.Errorf("load progress %q: %w", taskID, err)
	}
	return cp, true, nil
}

// SaveProgress records cp for taskID. Saving the current progress again
// overwrites the completion marker and bumps the save counter; saving a
// lower value fails with ErrProgressRegression. A Done result must be
// encodable as canonical JSON.
// Implements engine.ProgressStore.
func (s *Store) SaveProgress(ctx context.Context, taskID string, cp engine.Checkpoint) error {
	progress := cp.Progress
	if progress < 0 {
		return fmt.Errorf("save progress %q: negative progress %d", taskID, progress)
	}

	result, err := marshalResult(cp.Result)
	if err != nil {
		return fmt.Errorf("save progress %q: %w", taskID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save progress %q: begin: %w", taskID, err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT progress FROM progress_tokens WHERE task_id = ?`, taskID,
	).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("save progress %q: %w", taskID, err)
	case progress < current:
		return fmt.Errorf("%w: task %q is at %d, refusing %d", ErrProgressRegression, taskID, current, progress)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO progress_tokens (task_id, progress, done, result, saves)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(task_id) DO UPDATE SET
			progress = excluded.progress,
			done = excluded.done,
			result = excluded.result,
			saves = progress_tokens.saves + 1
	`, taskID, progress, cp.Done, result)
	if err != nil {
		return fmt.Errorf("save progress %q: %w", taskID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save progress %q: commit: %w", taskID, err)
	}
	return nil
}

// ClearProgress removes the token for taskID. Clearing an absent token is
// not an error.
// Implements engine.ProgressStore.
func (s *Store) ClearProgress(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM progress_tokens WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("clear progress %q: %w", taskID, err)
	}
	return nil
}

// ReadProgress returns the full stored entry for taskID.
// Returns ErrNotFound if the task has no token.
func (s *Store) ReadProgress(ctx context.Context, taskID string) (ProgressToken, error) {
	var tok ProgressToken
	err := s.db.QueryRowContext(ctx,
		`SELECT task_id, progress, done, saves FROM progress_tokens WHERE task_id = ?`, taskID,
	).Scan(&tok.TaskID, &tok.Progress, &tok.Done, &tok.Saves)
	if errors.Is(err, sql.ErrNoRows) {
		return ProgressToken{}, fmt.Errorf("progress %q: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return ProgressToken{}, fmt.Errorf("read progress %q: %w", taskID, err)
	}
	return tok, nil
}

// ListProgress returns every stored token ordered by task ID.
func (s *Store) ListProgress(ctx context.Context) ([]ProgressToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, progress, done, saves FROM progress_tokens ORDER BY task_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	defer rows.Close()

	var out []ProgressToken
	for rows.Next() {
		var tok ProgressToken
		if err := rows.Scan(&tok.TaskID, &tok.Progress, &tok.Done, &tok.Saves); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		out = append(out, tok)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate progress: %w", err)
	}
	return out, nil
}
