package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRunLockHeld is returned when another run already owns the lock slot.
	ErrRunLockHeld = errors.New("run lock already held")
	// ErrRunLockLost is returned when a run refreshes a lock it no longer owns.
	ErrRunLockLost = errors.New("run lock lost")
)

// Progress

const progressColumns = `id, kind, phase, current, total, current_item, percentage, is_complete, error, created_at, updated_at`

func scanProgress(row rowScanner) (*ProgressRun, error) {
	var p ProgressRun
	var errMsg sql.NullString
	err := row.Scan(&p.ID, &p.Kind, &p.Phase, &p.Current, &p.Total, &p.CurrentItem,
		&p.Percentage, &p.IsComplete, &errMsg, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if errMsg.Valid {
		p.Error = &errMsg.String
	}
	return &p, nil
}

func (s *SQLiteStorage) SaveProgress(ctx context.Context, p *ProgressRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO progress_runs (`+progressColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			phase = excluded.phase,
			current = excluded.current,
			total = excluded.total,
			current_item = excluded.current_item,
			percentage = excluded.percentage,
			is_complete = excluded.is_complete,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, p.ID, p.Kind, p.Phase, p.Current, p.Total, p.CurrentItem, p.Percentage, p.IsComplete,
		p.Error, p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save progress %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLiteStorage) GetProgress(ctx context.Context, id string) (*ProgressRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+progressColumns+` FROM progress_runs WHERE id = ?`, id)
	p, err := scanProgress(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get progress %s: %w", id, err)
	}
	return p, nil
}

// GetLatestProgress returns the most recently created progress record.
func (s *SQLiteStorage) GetLatestProgress(ctx context.Context) (*ProgressRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+progressColumns+` FROM progress_runs ORDER BY created_at DESC LIMIT 1`)
	p, err := scanProgress(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest progress: %w", err)
	}
	return p, nil
}

func (s *SQLiteStorage) DeleteProgress(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM progress_runs WHERE id = ?", id)
	return err
}

// DeleteProgressBefore removes progress records created before cutoff.
func (s *SQLiteStorage) DeleteProgressBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM progress_runs WHERE created_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete old progress: %w", err)
	}
	return res.RowsAffected()
}

// MarkUnfinishedProgressFailed terminates open records that no run lock
// refers to anymore.
func (s *SQLiteStorage) MarkUnfinishedProgressFailed(ctx context.Context, errorMessage string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE progress_runs
		SET phase = 'error', is_complete = TRUE, error = ?, updated_at = ?
		WHERE is_complete = FALSE
		AND id NOT IN (SELECT run_id FROM run_locks)
	`, errorMessage, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("mark unfinished progress failed: %w", err)
	}
	return res.RowsAffected()
}

// Run locks

// AcquireRunLock atomically claims slot for runID on behalf of owner. A lock
// whose heartbeat is older than staleBefore was left by a dead process and
// is replaced.
func (s *SQLiteStorage) AcquireRunLock(ctx context.Context, slot, runID, owner string, staleBefore time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM run_locks WHERE slot = ? AND heartbeat_at < ?", slot, staleBefore.UTC()); err != nil {
		return fmt.Errorf("expire run lock: %w", err)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO run_locks (slot, run_id, owner, acquired_at, heartbeat_at)
		SELECT ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM run_locks WHERE slot = ?
		)
	`, slot, runID, owner, now, now, slot)
	if err != nil {
		return fmt.Errorf("acquire run lock: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrRunLockHeld
	}
	return nil
}

// HeartbeatRunLock marks the lock of runID as alive. It returns ErrRunLockLost
// when runID no longer holds slot.
func (s *SQLiteStorage) HeartbeatRunLock(ctx context.Context, slot, runID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE run_locks SET heartbeat_at = ? WHERE slot = ? AND run_id = ?", time.Now().UTC(), slot, runID)
	if err != nil {
		return fmt.Errorf("refresh run lock: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrRunLockLost
	}
	return nil
}

// ReleaseRunLock frees slot if runID still owns it.
func (s *SQLiteStorage) ReleaseRunLock(ctx context.Context, slot, runID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM run_locks WHERE slot = ? AND run_id = ?", slot, runID)
	if err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	return nil
}

// ClearStaleRunLocks drops locks whose heartbeat is older than staleBefore,
// plus locks of owner held for any run other than activeRunID. Locks of
// other live processes are kept.
func (s *SQLiteStorage) ClearStaleRunLocks(ctx context.Context, staleBefore time.Time, owner, activeRunID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM run_locks
		WHERE heartbeat_at < ?
		OR (? != '' AND owner = ? AND run_id != ?)
	`, staleBefore.UTC(), owner, owner, activeRunID)
	if err != nil {
		return 0, fmt.Errorf("clear stale run locks: %w", err)
	}
	return res.RowsAffected()
}

// ResetRunState clears abandoned locks and fails the progress records they
// guarded. Runs of processes that still heartbeat are left alone.
func (s *SQLiteStorage) ResetRunState(ctx context.Context, staleBefore time.Time) error {
	if _, err := s.ClearStaleRunLocks(ctx, staleBefore, "", ""); err != nil {
		return err
	}
	_, err := s.MarkUnfinishedProgressFailed(ctx, "interrupted by restart")
	return err
}
