package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Events

func (s *SQLiteStorage) InsertEvent(ctx context.Context, e *Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (timestamp, level, component, message) VALUES (?, ?, ?, ?)
	`, e.Timestamp.UTC(), e.Level, e.Component, e.Message)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}
	e.ID = id
	return nil
}

func eventWhere(filter EventFilter) (string, []any) {
	var clauses []string
	var args []any

	if filter.Level != "" {
		clauses = append(clauses, "level = ?")
		args = append(args, filter.Level)
	}
	if filter.Component != "" {
		clauses = append(clauses, "component = ?")
		args = append(args, filter.Component)
	}
	if filter.Search != "" {
		clauses = append(clauses, "message LIKE ?")
		args = append(args, "%"+filter.Search+"%")
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ListEvents returns events newest first.
func (s *SQLiteStorage) ListEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	where, args := eventWhere(filter)
	query := `SELECT id, timestamp, level, component, message FROM events` + where + ` ORDER BY timestamp DESC, id DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Level, &e.Component, &e.Message); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLiteStorage) CountEvents(ctx context.Context, filter EventFilter) (int, error) {
	where, args := eventWhere(filter)
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`+where, args...).Scan(&count)
	return count, err
}

func (s *SQLiteStorage) ClearEvents(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM events")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneEvents keeps only the newest keep events.
func (s *SQLiteStorage) PruneEvents(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM events WHERE id NOT IN (
			SELECT id FROM events ORDER BY timestamp DESC, id DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}
