package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Settings

func (s *SQLiteStorage) GetSetting(ctx context.Context, key string) (*Setting, error) {
	var st Setting
	var updatedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT key, value, description, updated_at FROM app_settings WHERE key = ?
	`, key).Scan(&st.Key, &st.Value, &st.Description, &updatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get setting %s: %w", key, err)
	}

	if updatedAt.Valid {
		st.UpdatedAt = updatedAt.Time
	}
	return &st, nil
}

// GetSettingsByPrefix returns all settings whose key starts with prefix, keyed by key.
func (s *SQLiteStorage) GetSettingsByPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM app_settings WHERE substr(key, 1, ?) = ?
	`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("list settings %s: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// SetSettings writes every entry in one transaction.
func (s *SQLiteStorage) SetSettings(ctx context.Context, settings []Setting) error {
	if len(settings) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, st := range settings {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO app_settings (key, value, description, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				description = CASE WHEN excluded.description != '' THEN excluded.description ELSE app_settings.description END,
				updated_at = excluded.updated_at
		`, st.Key, st.Value, st.Description, now)
		if err != nil {
			return fmt.Errorf("set setting %s: %w", st.Key, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStorage) DeleteSetting(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM app_settings WHERE key = ?", key)
	return err
}
