package store

import (
	"context"
	"database/sql"
	"errors"
)

// ConfigEntry is one runtime-tunable setting, value stored as JSON.
type ConfigEntry struct {
	Key         string `json:"key"`
	Value       string `json:"value"` // raw JSON
	Description string `json:"description,omitempty"`
	UpdatedBy   string `json:"updated_by,omitempty"`
	UpdatedAt   string `json:"updated_at"`
}

// GetConfig returns the raw JSON value for a key, or "" when unset.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM system_config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// AllConfig returns every setting ordered by key.
func (s *Store) AllConfig(ctx context.Context) ([]ConfigEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, COALESCE(description, ''), COALESCE(updated_by, ''), updated_at
		FROM system_config ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ConfigEntry
	for rows.Next() {
		var e ConfigEntry
		if err := rows.Scan(&e.Key, &e.Value, &e.Description, &e.UpdatedBy, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SetConfig upserts a setting and appends the previous state of the key
// to the history table in the same transaction.
func (s *Store) SetConfig(ctx context.Context, key, value, description, updatedBy string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO system_config_history (key, value, updated_by)
			SELECT key, value, updated_by FROM system_config WHERE key = ?
		`, key); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO system_config (key, value, description, updated_by, updated_at)
			VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				description = COALESCE(excluded.description, system_config.description),
				updated_by = excluded.updated_by,
				updated_at = CURRENT_TIMESTAMP
		`, key, value, description, updatedBy)
		return err
	})
}

// ConfigHistory returns past values of a key, newest first.
func (s *Store) ConfigHistory(ctx context.Context, key string, limit int) ([]ConfigEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, COALESCE(updated_by, ''), updated_at
		FROM system_config_history WHERE key = ?
		ORDER BY id DESC LIMIT ?`, key, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ConfigEntry
	for rows.Next() {
		var e ConfigEntry
		if err := rows.Scan(&e.Key, &e.Value, &e.UpdatedBy, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
