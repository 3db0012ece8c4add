package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/bifrost/internal/infrastructure/database"
)

// Keys under which typed settings are stored.
const (
	KeyMQTTConfig         = "mqttConfig"
	KeyStartupPreferences = "startupPreferences"
)

// MQTTConfig is the broker configuration submitted through the local page.
// It is replaced wholesale on every accepted submission.
type MQTTConfig struct {
	URL       string `json:"url"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	BaseTopic string `json:"baseTopic"`
}

// Complete reports whether every field is non-empty after trimming.
func (c MQTTConfig) Complete() bool {
	return strings.TrimSpace(c.URL) != "" &&
		strings.TrimSpace(c.Username) != "" &&
		strings.TrimSpace(c.Password) != "" &&
		strings.TrimSpace(c.BaseTopic) != ""
}

// Redacted returns a copy safe for logs and status output.
func (c MQTTConfig) Redacted() MQTTConfig {
	if c.Password != "" {
		c.Password = "********"
	}
	return c
}

// StartupPreferences controls how the process is launched by the desktop
// session.
type StartupPreferences struct {
	OpenAtLogin bool `json:"openAtLogin"`
}

// DefaultStartupPreferences applies until the user saves a preference.
func DefaultStartupPreferences() StartupPreferences {
	return StartupPreferences{OpenAtLogin: true}
}

// Store is a key/value store backed by the settings table. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *database.DB
}

// New returns a Store over a migrated database.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// Get decodes the value stored under key into dst. It reports false, and
// leaves dst untouched, when the key does not exist.
func (s *Store) Get(ctx context.Context, key string, dst any) (bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}

	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Set upserts the JSON encoding of value under key.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(data), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes key. No error is returned if the key does not exist.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// MQTTConfig returns the persisted broker configuration, if any.
func (s *Store) MQTTConfig(ctx context.Context) (MQTTConfig, bool, error) {
	var cfg MQTTConfig
	ok, err := s.Get(ctx, KeyMQTTConfig, &cfg)
	return cfg, ok, err
}

// SaveMQTTConfig replaces the persisted broker configuration.
func (s *Store) SaveMQTTConfig(ctx context.Context, cfg MQTTConfig) error {
	return s.Set(ctx, KeyMQTTConfig, cfg)
}

// StartupPreferences returns the saved preferences, or the defaults when
// none have been saved.
func (s *Store) StartupPreferences(ctx context.Context) (StartupPreferences, error) {
	prefs := DefaultStartupPreferences()
	if _, err := s.Get(ctx, KeyStartupPreferences, &prefs); err != nil {
		return DefaultStartupPreferences(), err
	}
	return prefs, nil
}

// SaveStartupPreferences replaces the saved startup preferences.
func (s *Store) SaveStartupPreferences(ctx context.Context, prefs StartupPreferences) error {
	return s.Set(ctx, KeyStartupPreferences, prefs)
}
