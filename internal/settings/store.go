// Package settings persists and serves the user settings record.
package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adrg/xdg"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/Rorqualx/copyguard/internal/types"
)

// RecordKey names the single settings record.
const RecordKey = "copyguard.settings"

// AppName is the directory name under the XDG data home.
const AppName = "copyguard"

// Store loads and saves the settings record.
type Store interface {
	// Load returns the stored settings. found is false when nothing is stored yet.
	Load(ctx context.Context) (s types.Settings, found bool, err error)
	Save(ctx context.Context, s types.Settings) error
	Close() error
}

// DefaultPath returns the settings database path under the XDG data home.
func DefaultPath() string {
	return filepath.Join(xdg.DataHome, AppName, AppName+".db")
}

// SQLiteStore keeps settings in a key/value table.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = DefaultPath()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("failed to create settings directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open settings database: %w", err)
	}
	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	const schema = `CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create settings table: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context) (types.Settings, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", RecordKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return types.DefaultSettings(), false, nil
	}
	if err != nil {
		return types.Settings{}, false, fmt.Errorf("%w: load: %v", types.ErrSettingsStore, err)
	}
	out, err := decodeRecord([]byte(raw))
	if err != nil {
		return types.Settings{}, false, err
	}
	return out, true, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, settings types.Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", types.ErrSettingsStore, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		RecordKey, string(data))
	if err != nil {
		return fmt.Errorf("%w: save: %v", types.ErrSettingsStore, err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// MemoryStore is a Store backed by a byte slice.
type MemoryStore struct {
	mu    sync.Mutex
	data  []byte
	saves int
	// SaveErr, when set, is returned by Save.
	SaveErr error
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load implements Store.
func (m *MemoryStore) Load(context.Context) (types.Settings, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return types.DefaultSettings(), false, nil
	}
	s, err := decodeRecord(m.data)
	return s, err == nil, err
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, s types.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	m.data = data
	m.saves++
	return nil
}

// Saves returns how many times Save succeeded.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

// decodeRecord reads a stored record over the defaults so fields added
// later keep their default values.
func decodeRecord(data []byte) (types.Settings, error) {
	s := types.DefaultSettings()
	if err := json.Unmarshal(data, &s); err != nil {
		return types.Settings{}, fmt.Errorf("%w: decode: %v", types.ErrSettingsStore, err)
	}
	if s.Whitelist == nil {
		s.Whitelist = []string{}
	}
	return s, nil
}
