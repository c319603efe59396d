package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps each snapshot as one JSON row keyed by name
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (or creates) the database at dbPath and runs migrations
func NewSQLiteStore(dbPath string, logger *zap.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, errors.Wrap(err, "create db directory")
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Wrap(err, "open db")
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger.Named("store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate")
	}

	s.logger.Info("Opened timer store", zap.String("path", dbPath))
	return s, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS snapshots (
		key TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);`)
	return err
}

// Load reads the snapshot saved under key
func (s *SQLiteStore) Load(ctx context.Context, key string) ([]PersistedTimer, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM snapshots WHERE key = ?`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return []PersistedTimer{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load snapshot %q", key)
	}

	var timers []PersistedTimer
	if err := json.Unmarshal([]byte(payload), &timers); err != nil {
		return nil, errors.Wrapf(err, "decode snapshot %q", key)
	}
	if timers == nil {
		timers = []PersistedTimer{}
	}
	return timers, nil
}

// Save replaces the snapshot saved under key
func (s *SQLiteStore) Save(ctx context.Context, key string, timers []PersistedTimer) error {
	if timers == nil {
		timers = []PersistedTimer{}
	}
	payload, err := json.Marshal(timers)
	if err != nil {
		return errors.Wrapf(err, "encode snapshot %q", key)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (key, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		key, string(payload), time.Now().UTC())
	if err != nil {
		return errors.Wrapf(err, "save snapshot %q", key)
	}

	s.logger.Debug("Snapshot saved", zap.String("key", key), zap.Int("timers", len(timers)))
	return nil
}
