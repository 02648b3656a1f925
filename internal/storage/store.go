// Package storage persists the current session (token set + identity) in a
// local SQLite database, encrypted at rest, and exposes a change feed so
// other instances of the application sharing the same database observe
// every save and clear.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/veeti/paivakirja/internal/idp"
)

// Record is the composite session record. Tokens and identity are written
// and cleared together; no reader can ever observe one without the other.
type Record struct {
	Tokens    idp.TokenSet `json:"tokens"`
	Identity  idp.Identity `json:"identity"`
	LastLogin time.Time    `json:"last_login"`
}

// Op identifies what a change feed entry describes.
type Op string

const (
	OpSave  Op = "save"
	OpClear Op = "clear"
)

// Change is one entry of the change feed. Origin identifies the store
// instance that made the write.
type Change struct {
	Seq    int64
	Op     Op
	Origin string
}

// Store is a SQLite-backed session store. Every instance carries a unique
// origin id so its own writes can be filtered out of the change feed.
type Store struct {
	db     *sql.DB
	key    []byte
	origin string
	mu     sync.Mutex
}

// NewStore opens (or creates) the session database at dbPath. The key is
// the AES key protecting the record payload; see DeriveKey.
func NewStore(dbPath string, key []byte) (*Store, error) {
	// WAL mode and a busy timeout so concurrent instances sharing the
	// file don't fail on lock contention.
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set file permissions (only effective once the file exists)
	if err := os.Chmod(dbPath, 0600); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("dbPath", dbPath).Msg("failed to restrict database permissions")
	}

	store := &Store{
		db:     db,
		key:    key,
		origin: uuid.NewString(),
	}

	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *Store) init() error {
	sessionQuery := `
	CREATE TABLE IF NOT EXISTS session (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		payload TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(sessionQuery); err != nil {
		return fmt.Errorf("failed to create session table: %w", err)
	}

	changesQuery := `
	CREATE TABLE IF NOT EXISTS changes (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		op TEXT NOT NULL,
		origin TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := s.db.Exec(changesQuery); err != nil {
		return fmt.Errorf("failed to create changes table: %w", err)
	}

	return nil
}

// Origin returns this store instance's change feed origin id.
func (s *Store) Origin() string {
	return s.origin
}

// Save encrypts and upserts the session record. The record and its change
// feed entry are written in one transaction, so an observer either sees
// both or neither.
func (s *Store) Save(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}

	encrypted, err := Encrypt(payload, s.key)
	if err != nil {
		return fmt.Errorf("failed to encrypt session record: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO session (id, payload, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, encrypted, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save session record: %w", err)
	}

	if _, err := tx.Exec(
		"INSERT INTO changes (op, origin) VALUES (?, ?)", string(OpSave), s.origin,
	); err != nil {
		return fmt.Errorf("failed to record change: %w", err)
	}

	// Old feed entries are useless once every instance has seen them.
	if _, err := tx.Exec(
		"DELETE FROM changes WHERE created_at < datetime('now', '-1 hour')",
	); err != nil {
		return fmt.Errorf("failed to prune change feed: %w", err)
	}

	return tx.Commit()
}

// Load retrieves the session record. Returns nil, nil when there is no
// record. Corrupt records, and expired records without a refresh token,
// are deleted as a side effect and reported as absent.
func (s *Store) Load() (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var encrypted string
	err := s.db.QueryRow("SELECT payload FROM session WHERE id = 1").Scan(&encrypted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session record: %w", err)
	}

	payload, err := Decrypt(encrypted, s.key)
	if err != nil {
		log.Warn().Err(err).Msg("stored session cannot be decrypted, removing it")
		return nil, s.clearLocked()
	}

	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		log.Warn().Err(err).Msg("stored session cannot be parsed, removing it")
		return nil, s.clearLocked()
	}

	if rec.Tokens.Expired() && rec.Tokens.RefreshToken == "" {
		log.Info().Time("expiresAt", rec.Tokens.ExpiresAt).
			Msg("stored session expired with no refresh token, removing it")
		return nil, s.clearLocked()
	}

	return &rec, nil
}

// Clear removes the session record. Safe to call when nothing is stored;
// a change feed entry is only written when a record was actually removed.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearLocked()
}

func (s *Store) clearLocked() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec("DELETE FROM session WHERE id = 1")
	if err != nil {
		return fmt.Errorf("failed to clear session record: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		if _, err := tx.Exec(
			"INSERT INTO changes (op, origin) VALUES (?, ?)", string(OpClear), s.origin,
		); err != nil {
			return fmt.Errorf("failed to record change: %w", err)
		}
	}

	return tx.Commit()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
