// Package history is the durable record of batteries, their tests and the raw
// samples of each test, kept in a SQLite database.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/depassivation-station/depassivation-controller/internal/logging"
	_ "modernc.org/sqlite"
)

// TimestampLayout is how test and battery creation times are stored.
const TimestampLayout = "2006-01-02 15:04:05"

// NoTest is the test id passed when no test is current.
const NoTest int64 = 0

var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateName    = errors.New("duplicate name")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrAlreadyFinalized = errors.New("test already finalized")
)

var log = logging.NewLogger("info")

// SetLogger replaces the package logger.
func SetLogger(l *logging.Logger) {
	log = l
}

type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open opens or creates the database at path and makes sure the schema exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	// Pragmas go in the DSN so every pooled connection gets them, foreign keys
	// are per connection in SQLite.
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time, no long held transactions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	log.Debugf("Opened history database %s", path)
	return &Store{db: db, path: path, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) timestamp() string {
	return s.now().Format(TimestampLayout)
}

// withTx runs fn in a single transaction, rolling back if fn fails.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Errorf("Rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
