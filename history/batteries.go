package history

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type Battery struct {
	ID        int64
	Name      string
	CreatedAt string
}

// CreateBattery registers a battery. Names are unique, a clash returns
// ErrDuplicateName and writes nothing.
func (s *Store) CreateBattery(name string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, fmt.Errorf("%w: battery name cannot be empty", ErrInvalidArgument)
	}

	var id int64
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`INSERT INTO batteries (name, created_at) VALUES (?, ?)`, name, s.timestamp())
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: battery '%s' already exists", ErrDuplicateName, name)
			}
			return fmt.Errorf("insert battery: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	log.Infof("Registered new battery '%s' (ID: %d)", name, id)
	return id, nil
}

// ListBatteries returns every battery ordered by name.
func (s *Store) ListBatteries() ([]Battery, error) {
	rows, err := s.db.Query(`SELECT id, name, created_at FROM batteries ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list batteries: %w", err)
	}
	defer rows.Close()

	var batteries []Battery
	for rows.Next() {
		var b Battery
		if err := rows.Scan(&b.ID, &b.Name, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan battery: %w", err)
		}
		batteries = append(batteries, b)
	}
	return batteries, rows.Err()
}

func (s *Store) GetBatteryByName(name string) (Battery, error) {
	var b Battery
	err := s.db.QueryRow(`SELECT id, name, created_at FROM batteries WHERE name = ?`, strings.TrimSpace(name)).
		Scan(&b.ID, &b.Name, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Battery{}, fmt.Errorf("battery '%s': %w", name, ErrNotFound)
	}
	if err != nil {
		return Battery{}, fmt.Errorf("get battery: %w", err)
	}
	return b, nil
}

// DeleteBattery removes a battery. Its tests are kept, the schema nulls their
// battery reference so they show up as uncategorized.
func (s *Store) DeleteBattery(batteryID int64) (bool, error) {
	var removed bool
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM batteries WHERE id = ?`, batteryID)
		if err != nil {
			return fmt.Errorf("delete battery: %w", err)
		}
		n, err := res.RowsAffected()
		removed = n > 0
		return err
	})
	if err != nil {
		return false, err
	}
	if removed {
		log.Infof("Deleted battery ID: %d. Associated tests are now uncategorized.", batteryID)
	}
	return removed, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
