package history

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Test is one run of the fixture. The summary fields stay nil until the test
// is finalized, an aborted test keeps them nil for good.
type Test struct {
	ID              int64
	BatteryID       *int64
	Timestamp       string
	DurationSeconds float64
	PassFailVoltage float64
	MinVoltage      *float64
	MaxCurrent      *float64
	Power           *float64
	Resistance      *float64
	Result          *string
}

// Summary is what a finished session writes back to its test.
type Summary struct {
	MinVoltage *float64
	MaxCurrent *float64
	Power      *float64
	Resistance *float64
	Result     string
}

// StartTime parses the stored timestamp.
func (t Test) StartTime() (time.Time, error) {
	return time.ParseInLocation(TimestampLayout, t.Timestamp, time.Local)
}

// ResultText is the result, or "Incomplete" for a test without one.
func (t Test) ResultText() string {
	if t.Result == nil {
		return "Incomplete"
	}
	return *t.Result
}

// Phase is derived from the result, unfinished tests have no phase.
func (t Test) Phase() (Phase, bool) {
	if t.Result == nil {
		return "", false
	}
	return PhaseOfResult(*t.Result)
}

const testColumns = `id, battery_id, timestamp, duration, pass_fail_voltage,
	min_voltage, max_current, power, resistance, result`

// CreateTest inserts a new, unfinished test stamped with the current time.
// A nil battery is only used for legacy uncategorized tests.
func (s *Store) CreateTest(batteryID *int64, durationSeconds, passFailVoltage float64) (int64, error) {
	if durationSeconds <= 0 {
		return 0, fmt.Errorf("%w: duration must be positive", ErrInvalidArgument)
	}
	var id int64
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`INSERT INTO tests (battery_id, timestamp, duration, pass_fail_voltage) VALUES (?, ?, ?, ?)`,
			batteryID, s.timestamp(), durationSeconds, passFailVoltage)
		if err != nil {
			return fmt.Errorf("insert test: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	if batteryID != nil {
		log.Infof("Started new test (ID: %d) for battery ID: %d", id, *batteryID)
	} else {
		log.Infof("Started new uncategorized test (ID: %d)", id)
	}
	return id, nil
}

// FinalizeTest writes the summary of a test. It only succeeds once per test.
func (s *Store) FinalizeTest(testID int64, summary Summary) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE tests
			SET min_voltage = ?, max_current = ?, power = ?, resistance = ?, result = ?
			WHERE id = ? AND result IS NULL`,
			summary.MinVoltage, summary.MaxCurrent, summary.Power, summary.Resistance, summary.Result, testID)
		if err != nil {
			return fmt.Errorf("finalize test: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		var exists int
		err = tx.QueryRow(`SELECT 1 FROM tests WHERE id = ?`, testID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("test %d: %w", testID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("test %d: %w", testID, ErrAlreadyFinalized)
	})
}

// GetTest returns the full record of one test.
func (s *Store) GetTest(testID int64) (Test, error) {
	row := s.db.QueryRow(`SELECT `+testColumns+` FROM tests WHERE id = ?`, testID)
	t, err := scanTest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Test{}, fmt.Errorf("test %d: %w", testID, ErrNotFound)
	}
	return t, err
}

// ListTests returns a battery's tests newest first. A nil battery lists the
// uncategorized tests.
func (s *Store) ListTests(batteryID *int64) ([]Test, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if batteryID == nil {
		rows, err = s.db.Query(`SELECT ` + testColumns + ` FROM tests
			WHERE battery_id IS NULL ORDER BY timestamp DESC, id DESC`)
	} else {
		rows, err = s.db.Query(`SELECT `+testColumns+` FROM tests
			WHERE battery_id = ? ORDER BY timestamp DESC, id DESC`, *batteryID)
	}
	if err != nil {
		return nil, fmt.Errorf("list tests: %w", err)
	}
	defer rows.Close()

	var tests []Test
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, err
		}
		tests = append(tests, t)
	}
	return tests, rows.Err()
}

// LastTestForBattery returns the battery's most recent test, finished or not.
// ok is false when the battery has no tests.
func (s *Store) LastTestForBattery(batteryID int64) (t Test, ok bool, err error) {
	row := s.db.QueryRow(`SELECT `+testColumns+` FROM tests
		WHERE battery_id = ? ORDER BY timestamp DESC, id DESC LIMIT 1`, batteryID)
	t, err = scanTest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Test{}, false, nil
	}
	if err != nil {
		return Test{}, false, err
	}
	return t, true, nil
}

// DeleteTest removes a test and, through the cascade, its samples.
func (s *Store) DeleteTest(testID int64) (bool, error) {
	n, err := s.DeleteTests([]int64{testID})
	return n > 0, err
}

// DeleteTests removes several tests in one transaction and returns how many
// rows were actually removed.
func (s *Store) DeleteTests(testIDs []int64) (int, error) {
	var removed int
	err := s.withTx(func(tx *sql.Tx) error {
		for _, id := range testIDs {
			res, err := tx.Exec(`DELETE FROM tests WHERE id = ?`, id)
			if err != nil {
				return fmt.Errorf("delete test %d: %w", id, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			removed += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	log.Infof("Deleted %d test record(s).", removed)
	return removed, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTest(row scanner) (Test, error) {
	var t Test
	var batteryID sql.NullInt64
	var minVoltage, maxCurrent, power, resistance sql.NullFloat64
	var result sql.NullString
	err := row.Scan(&t.ID, &batteryID, &t.Timestamp, &t.DurationSeconds, &t.PassFailVoltage,
		&minVoltage, &maxCurrent, &power, &resistance, &result)
	if err != nil {
		return Test{}, err
	}
	if batteryID.Valid {
		t.BatteryID = &batteryID.Int64
	}
	t.MinVoltage = nullFloat(minVoltage)
	t.MaxCurrent = nullFloat(maxCurrent)
	t.Power = nullFloat(power)
	t.Resistance = nullFloat(resistance)
	if result.Valid {
		t.Result = &result.String
	}
	return t, nil
}

func nullFloat(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
