package history

import (
	"database/sql"
	"fmt"
)

// Point is a stored sample as presented, time in seconds since test start.
type Point struct {
	Seconds float64
	Voltage float64
	Current float64
}

// AppendSample stores one sample of a test. With NoTest it does nothing, so a
// stray DATA line after a test ended never lands anywhere.
func (s *Store) AppendSample(testID, timestampMs int64, voltage, current float64) error {
	if testID == NoTest {
		return nil
	}
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO data_points (test_id, timestamp_ms, voltage, current) VALUES (?, ?, ?, ?)`,
			testID, timestampMs, voltage, current)
		if err != nil {
			return fmt.Errorf("insert data point: %w", err)
		}
		return nil
	})
}

// GetSamples returns a test's samples oldest first.
func (s *Store) GetSamples(testID int64) ([]Point, error) {
	rows, err := s.db.Query(`SELECT timestamp_ms, voltage, current FROM data_points
		WHERE test_id = ? ORDER BY timestamp_ms ASC, id ASC`, testID)
	if err != nil {
		return nil, fmt.Errorf("get samples: %w", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var ms int64
		var p Point
		if err := rows.Scan(&ms, &p.Voltage, &p.Current); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		p.Seconds = float64(ms) / 1000.0
		points = append(points, p)
	}
	return points, rows.Err()
}
