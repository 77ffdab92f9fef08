package history

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

var csvHeader = []string{"Timestamp_s", "Voltage_V", "Current_mA"}

// ExportCSV writes the samples of one test as CSV and returns the number of
// rows written. A test without samples is an ErrNotFound.
func (s *Store) ExportCSV(testID int64, w io.Writer) (int, error) {
	points, err := s.GetSamples(testID)
	if err != nil {
		return 0, err
	}
	if len(points) == 0 {
		return 0, fmt.Errorf("no data points for test %d: %w", testID, ErrNotFound)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return 0, err
	}
	for _, p := range points {
		record := []string{
			strconv.FormatFloat(p.Seconds, 'f', -1, 64),
			strconv.FormatFloat(p.Voltage, 'f', -1, 64),
			strconv.FormatFloat(p.Current, 'f', -1, 64),
		}
		if err := cw.Write(record); err != nil {
			return 0, err
		}
	}
	cw.Flush()
	return len(points), cw.Error()
}
