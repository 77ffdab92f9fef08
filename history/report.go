package history

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Report summarises the stored samples of a test.
type Report struct {
	TestID        int64
	Samples       int
	MeanVoltage   float64
	StdDevVoltage float64
	MeanCurrent   float64
	StdDevCurrent float64
	LastVoltage   float64
	ElapsedS      float64
}

// Report computes sample statistics for a test. A test without samples gives a
// zero report with Samples == 0.
func (s *Store) Report(testID int64) (Report, error) {
	points, err := s.GetSamples(testID)
	if err != nil {
		return Report{}, err
	}
	r := Report{TestID: testID, Samples: len(points)}
	if len(points) == 0 {
		return r, nil
	}

	voltages := make([]float64, len(points))
	currents := make([]float64, len(points))
	for i, p := range points {
		voltages[i] = p.Voltage
		currents[i] = p.Current
	}
	r.MeanVoltage, r.StdDevVoltage = stat.MeanStdDev(voltages, nil)
	r.MeanCurrent, r.StdDevCurrent = stat.MeanStdDev(currents, nil)
	// Sample standard deviation of a single point is NaN.
	if math.IsNaN(r.StdDevVoltage) {
		r.StdDevVoltage = 0
	}
	if math.IsNaN(r.StdDevCurrent) {
		r.StdDevCurrent = 0
	}
	last := points[len(points)-1]
	r.LastVoltage = last.Voltage
	r.ElapsedS = last.Seconds
	return r, nil
}
