package session

import (
	"github.com/depassivation-station/depassivation-controller/protocol"
)

// Extremum is a running minimum or maximum. The first observation always sets
// it, so a genuine 0.0 reading is never mistaken for "no reading yet".
type Extremum struct {
	value float64
	set   bool
}

// Value returns the extremum and whether anything has been observed.
func (e Extremum) Value() (float64, bool) {
	return e.value, e.set
}

// Ptr is the value as a nullable, for storage and snapshots.
func (e Extremum) Ptr() *float64 {
	if !e.set {
		return nil
	}
	v := e.value
	return &v
}

// ObserveMin records v if it is the first value or strictly lower. Reports
// whether the extremum changed.
func (e *Extremum) ObserveMin(v float64) bool {
	if !e.set || v < e.value {
		e.value, e.set = v, true
		return true
	}
	return false
}

// ObserveMax records v if it is the first value or strictly higher.
func (e *Extremum) ObserveMax(v float64) bool {
	if !e.set || v > e.value {
		e.value, e.set = v, true
		return true
	}
	return false
}

func (e *Extremum) Reset() {
	*e = Extremum{}
}

// Stats accumulates one stream of readings without keeping the readings.
type Stats struct {
	MinVoltage    Extremum
	MaxCurrent    Extremum
	MinResistance Extremum
	MaxResistance Extremum

	// Latest reading.
	Voltage    float64
	Current    float64
	Power      float64
	Resistance float64
	TimeMs     int64

	Samples int
}

// ObserveSample folds a DATA reading into the stats. Old firmware does not
// send power and resistance, they are derived from voltage and current.
func (s *Stats) ObserveSample(m protocol.Sample) {
	power, resistance := m.Power, m.Resistance
	if !m.HasLoadFigures {
		power, resistance = derivePowerResistance(m.Voltage, m.Current)
	}
	s.Voltage, s.Current, s.Power, s.Resistance = m.Voltage, m.Current, power, resistance
	s.TimeMs = m.TimeMs
	s.Samples++

	s.MinVoltage.ObserveMin(m.Voltage)
	s.MaxCurrent.ObserveMax(m.Current)
	if resistance > 0 {
		s.MinResistance.ObserveMin(resistance)
		s.MaxResistance.ObserveMax(resistance)
	}
}

// ObserveLive folds a LIVE_DATA reading into the stats. With the load off
// only the voltage means anything.
func (s *Stats) ObserveLive(m protocol.Live, loadOn bool) {
	s.Voltage = m.Voltage
	s.Samples++
	if !loadOn {
		return
	}
	s.Current, s.Power, s.Resistance = m.Current, m.Power, m.Resistance
	s.MinVoltage.ObserveMin(m.Voltage)
	s.MaxCurrent.ObserveMax(m.Current)
	if m.Resistance > 0 {
		s.MinResistance.ObserveMin(m.Resistance)
		s.MaxResistance.ObserveMax(m.Resistance)
	}
}

func (s *Stats) Reset() {
	*s = Stats{}
}

// derivePowerResistance works in the fixture's units: volts and milliamps in,
// milliwatts and ohms out. Resistance is 0 when no current flows.
func derivePowerResistance(voltage, currentMA float64) (powerMW, resistance float64) {
	powerMW = voltage * currentMA
	if currentMA > 0 {
		resistance = voltage / (currentMA / 1000.0)
	}
	return powerMW, resistance
}
