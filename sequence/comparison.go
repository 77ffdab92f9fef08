package sequence

import (
	"errors"
	"fmt"

	"github.com/depassivation-station/depassivation-controller/history"
)

var ErrNotSequence = errors.New("item is not a sequence")

// PhaseMetrics is the side by side record shown for each phase of a sequence.
type PhaseMetrics struct {
	TestID          int64
	Timestamp       string
	DurationSeconds float64
	MaxCurrent      *float64
	MinVoltage      *float64
	LastVoltage     *float64
}

type Comparison struct {
	Baseline      PhaseMetrics
	Depassivation PhaseMetrics
	Check         PhaseMetrics
	Rest          string
}

// SampleSource is the part of the history store a comparison needs.
type SampleSource interface {
	GetSamples(testID int64) ([]history.Point, error)
}

// Compare builds the per phase comparison of a sequence item.
func Compare(item Item, samples SampleSource) (Comparison, error) {
	if item.Kind != Sequence {
		return Comparison{}, ErrNotSequence
	}
	var c Comparison
	var err error
	if c.Baseline, err = metricsFor(item.Baseline, samples); err != nil {
		return Comparison{}, err
	}
	if c.Depassivation, err = metricsFor(item.Depassivation, samples); err != nil {
		return Comparison{}, err
	}
	if c.Check, err = metricsFor(item.Check, samples); err != nil {
		return Comparison{}, err
	}
	c.Rest = FormatRest(item.Rest)
	return c, nil
}

func metricsFor(t history.Test, samples SampleSource) (PhaseMetrics, error) {
	m := PhaseMetrics{
		TestID:          t.ID,
		Timestamp:       t.Timestamp,
		DurationSeconds: t.DurationSeconds,
		MaxCurrent:      t.MaxCurrent,
		MinVoltage:      t.MinVoltage,
	}
	points, err := samples.GetSamples(t.ID)
	if err != nil {
		return PhaseMetrics{}, fmt.Errorf("samples for test %d: %w", t.ID, err)
	}
	if len(points) > 0 {
		last := points[len(points)-1].Voltage
		m.LastVoltage = &last
	}
	return m, nil
}
