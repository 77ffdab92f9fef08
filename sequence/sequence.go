// Package sequence groups a battery's test history into full depassivation
// workflows: a Baseline Test, a Depassivation Cycle and a Depassivation Check
// run back to back.
package sequence

import (
	"fmt"
	"time"

	"github.com/depassivation-station/depassivation-controller/history"
)

type Kind int

const (
	Standalone Kind = iota
	Sequence
)

// Item is one line of the grouped history, either a single test or a whole
// sequence of three.
type Item struct {
	Kind Kind

	// Test is set for Standalone items.
	Test history.Test

	// Baseline, Depassivation and Check are set for Sequence items.
	Baseline      history.Test
	Depassivation history.Test
	Check         history.Test
	Rest          time.Duration
}

// ID is the test id for a standalone item and the baseline's id for a
// sequence.
func (i Item) ID() int64 {
	if i.Kind == Sequence {
		return i.Baseline.ID
	}
	return i.Test.ID
}

func (i Item) Timestamp() string {
	if i.Kind == Sequence {
		return i.Baseline.Timestamp
	}
	return i.Test.Timestamp
}

// Label is "Sequence" or the short phase name of a standalone test.
func (i Item) Label() string {
	if i.Kind == Sequence {
		return "Sequence"
	}
	p, _ := i.Test.Phase()
	return p.Short()
}

// Result for a sequence reports the check's outcome and the rest time, for a
// standalone test it is the test's own result.
func (i Item) Result() string {
	if i.Kind == Sequence {
		return fmt.Sprintf("Completed - %s (%s rest)", history.OutcomeOfResult(i.Check.ResultText()), FormatRest(i.Rest))
	}
	return i.Test.ResultText()
}

// TestIDs lists every test the item stands for.
func (i Item) TestIDs() []int64 {
	if i.Kind == Sequence {
		return []int64{i.Baseline.ID, i.Depassivation.ID, i.Check.ID}
	}
	return []int64{i.Test.ID}
}

// Group scans tests, oldest first, and folds each Baseline, Depassivation,
// Check run into a single Sequence item. Anything else stays standalone. A
// triple whose timestamps do not parse is left as three standalone tests.
func Group(tests []history.Test) []Item {
	var items []Item
	for i := 0; i < len(tests); {
		if i+3 <= len(tests) && isTriple(tests[i], tests[i+1], tests[i+2]) {
			rest, err := RestTime(tests[i+1], tests[i+2])
			if err == nil {
				items = append(items, Item{
					Kind:          Sequence,
					Baseline:      tests[i],
					Depassivation: tests[i+1],
					Check:         tests[i+2],
					Rest:          rest,
				})
				i += 3
				continue
			}
		}
		items = append(items, Item{Kind: Standalone, Test: tests[i]})
		i++
	}
	return items
}

// Chronological returns a reversed copy of a newest first listing.
func Chronological(newestFirst []history.Test) []history.Test {
	out := make([]history.Test, len(newestFirst))
	for i, t := range newestFirst {
		out[len(newestFirst)-1-i] = t
	}
	return out
}

func isTriple(a, b, c history.Test) bool {
	return hasPhase(a, history.PhaseBaseline) &&
		hasPhase(b, history.PhaseDepassivation) &&
		hasPhase(c, history.PhaseCheck)
}

func hasPhase(t history.Test, want history.Phase) bool {
	p, ok := t.Phase()
	return ok && p == want
}

// RestTime is the gap between the end of the depassivation cycle (its start
// plus its configured duration) and the start of the check, never negative.
func RestTime(depassivation, check history.Test) (time.Duration, error) {
	depStart, err := depassivation.StartTime()
	if err != nil {
		return 0, fmt.Errorf("depassivation test %d: %w", depassivation.ID, err)
	}
	checkStart, err := check.StartTime()
	if err != nil {
		return 0, fmt.Errorf("check test %d: %w", check.ID, err)
	}
	depEnd := depStart.Add(time.Duration(depassivation.DurationSeconds * float64(time.Second)))
	rest := checkStart.Sub(depEnd)
	if rest < 0 {
		rest = 0
	}
	return rest, nil
}

// FormatRest renders a duration as "<H>h <M>m <S>s", dropping zero hours and
// minutes. Seconds are always shown.
func FormatRest(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	s := ""
	if hours > 0 {
		s += fmt.Sprintf("%dh ", hours)
	}
	if minutes > 0 {
		s += fmt.Sprintf("%dm ", minutes)
	}
	return s + fmt.Sprintf("%ds", seconds)
}
