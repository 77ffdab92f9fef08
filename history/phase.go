package history

import (
	"fmt"
	"strings"
)

// Phase is the purpose of a test. Its label is stored as the prefix of the
// test's result string.
type Phase string

const (
	PhaseBaseline      Phase = "Baseline Test"
	PhaseDepassivation Phase = "Depassivation Cycle"
	PhaseCheck         Phase = "Depassivation Check"
)

// Phases in workflow order.
var Phases = []Phase{PhaseBaseline, PhaseDepassivation, PhaseCheck}

func (p Phase) String() string {
	return string(p)
}

// Short is the one word name used on the command line and in listings.
func (p Phase) Short() string {
	switch p {
	case PhaseBaseline:
		return "Baseline"
	case PhaseDepassivation:
		return "Depassivation"
	case PhaseCheck:
		return "Check"
	}
	return "Unknown"
}

// ParsePhase accepts either the full label or the short name, any case.
func ParsePhase(s string) (Phase, error) {
	s = strings.TrimSpace(s)
	for _, p := range Phases {
		if strings.EqualFold(s, string(p)) || strings.EqualFold(s, p.Short()) {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: unknown phase '%s'", ErrInvalidArgument, s)
}

// PhaseOfResult finds the phase label inside a result string such as
// "Depassivation Cycle - PASS". ok is false for empty or foreign results.
func PhaseOfResult(result string) (Phase, bool) {
	for _, p := range Phases {
		if strings.Contains(result, string(p)) {
			return p, true
		}
	}
	return "", false
}

// Outcome is the verdict half of a result string.
type Outcome string

const (
	OutcomePass  Outcome = "PASS"
	OutcomeFail  Outcome = "FAIL"
	OutcomeError Outcome = "ERROR"
)

// ResultString composes "<phase> - <outcome>".
func ResultString(p Phase, o Outcome) string {
	return fmt.Sprintf("%s - %s", p, o)
}

// OutcomeOfResult returns the part after the last " - ".
func OutcomeOfResult(result string) string {
	if i := strings.LastIndex(result, " - "); i >= 0 {
		return result[i+3:]
	}
	return result
}
