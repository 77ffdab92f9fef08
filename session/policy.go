package session

import (
	"strings"

	"github.com/depassivation-station/depassivation-controller/history"
	"github.com/depassivation-station/depassivation-controller/protocol"
)

// NextPhase is the phase a battery should run next, given its most recent
// test. ok is false when the battery has no tests. Unfinished or
// unrecognised results start the cycle again at Baseline.
func NextPhase(last history.Test, ok bool) history.Phase {
	if !ok || last.Result == nil {
		return history.PhaseBaseline
	}
	result := *last.Result
	switch {
	case strings.Contains(result, string(history.PhaseBaseline)):
		return history.PhaseDepassivation
	case strings.Contains(result, string(history.PhaseDepassivation)):
		return history.PhaseCheck
	case strings.Contains(result, string(history.PhaseCheck)):
		return history.PhaseBaseline
	}
	return history.PhaseBaseline
}

// Action is something an operator can ask the station to do.
type Action string

const (
	ActionSelectBattery    Action = "select-battery"
	ActionStartBaseline    Action = "start-baseline"
	ActionStartDepassivate Action = "start-depassivation"
	ActionStartCheck       Action = "start-check"
	ActionAbort            Action = "abort"
	ActionLiveMode         Action = "live-mode"
	ActionToggleLoad       Action = "toggle-load"
)

func startAction(p history.Phase) Action {
	switch p {
	case history.PhaseDepassivation:
		return ActionStartDepassivate
	case history.PhaseCheck:
		return ActionStartCheck
	}
	return ActionStartBaseline
}

// LegalActions lists what the presentation layer should enable. It is advice
// only: Begin accepts any phase.
func (s *Session) LegalActions(last history.Test, ok bool) []Action {
	switch s.state {
	case Idle:
		return []Action{ActionSelectBattery, ActionLiveMode}
	case Armed:
		actions := []Action{ActionSelectBattery, startAction(NextPhase(last, ok)), ActionLiveMode}
		if s.mode == protocol.ModeLive {
			actions = append(actions, ActionToggleLoad)
		}
		return actions
	case Running:
		return []Action{ActionAbort}
	}
	return nil
}
