package session

import (
	"github.com/depassivation-station/depassivation-controller/history"
	"github.com/depassivation-station/depassivation-controller/protocol"
)

// Event is what the session reports to whatever is presenting it.
type Event interface {
	isEvent()
}

// Snapshot is the rendered state of a running test after a sample.
type Snapshot struct {
	TestID        int64
	Phase         history.Phase
	TimeMs        int64
	Progress      float64
	Voltage       float64
	Current       float64
	Power         float64
	Resistance    float64
	MinVoltage    *float64
	MaxCurrent    *float64
	MinResistance *float64
	MaxResistance *float64
}

// LiveSnapshot is the rendered live-mode state after a LIVE_DATA reading.
type LiveSnapshot struct {
	LoadOn        bool
	Voltage       float64
	Current       float64
	Power         float64
	Resistance    float64
	MinVoltage    *float64
	MaxCurrent    *float64
	MinResistance *float64
	MaxResistance *float64
}

type StateChanged struct {
	From State
	To   State
}

type TestStarted struct {
	TestID          int64
	BatteryID       int64
	Phase           history.Phase
	DurationSeconds int
	PassFailVoltage float64
}

type SampleReceived struct {
	Snapshot Snapshot
}

type LiveReceived struct {
	Snapshot LiveSnapshot
}

type TestFinished struct {
	TestID     int64
	BatteryID  int64
	Phase      history.Phase
	Outcome    history.Outcome
	Result     string
	Summary    history.Summary
	DeviceText string
}

type TestAborted struct {
	TestID    int64
	BatteryID int64
	Phase     history.Phase
	Reason    string
}

type ButtonPressed struct {
	Button string
}

type ModeChanged struct {
	Mode   protocol.Mode
	LoadOn bool
}

func (StateChanged) isEvent()   {}
func (TestStarted) isEvent()    {}
func (SampleReceived) isEvent() {}
func (LiveReceived) isEvent()   {}
func (TestFinished) isEvent()   {}
func (TestAborted) isEvent()    {}
func (ButtonPressed) isEvent()  {}
func (ModeChanged) isEvent()    {}

func snapshotOf(r *run) Snapshot {
	st := r.stats
	progress := 0.0
	if r.durationSeconds > 0 {
		progress = float64(st.TimeMs) / float64(r.durationSeconds*1000)
		if progress > 1 {
			progress = 1
		}
	}
	return Snapshot{
		TestID:        r.testID,
		Phase:         r.phase,
		TimeMs:        st.TimeMs,
		Progress:      progress,
		Voltage:       st.Voltage,
		Current:       st.Current,
		Power:         st.Power,
		Resistance:    st.Resistance,
		MinVoltage:    st.MinVoltage.Ptr(),
		MaxCurrent:    st.MaxCurrent.Ptr(),
		MinResistance: st.MinResistance.Ptr(),
		MaxResistance: st.MaxResistance.Ptr(),
	}
}

func liveSnapshotOf(st Stats, loadOn bool) LiveSnapshot {
	return LiveSnapshot{
		LoadOn:        loadOn,
		Voltage:       st.Voltage,
		Current:       st.Current,
		Power:         st.Power,
		Resistance:    st.Resistance,
		MinVoltage:    st.MinVoltage.Ptr(),
		MaxCurrent:    st.MaxCurrent.Ptr(),
		MinResistance: st.MinResistance.Ptr(),
		MaxResistance: st.MaxResistance.Ptr(),
	}
}
