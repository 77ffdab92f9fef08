// Package session drives one depassivation test at a time. It turns the
// device's message stream into running statistics, sample records and a final
// pass/fail result.
//
// A Session is not safe for concurrent use. Every call, OnMessage included,
// must come from the one goroutine that owns it.
package session

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/depassivation-station/depassivation-controller/history"
	"github.com/depassivation-station/depassivation-controller/internal/logging"
	"github.com/depassivation-station/depassivation-controller/protocol"
)

var (
	ErrInvalidState  = errors.New("invalid state")
	ErrNoBattery     = errors.New("no battery selected")
	ErrInvalidConfig = errors.New("invalid test configuration")
)

var log = logging.NewLogger("info")

func SetLogger(l *logging.Logger) {
	log = l
}

type State int

const (
	Idle State = iota
	Armed
	Running
	Finishing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Running:
		return "running"
	case Finishing:
		return "finishing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Recorder is the part of the history store a session writes to.
type Recorder interface {
	CreateTest(batteryID *int64, durationSeconds, passFailVoltage float64) (int64, error)
	AppendSample(testID, timestampMs int64, voltage, current float64) error
	FinalizeTest(testID int64, summary history.Summary) error
}

// Sender delivers commands to the device.
type Sender interface {
	Send(cmd string) error
}

type Options struct {
	// OnEvent receives every event, on the session's goroutine.
	OnEvent func(Event)
	// SendVoltage appends the pass/fail voltage to START for the early
	// firmware that evaluated it on the device.
	SendVoltage bool
}

// run is the test currently receiving samples.
type run struct {
	testID          int64
	batteryID       int64
	phase           history.Phase
	durationSeconds int
	passFailVoltage float64
	stats           Stats
}

type Session struct {
	recorder Recorder
	sender   Sender
	opts     Options

	state     State
	batteryID int64
	current   *run
	// unacked counts aborts whose PROCESS_END has not arrived yet. Lines
	// until then belong to the aborted run.
	unacked int

	mode   protocol.Mode
	loadOn bool
	live   Stats
}

func New(recorder Recorder, sender Sender, opts Options) *Session {
	return &Session{
		recorder: recorder,
		sender:   sender,
		opts:     opts,
		state:    Idle,
		mode:     protocol.ModeIdle,
	}
}

func (s *Session) State() State {
	return s.state
}

// BatteryID is the armed battery, 0 when idle.
func (s *Session) BatteryID() int64 {
	return s.batteryID
}

// CurrentTest returns the id of the test receiving samples.
func (s *Session) CurrentTest() (int64, bool) {
	if s.current == nil {
		return history.NoTest, false
	}
	return s.current.testID, true
}

// CurrentPhase is the phase of the running test.
func (s *Session) CurrentPhase() (history.Phase, bool) {
	if s.current == nil {
		return "", false
	}
	return s.current.phase, true
}

// Stats of the running test, zero when nothing runs.
func (s *Session) Stats() Stats {
	if s.current == nil {
		return Stats{}
	}
	return s.current.stats
}

func (s *Session) Mode() protocol.Mode {
	return s.mode
}

func (s *Session) LoadOn() bool {
	return s.loadOn
}

func (s *Session) LiveStats() Stats {
	return s.live
}

// Arm selects the battery the next test is for. The device must be connected
// by the time Arm is called.
func (s *Session) Arm(batteryID int64) error {
	if batteryID <= 0 {
		return ErrNoBattery
	}
	if s.state != Idle && s.state != Armed {
		return fmt.Errorf("%w: cannot select a battery while %s", ErrInvalidState, s.state)
	}
	s.batteryID = batteryID
	s.setState(Armed)
	return nil
}

// Disarm goes back to Idle, for when the battery is deselected.
func (s *Session) Disarm() error {
	if s.state == Running || s.state == Finishing {
		return fmt.Errorf("%w: cannot deselect the battery while %s", ErrInvalidState, s.state)
	}
	s.batteryID = 0
	s.setState(Idle)
	return nil
}

// TestConfig is a validated duration and threshold.
type TestConfig struct {
	DurationSeconds int
	PassFailVoltage float64
}

// ParseTestConfig validates operator input before anything is created or
// sent. Durations are whole seconds.
func ParseTestConfig(duration, voltage string) (TestConfig, error) {
	d, err := strconv.Atoi(strings.TrimSpace(duration))
	if err != nil || d <= 0 {
		return TestConfig{}, fmt.Errorf("%w: duration '%s' is not a positive whole number of seconds", ErrInvalidConfig, duration)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(voltage), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return TestConfig{}, fmt.Errorf("%w: pass/fail voltage '%s' is not a number", ErrInvalidConfig, voltage)
	}
	return TestConfig{DurationSeconds: d, PassFailVoltage: v}, nil
}

// Begin creates a test record, resets the accumulators and tells the device
// to start. Phase ordering is not checked here: a hardware button may start
// any phase.
func (s *Session) Begin(phase history.Phase, durationSeconds int, passFailVoltage float64, batteryID int64) (int64, error) {
	if s.state != Armed || s.current != nil {
		return 0, fmt.Errorf("%w: cannot start a test while %s", ErrInvalidState, s.state)
	}
	if batteryID <= 0 {
		return 0, ErrNoBattery
	}
	if durationSeconds <= 0 {
		return 0, fmt.Errorf("%w: duration must be positive", ErrInvalidConfig)
	}
	if math.IsNaN(passFailVoltage) || math.IsInf(passFailVoltage, 0) {
		return 0, fmt.Errorf("%w: pass/fail voltage must be a number", ErrInvalidConfig)
	}

	bid := batteryID
	testID, err := s.recorder.CreateTest(&bid, float64(durationSeconds), passFailVoltage)
	if err != nil {
		log.Errorf("Could not create test record: %v", err)
		return 0, fmt.Errorf("create test: %w", err)
	}

	s.batteryID = batteryID
	s.current = &run{
		testID:          testID,
		batteryID:       batteryID,
		phase:           phase,
		durationSeconds: durationSeconds,
		passFailVoltage: passFailVoltage,
	}

	var voltage *float64
	if s.opts.SendVoltage {
		voltage = &passFailVoltage
	}
	if err := s.send(protocol.Start(durationSeconds, voltage)); err != nil {
		// The row stays behind as an incomplete test.
		log.Errorf("Could not start test %d on the device: %v", testID, err)
		s.current = nil
		return 0, fmt.Errorf("send start: %w", err)
	}

	log.Infof("%s started (test %d, battery %d, %ds, pass >= %.3f V)", phase, testID, batteryID, durationSeconds, passFailVoltage)
	s.setState(Running)
	s.emit(TestStarted{
		TestID:          testID,
		BatteryID:       batteryID,
		Phase:           phase,
		DurationSeconds: durationSeconds,
		PassFailVoltage: passFailVoltage,
	})
	return testID, nil
}

// Abort stops the running test. The test keeps its samples but gets no result.
func (s *Session) Abort() error {
	if s.state != Running || s.current == nil {
		return fmt.Errorf("%w: no test is running", ErrInvalidState)
	}
	r := s.current
	s.current = nil
	if err := s.send(protocol.Abort()); err != nil {
		log.Errorf("Could not send abort to the device: %v", err)
	} else {
		s.unacked++
	}
	log.Infof("%s aborted (test %d), partial data kept", r.phase, r.testID)
	s.setState(Armed)
	s.emit(TestAborted{TestID: r.testID, BatteryID: r.batteryID, Phase: r.phase, Reason: "aborted by operator"})
	return nil
}

// Disconnect handles the device going away. A running test is left
// incomplete, nothing is sent.
func (s *Session) Disconnect() {
	s.unacked = 0
	if r := s.current; r != nil {
		s.current = nil
		log.Warnf("Device lost during %s, test %d left incomplete", r.phase, r.testID)
		s.emit(TestAborted{TestID: r.testID, BatteryID: r.batteryID, Phase: r.phase, Reason: "device disconnected"})
	}
	s.mode = protocol.ModeIdle
	s.loadOn = false
	s.live.Reset()
	s.batteryID = 0
	s.setState(Idle)
}

// SetMode switches the device between idle and live monitoring.
func (s *Session) SetMode(mode protocol.Mode) error {
	if s.state == Running || s.state == Finishing {
		return fmt.Errorf("%w: cannot change mode while %s", ErrInvalidState, s.state)
	}
	if mode != protocol.ModeIdle && mode != protocol.ModeLive {
		return fmt.Errorf("%w: unknown mode '%s'", ErrInvalidConfig, mode)
	}
	if err := s.send(protocol.SetMode(mode)); err != nil {
		return err
	}
	s.mode = mode
	if mode != protocol.ModeLive {
		s.loadOn = false
	}
	s.emit(ModeChanged{Mode: s.mode, LoadOn: s.loadOn})
	return nil
}

// SetLoad switches the load in live mode. Switching it on starts a fresh set
// of live statistics.
func (s *Session) SetLoad(on bool) error {
	if s.mode != protocol.ModeLive {
		return fmt.Errorf("%w: the load can only be switched in live mode", ErrInvalidState)
	}
	if err := s.send(protocol.SetMosfet(on)); err != nil {
		return err
	}
	s.loadOn = on
	if on {
		s.live.Reset()
	}
	s.emit(ModeChanged{Mode: s.mode, LoadOn: s.loadOn})
	return nil
}

// OnMessage handles one line from the device. It never fails: bad lines are
// logged and dropped.
func (s *Session) OnMessage(raw string) {
	msg, err := protocol.Parse(raw)
	if err != nil {
		log.Warnf("Ignoring message: %v", err)
		return
	}

	switch m := msg.(type) {
	case protocol.Sample:
		s.onSample(m)
	case protocol.Live:
		s.onLive(m)
	case protocol.ProcessStart:
		log.Info("Device started the process")
	case protocol.ProcessEnd:
		s.onProcessEnd(m)
	case protocol.ButtonPress:
		log.Infof("Button pressed: %s", m.Button)
		s.emit(ButtonPressed{Button: m.Button})
	case protocol.Unknown:
		if m.Raw != "" {
			log.Infof("Device: %s", m.Raw)
		}
	}
}

func (s *Session) onSample(m protocol.Sample) {
	if s.unacked > 0 {
		log.Debugf("Dropping sample at %d ms from an aborted run", m.TimeMs)
		return
	}
	r := s.current
	if s.state != Running || r == nil {
		log.Debugf("Dropping sample at %d ms, no test is running", m.TimeMs)
		return
	}
	if r.stats.Samples > 0 && m.TimeMs < r.stats.TimeMs {
		log.Warnf("Dropping out of order sample at %d ms (last %d ms)", m.TimeMs, r.stats.TimeMs)
		return
	}

	r.stats.ObserveSample(m)
	if err := s.recorder.AppendSample(r.testID, m.TimeMs, m.Voltage, m.Current); err != nil {
		log.Errorf("Could not store sample for test %d: %v", r.testID, err)
	}
	s.emit(SampleReceived{Snapshot: snapshotOf(r)})
}

func (s *Session) onLive(m protocol.Live) {
	if s.state == Running {
		log.Debug("Ignoring live data during a test")
		return
	}
	s.live.ObserveLive(m, s.loadOn)
	s.emit(LiveReceived{Snapshot: liveSnapshotOf(s.live, s.loadOn)})
}

func (s *Session) onProcessEnd(m protocol.ProcessEnd) {
	if s.unacked > 0 {
		// One PROCESS_END per abort, whether it is the acknowledgement or a
		// natural end that crossed the ABORT on the wire.
		s.unacked--
		log.Infof("Device confirmed abort: %s", m.Text)
		return
	}
	r := s.current
	if s.state != Running || r == nil {
		log.Infof("Process end with no running test: %s", m.Text)
		return
	}
	s.setState(Finishing)

	outcome := Outcome(r.stats.MinVoltage, r.passFailVoltage)
	summary := history.Summary{
		MinVoltage: r.stats.MinVoltage.Ptr(),
		MaxCurrent: r.stats.MaxCurrent.Ptr(),
		Result:     history.ResultString(r.phase, outcome),
	}
	if r.stats.Samples > 0 {
		power, resistance := r.stats.Power, r.stats.Resistance
		summary.Power = &power
		summary.Resistance = &resistance
	}
	if err := s.recorder.FinalizeTest(r.testID, summary); err != nil {
		log.Errorf("Could not store result of test %d: %v", r.testID, err)
	}

	s.current = nil
	log.Infof("%s finished (test %d): %s", r.phase, r.testID, summary.Result)
	s.setState(Armed)
	s.emit(TestFinished{
		TestID:     r.testID,
		BatteryID:  r.batteryID,
		Phase:      r.phase,
		Outcome:    outcome,
		Result:     summary.Result,
		Summary:    summary,
		DeviceText: m.Text,
	})
}

// Outcome is PASS when the minimum voltage held at or above the threshold.
// No reading at all, or a threshold that is not a number, is an ERROR.
func Outcome(minVoltage Extremum, passFailVoltage float64) history.Outcome {
	if math.IsNaN(passFailVoltage) || math.IsInf(passFailVoltage, 0) {
		return history.OutcomeError
	}
	v, ok := minVoltage.Value()
	if !ok {
		return history.OutcomeError
	}
	if v >= passFailVoltage {
		return history.OutcomePass
	}
	return history.OutcomeFail
}

func (s *Session) send(cmd string) error {
	if s.sender == nil {
		return errors.New("no device connected")
	}
	log.Debugf("SEND: %s", strings.TrimSpace(cmd))
	return s.sender.Send(cmd)
}

func (s *Session) setState(to State) {
	if s.state == to {
		return
	}
	from := s.state
	s.state = to
	log.Debugf("Session %s -> %s", from, to)
	s.emit(StateChanged{From: from, To: to})
}

func (s *Session) emit(e Event) {
	if s.opts.OnEvent != nil {
		s.opts.OnEvent(e)
	}
}
