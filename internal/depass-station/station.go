package station

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/depassivation-station/depassivation-controller/history"
	"github.com/depassivation-station/depassivation-controller/internal/config"
	"github.com/depassivation-station/depassivation-controller/protocol"
	"github.com/depassivation-station/depassivation-controller/serialhelper"
	"github.com/depassivation-station/depassivation-controller/session"
	"github.com/google/go-cmp/cmp"
)

var ErrStopped = errors.New("station stopped")

// Device is a line oriented channel to the fixture, real or simulated.
type Device interface {
	Name() string
	Lines() <-chan string
	Err() error
	Send(cmd string) error
	Close() error
}

type request struct {
	fn   func() (any, error)
	resp chan response
}

type response struct {
	v   any
	err error
}

// Station owns the session, the history store and the device. Everything
// touching them runs on the goroutine in Run; other goroutines go through
// call.
type Station struct {
	cfg       *config.Config
	configDir string
	store     *history.Store
	session   *session.Session
	open      func() (Device, error)

	device  Device
	battery *history.Battery

	requests chan request
	configs  chan *config.Config
	pending  *config.Config
	done     chan struct{}

	// Follow up work queued by session events, run once the current
	// message has been handled.
	followUps []func()
	notify    func(session.Event)

	reconnectDelay time.Duration
	reconnect      <-chan time.Time
	rest           <-chan time.Time

	once     bool
	finished bool

	initialBattery string
	initialPhase   string
}

type Options struct {
	Config    *config.Config
	ConfigDir string
	Store     *history.Store
	Open      func() (Device, error)
	// Battery is selected, and created if needed, once connected.
	Battery string
	// Phase is started on Battery once connected: a phase name or "next".
	Phase string
	// Once stops Run after the first test finishes or is aborted.
	Once bool
	// SendVoltage passes the threshold to firmware that evaluates it.
	SendVoltage    bool
	ReconnectDelay time.Duration
}

func New(opts Options) *Station {
	s := &Station{
		cfg:            opts.Config,
		configDir:      opts.ConfigDir,
		store:          opts.Store,
		open:           opts.Open,
		requests:       make(chan request),
		configs:        make(chan *config.Config, 1),
		done:           make(chan struct{}),
		once:           opts.Once,
		initialBattery: opts.Battery,
		initialPhase:   opts.Phase,
		reconnectDelay: opts.ReconnectDelay,
	}
	if s.reconnectDelay == 0 {
		s.reconnectDelay = 5 * time.Second
	}
	s.session = session.New(s.store, deviceSender{s}, session.Options{
		OnEvent:     s.onEvent,
		SendVoltage: opts.SendVoltage,
	})
	return s
}

type deviceSender struct {
	s *Station
}

func (d deviceSender) Send(cmd string) error {
	if d.s.device == nil {
		return serialhelper.NewSerialUnavailableError("no device connected")
	}
	return d.s.device.Send(cmd)
}

// Run is the control loop. It returns when ctx is cancelled or, with Once,
// after the test is over.
func (s *Station) Run(ctx context.Context) error {
	defer close(s.done)
	defer s.shutdown()

	if err := s.connect(); err != nil {
		if s.once {
			return err
		}
		log.Errorf("Could not connect to the device: %v", err)
		s.reconnect = time.After(s.reconnectDelay)
	}
	if err := s.begin(); err != nil {
		return err
	}

	for !s.finished {
		var lines <-chan string
		if s.device != nil {
			lines = s.device.Lines()
		}

		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				s.lost()
				continue
			}
			s.session.OnMessage(line)
		case req := <-s.requests:
			v, err := req.fn()
			req.resp <- response{v: v, err: err}
		case c := <-s.configs:
			s.pending = c
		case <-s.reconnect:
			s.reconnect = nil
			if err := s.connect(); err != nil {
				log.Warnf("Could not connect to the device: %v", err)
				s.reconnect = time.After(s.reconnectDelay)
			}
		case <-s.rest:
			s.rest = nil
			log.Infof("Rest period over, ready for the %s", history.PhaseCheck)
		}

		s.runFollowUps()
		s.applyPendingConfig()
	}
	return nil
}

// begin selects the starting battery and, when asked to, starts a test.
func (s *Station) begin() error {
	name, create := s.initialBattery, true
	if name == "" {
		name, create = s.cfg.Test.LastBattery, false
	}
	if name != "" {
		if err := s.selectBattery(name, create); err != nil {
			if create {
				return fmt.Errorf("select battery '%s': %w", name, err)
			}
			log.Warnf("Could not reselect battery '%s': %v", name, err)
		}
	}
	if s.initialPhase == "" {
		if s.once {
			return errors.New("nothing to run, give a phase")
		}
		return nil
	}

	var err error
	if s.initialPhase == "next" {
		_, err = s.startNext()
	} else {
		var p history.Phase
		if p, err = history.ParsePhase(s.initialPhase); err == nil {
			_, err = s.start(p, s.cfg.DurationFor(p), s.cfg.Test.PassFailVoltage)
		}
	}
	if err != nil {
		return fmt.Errorf("start test: %w", err)
	}
	return nil
}

// call runs fn on the control loop and waits for its result.
func (s *Station) call(ctx context.Context, fn func() (any, error)) (any, error) {
	req := request{fn: fn, resp: make(chan response, 1)}
	select {
	case s.requests <- req:
	case <-s.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-req.resp:
		return r.v, r.err
	case <-s.done:
		return nil, ErrStopped
	}
}

func (s *Station) connect() error {
	if s.open == nil {
		return errors.New("no device configured")
	}
	dev, err := s.open()
	if err != nil {
		return err
	}
	s.device = dev
	log.Infof("Device connected on %s", dev.Name())
	if err := dev.Send(protocol.SetMode(protocol.ModeIdle)); err != nil {
		log.Warnf("Could not reset the device mode: %v", err)
	}
	if s.battery != nil {
		if err := s.session.Arm(s.battery.ID); err != nil {
			log.Errorf("Could not arm for battery '%s': %v", s.battery.Name, err)
		}
	}
	return nil
}

// lost handles the device's line channel closing underneath us.
func (s *Station) lost() {
	err := s.device.Err()
	if err == nil {
		err = errors.New("device closed")
	}
	log.Errorf("Lost connection to %s: %v", s.device.Name(), err)
	s.device.Close()
	s.device = nil
	s.session.Disconnect()
	if s.once {
		s.finished = true
		return
	}
	s.reconnect = time.After(s.reconnectDelay)
}

func (s *Station) shutdown() {
	if s.session.State() == session.Running {
		log.Info("Aborting the running test before exit")
		if err := s.session.Abort(); err != nil {
			log.Errorf("Abort on exit failed: %v", err)
		}
	}
	if s.device != nil {
		s.device.Close()
		s.device = nil
	}
	if s.cfg != nil && s.configDir != "" {
		if s.battery != nil {
			s.cfg.Test.LastBattery = s.battery.Name
		}
		if err := s.cfg.Save(s.configDir); err != nil {
			log.Errorf("Could not save config: %v", err)
		}
	}
}

func (s *Station) onEvent(e session.Event) {
	switch ev := e.(type) {
	case session.ButtonPressed:
		s.onButton(ev.Button)
	case session.TestFinished:
		if ev.Phase == history.PhaseDepassivation && s.cfg.Rest() > 0 {
			log.Infof("Let the battery rest for %s before the %s", s.cfg.Rest(), history.PhaseCheck)
			s.rest = time.After(s.cfg.Rest())
		}
		if s.once {
			s.finished = true
		}
	case session.TestAborted:
		if s.once {
			s.finished = true
		}
	}
	if s.notify != nil {
		s.notify(e)
	}
}

func (s *Station) onButton(button string) {
	switch button {
	case "START":
		if s.session.State() != session.Armed {
			log.Infof("START pressed while %s, ignored", s.session.State())
			return
		}
		s.followUps = append(s.followUps, func() {
			if _, err := s.startNext(); err != nil {
				log.Errorf("START button: %v", err)
			}
		})
	case "ABORT":
		if s.session.State() != session.Running {
			return
		}
		s.followUps = append(s.followUps, func() {
			if err := s.session.Abort(); err != nil {
				log.Errorf("ABORT button: %v", err)
			}
		})
	case "MEASURE":
		log.Info("MEASURE pressed")
	default:
		log.Infof("Unhandled button '%s'", button)
	}
}

func (s *Station) runFollowUps() {
	for len(s.followUps) > 0 {
		fn := s.followUps[0]
		s.followUps = s.followUps[1:]
		fn()
	}
}

// applyPendingConfig takes a reloaded config once no test is running.
func (s *Station) applyPendingConfig() {
	if s.pending == nil || s.session.State() == session.Running || s.session.State() == session.Finishing {
		return
	}
	c := s.pending
	s.pending = nil
	if diff := cmp.Diff(s.cfg.Serial, c.Serial); diff != "" {
		log.Warn("Serial settings changed, restart the station to use them")
	}
	if c.Database != s.cfg.Database {
		log.Warn("Database path changed, restart the station to use it")
	}
	s.cfg.Test.PassFailVoltage = c.Test.PassFailVoltage
	s.cfg.Test.BaselineDuration = c.Test.BaselineDuration
	s.cfg.Test.DepassivationDuration = c.Test.DepassivationDuration
	s.cfg.Test.RestDuration = c.Test.RestDuration
	s.cfg.Profiles = c.Profiles
	log.Info("Applied new test settings")
}

func (s *Station) selectBattery(name string, create bool) error {
	b, err := s.store.GetBatteryByName(name)
	if errors.Is(err, history.ErrNotFound) && create {
		if _, err = s.store.CreateBattery(name); err != nil {
			return err
		}
		b, err = s.store.GetBatteryByName(name)
	}
	if err != nil {
		return err
	}
	if s.device != nil {
		if err := s.session.Arm(b.ID); err != nil {
			return err
		}
	} else if s.session.State() != session.Idle {
		return fmt.Errorf("%w: cannot select a battery while %s", session.ErrInvalidState, s.session.State())
	}
	s.battery = &b
	log.Infof("Battery '%s' selected", b.Name)
	return nil
}

func (s *Station) nextPhase() (history.Phase, error) {
	if s.battery == nil {
		return "", session.ErrNoBattery
	}
	last, ok, err := s.store.LastTestForBattery(s.battery.ID)
	if err != nil {
		return "", err
	}
	return session.NextPhase(last, ok), nil
}

func (s *Station) startNext() (int64, error) {
	phase, err := s.nextPhase()
	if err != nil {
		return 0, err
	}
	return s.start(phase, s.cfg.DurationFor(phase), s.cfg.Test.PassFailVoltage)
}

func (s *Station) start(phase history.Phase, duration int, voltage float64) (int64, error) {
	if s.battery == nil {
		return 0, session.ErrNoBattery
	}
	if s.rest != nil && phase == history.PhaseCheck {
		log.Warn("Starting the check before the rest period is over")
	}
	s.rest = nil
	return s.session.Begin(phase, duration, voltage, s.battery.ID)
}

// Status is a snapshot of the station for the presentation layer.
type Status struct {
	Connected    bool
	Device       string
	State        string
	Battery      string
	TestID       int64
	Phase        string
	NextPhase    string
	Mode         string
	LoadOn       bool
	LegalActions []string
}

func (s *Station) status() (Status, error) {
	st := Status{
		Connected: s.device != nil,
		State:     s.session.State().String(),
		Mode:      string(s.session.Mode()),
		LoadOn:    s.session.LoadOn(),
	}
	if s.device != nil {
		st.Device = s.device.Name()
	}
	if id, ok := s.session.CurrentTest(); ok {
		st.TestID = id
	}
	if p, ok := s.session.CurrentPhase(); ok {
		st.Phase = string(p)
	}
	var last history.Test
	var ok bool
	if s.battery != nil {
		st.Battery = s.battery.Name
		var err error
		last, ok, err = s.store.LastTestForBattery(s.battery.ID)
		if err != nil {
			return Status{}, err
		}
		st.NextPhase = string(session.NextPhase(last, ok))
	}
	for _, a := range s.session.LegalActions(last, ok) {
		st.LegalActions = append(st.LegalActions, string(a))
	}
	return st, nil
}

// The exported operations below are safe to call from any goroutine.

func (s *Station) SelectBattery(ctx context.Context, name string) error {
	_, err := s.call(ctx, func() (any, error) { return nil, s.selectBattery(name, false) })
	return err
}

func (s *Station) CreateBattery(ctx context.Context, name string) (int64, error) {
	v, err := s.call(ctx, func() (any, error) { return s.store.CreateBattery(name) })
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (s *Station) StartNext(ctx context.Context) (int64, error) {
	v, err := s.call(ctx, func() (any, error) { return s.startNext() })
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// StartPhase validates the operator's duration and voltage before anything is
// created. Empty values use the configured defaults.
func (s *Station) StartPhase(ctx context.Context, phase, duration, voltage string) (int64, error) {
	p, err := history.ParsePhase(phase)
	if err != nil {
		return 0, err
	}
	v, err := s.call(ctx, func() (any, error) {
		if duration == "" {
			duration = fmt.Sprint(s.cfg.DurationFor(p))
		}
		if voltage == "" {
			voltage = fmt.Sprint(s.cfg.Test.PassFailVoltage)
		}
		tc, err := session.ParseTestConfig(duration, voltage)
		if err != nil {
			return nil, err
		}
		return s.start(p, tc.DurationSeconds, tc.PassFailVoltage)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// StartProfile runs a phase with a named profile's duration and threshold.
func (s *Station) StartProfile(ctx context.Context, phase, profile string) (int64, error) {
	p, err := history.ParsePhase(phase)
	if err != nil {
		return 0, err
	}
	v, err := s.call(ctx, func() (any, error) {
		prof, ok := s.cfg.Profile(profile)
		if !ok {
			return nil, fmt.Errorf("%w: no profile '%s'", session.ErrInvalidConfig, profile)
		}
		return s.start(p, prof.Duration, prof.Voltage)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (s *Station) Abort(ctx context.Context) error {
	_, err := s.call(ctx, func() (any, error) { return nil, s.session.Abort() })
	return err
}

func (s *Station) SetMode(ctx context.Context, mode string) error {
	_, err := s.call(ctx, func() (any, error) { return nil, s.session.SetMode(protocol.Mode(mode)) })
	return err
}

func (s *Station) SetLoad(ctx context.Context, on bool) error {
	_, err := s.call(ctx, func() (any, error) { return nil, s.session.SetLoad(on) })
	return err
}

func (s *Station) Status(ctx context.Context) (Status, error) {
	v, err := s.call(ctx, func() (any, error) { return s.status() })
	if err != nil {
		return Status{}, err
	}
	return v.(Status), nil
}

// Batteries lists the battery names.
func (s *Station) Batteries(ctx context.Context) ([]string, error) {
	v, err := s.call(ctx, func() (any, error) {
		bs, err := s.store.ListBatteries()
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(bs))
		for _, b := range bs {
			names = append(names, b.Name)
		}
		return names, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}
