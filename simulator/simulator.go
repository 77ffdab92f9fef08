// Package simulator stands in for the fixture when no hardware is attached.
// It accepts the same commands and produces the same lines as the firmware.
package simulator

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/depassivation-station/depassivation-controller/internal/logging"
	"github.com/depassivation-station/depassivation-controller/protocol"
	"gonum.org/v1/gonum/stat/distuv"
)

var log = logging.NewLogger("info")

func SetLogger(l *logging.Logger) {
	log = l
}

var ErrClosed = errors.New("simulator closed")

const (
	startVoltage = 3.85
	floorVoltage = 2.5
	loadCurrent  = 150.0
	// Open circuit recovery per tick with the load off.
	recoveryPerTick = 0.002
)

type Options struct {
	// Tick is the real time between readings, one simulated second each.
	Tick time.Duration
	// Seed makes the readings reproducible, 0 picks a random seed.
	Seed uint64
}

// Simulator is a device channel backed by a synthetic battery.
type Simulator struct {
	tick    time.Duration
	cmds    chan string
	lines   chan string
	closing chan struct{}
	done    chan struct{}
	once    sync.Once

	drop  distuv.Uniform
	noise distuv.Uniform

	// Owned by the run goroutine.
	mode       protocol.Mode
	loadOn     bool
	running    bool
	durationMs int64
	elapsedMs  int64
	voltage    float64
	current    float64
}

func New(opts Options) *Simulator {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	src := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	s := &Simulator{
		tick:    opts.Tick,
		cmds:    make(chan string, 16),
		lines:   make(chan string, 64),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		drop:    distuv.Uniform{Min: 0.005, Max: 0.02, Src: src},
		noise:   distuv.Uniform{Min: -5, Max: 5, Src: src},
		mode:    protocol.ModeIdle,
		voltage: startVoltage,
	}
	go s.run()
	return s
}

func (s *Simulator) Name() string {
	return "simulator"
}

func (s *Simulator) Lines() <-chan string {
	return s.lines
}

// Err is always nil, the simulator cannot be unplugged.
func (s *Simulator) Err() error {
	return nil
}

func (s *Simulator) Send(cmd string) error {
	select {
	case <-s.closing:
		return ErrClosed
	default:
	}
	select {
	case s.cmds <- cmd:
		return nil
	case <-s.closing:
		return ErrClosed
	}
}

func (s *Simulator) Close() error {
	s.once.Do(func() {
		close(s.closing)
		<-s.done
	})
	return nil
}

func (s *Simulator) run() {
	defer close(s.done)
	defer close(s.lines)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.closing:
			return
		case cmd := <-s.cmds:
			s.handle(protocol.ParseCommand(cmd))
		case <-ticker.C:
			s.step()
		}
	}
}

func (s *Simulator) handle(c protocol.Command) {
	switch c.Name {
	case protocol.CmdStart:
		if s.running {
			log.Warn("Simulator is already running a test, START ignored")
			return
		}
		if len(c.Args) == 0 {
			log.Warn("START without a duration ignored")
			return
		}
		d, err := strconv.Atoi(c.Args[0])
		if err != nil || d <= 0 {
			log.Warnf("START with bad duration '%s' ignored", c.Args[0])
			return
		}
		log.Infof("Starting hardware simulation for %ds", d)
		s.running = true
		s.durationMs = int64(d) * 1000
		s.elapsedMs = 0
		s.voltage = startVoltage
		s.emit("PROCESS_START")
	case protocol.CmdAbort:
		if !s.running {
			return
		}
		s.running = false
		s.emit("PROCESS_END: Simulation aborted by user.")
	case protocol.CmdSetMode:
		if len(c.Args) == 0 {
			return
		}
		s.mode = protocol.Mode(c.Args[0])
		if s.mode != protocol.ModeLive {
			s.loadOn = false
		}
	case protocol.CmdSetMosfet:
		s.loadOn = len(c.Args) > 0 && c.Args[0] == "1"
	default:
		log.Warnf("Simulator ignoring unknown command '%s'", c.Name)
	}
}

func (s *Simulator) step() {
	switch {
	case s.running:
		if s.elapsedMs >= s.durationMs {
			s.running = false
			s.emit("PROCESS_END: Simulation completed successfully.")
			return
		}
		s.discharge()
		power, resistance := s.load()
		s.emit(fmt.Sprintf("DATA,%d,%.3f,%.1f,%.1f,%.2f", s.elapsedMs, s.voltage, s.current, power, resistance))
		s.elapsedMs += 1000
	case s.mode == protocol.ModeLive:
		if s.loadOn {
			s.discharge()
		} else {
			s.current = 0
			s.voltage = min(startVoltage, s.voltage+recoveryPerTick)
		}
		power, resistance := s.load()
		s.emit(fmt.Sprintf("LIVE_DATA,%.3f,%.1f,%.1f,%.2f", s.voltage, s.current, power, resistance))
	}
}

func (s *Simulator) discharge() {
	s.voltage = max(floorVoltage, s.voltage-s.drop.Rand())
	s.current = loadCurrent + s.noise.Rand()
}

func (s *Simulator) load() (powerMW, resistance float64) {
	powerMW = s.voltage * s.current
	if s.current > 0 {
		resistance = s.voltage / (s.current / 1000)
	}
	return powerMW, resistance
}

func (s *Simulator) emit(line string) {
	log.Debugf("SIM: %s", line)
	select {
	case s.lines <- line:
	case <-s.closing:
	}
}
