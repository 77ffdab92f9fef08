package station

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/depassivation-station/depassivation-controller/history"
	"github.com/depassivation-station/depassivation-controller/internal/config"
	"github.com/depassivation-station/depassivation-controller/internal/logging"
	"github.com/depassivation-station/depassivation-controller/sequence"
	"github.com/depassivation-station/depassivation-controller/serialhelper"
	"github.com/depassivation-station/depassivation-controller/session"
	"github.com/depassivation-station/depassivation-controller/simulator"
)

var (
	version = "<not set>"
	log     = logging.NewLogger("info")
)

type Args struct {
	Simulate    bool   `arg:"--simulate" help:"Use the built in battery simulator instead of the serial port."`
	Port        string `arg:"--port" help:"Serial port of the fixture, overrides the config."`
	Baud        int    `arg:"--baud" help:"Serial baud rate, overrides the config."`
	Battery     string `arg:"--battery" help:"Select this battery on start, creating it if it does not exist."`
	Phase       string `arg:"--phase" help:"Start a test on start: baseline, depassivation, check or next."`
	Once        bool   `arg:"--once" help:"Exit after one test. Needs --battery."`
	SendVoltage bool   `arg:"--send-voltage" help:"Send the pass/fail voltage with START, for early firmware."`
	NoDBus      bool   `arg:"--no-dbus" help:"Do not start the D-Bus control service."`
	ConfigDir   string `arg:"--config-dir" default:"/etc/depassivation" help:"Directory holding depassivation.toml."`
	logging.LogArgs
}

func (Args) Version() string {
	return version
}

var defaultArgs = Args{}

func procArgs(input []string) (Args, error) {
	args := defaultArgs

	parser, err := arg.NewParser(arg.Config{}, &args)
	if err != nil {
		return Args{}, err
	}
	err = parser.Parse(input)
	if errors.Is(err, arg.ErrHelp) {
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	}
	if errors.Is(err, arg.ErrVersion) {
		fmt.Println(version)
		os.Exit(0)
	}
	if err != nil {
		return args, err
	}
	if args.Once && args.Battery == "" {
		return args, errors.New("--once needs --battery")
	}
	if args.Once && args.Phase == "" {
		args.Phase = "next"
	}
	return args, nil
}

func setLoggers(l *logging.Logger) {
	log = l
	history.SetLogger(l)
	session.SetLogger(l)
	serialhelper.SetLogger(l)
	simulator.SetLogger(l)
}

func Run(inputArgs []string, ver string) error {
	version = ver
	args, err := procArgs(inputArgs)
	if err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}
	setLoggers(logging.NewLogger(args.LogLevel))

	log.Printf("Running version: %s", version)

	conf, err := config.Load(args.ConfigDir)
	if err != nil {
		return err
	}
	if args.Port != "" {
		conf.Serial.Port = args.Port
	}
	if args.Baud != 0 {
		conf.Serial.Baud = args.Baud
	}

	store, err := history.Open(conf.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	logHistorySummary(store)

	open := func() (Device, error) {
		return serialhelper.Open(serialhelper.Config{
			Port:        conf.Serial.Port,
			Baud:        conf.Serial.Baud,
			ReadTimeout: conf.Serial.ReadTimeout,
			LockRetries: 3,
			LockWait:    time.Second,
		})
	}
	if args.Simulate {
		log.Info("Running in simulation mode")
		open = func() (Device, error) {
			return simulator.New(simulator.Options{}), nil
		}
	}

	st := New(Options{
		Config:      conf,
		ConfigDir:   args.ConfigDir,
		Store:       store,
		Open:        open,
		Battery:     args.Battery,
		Phase:       args.Phase,
		Once:        args.Once,
		SendVoltage: args.SendVoltage,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !args.NoDBus {
		svc, err := startService(st)
		if err != nil {
			return fmt.Errorf("failed to start D-Bus service (use --no-dbus to run without it): %w", err)
		}
		st.notify = svc.emit
	}

	if err := st.watchConfig(ctx); err != nil {
		log.Warnf("Not watching %s for changes: %v", args.ConfigDir, err)
	}

	return st.Run(ctx)
}

func logHistorySummary(store *history.Store) {
	batteries, err := store.ListBatteries()
	if err != nil {
		log.Errorf("Could not read batteries: %v", err)
		return
	}
	for _, b := range batteries {
		id := b.ID
		tests, err := store.ListTests(&id)
		if err != nil {
			log.Errorf("Could not read tests for '%s': %v", b.Name, err)
			continue
		}
		items := sequence.Group(sequence.Chronological(tests))
		log.Debugf("Battery '%s': %d test(s), %d history item(s)", b.Name, len(tests), len(items))
	}
}
