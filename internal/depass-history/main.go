package historycli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/alexflint/go-arg"
	"github.com/depassivation-station/depassivation-controller/history"
	"github.com/depassivation-station/depassivation-controller/internal/config"
	"github.com/depassivation-station/depassivation-controller/internal/logging"
	"github.com/fatih/color"
)

var (
	version = "<not set>"
	log     = logging.NewLogger("info")
	out     io.Writer = os.Stdout
)

type Args struct {
	Batteries     *subcommand    `arg:"subcommand:batteries" help:"List batteries."`
	AddBattery    *BatteryName   `arg:"subcommand:add-battery" help:"Create a battery."`
	DeleteBattery *BatteryName   `arg:"subcommand:delete-battery" help:"Delete a battery, its tests become uncategorized."`
	Tests         *Tests         `arg:"subcommand:tests" help:"List a battery's tests, newest first."`
	Sequences     *Tests         `arg:"subcommand:sequences" help:"List a battery's history with full sequences grouped."`
	Compare       *TestID        `arg:"subcommand:compare" help:"Compare the phases of the sequence starting with a baseline test."`
	Delete        *Delete        `arg:"subcommand:delete" help:"Delete a test, or with --sequence the whole sequence it starts."`
	Export        *Export        `arg:"subcommand:export" help:"Write a test's samples as CSV."`
	Report        *TestID        `arg:"subcommand:report" help:"Show statistics for a test."`
	Profiles      *Profiles      `arg:"subcommand:profiles" help:"List, save or delete test profiles."`
	Database      string         `arg:"--database" help:"History database, defaults to the configured one."`
	ConfigDir     string         `arg:"--config-dir" default:"/etc/depassivation" help:"Directory holding depassivation.toml."`
	NoColor       bool           `arg:"--no-color" help:"Disable coloured output."`
	logging.LogArgs
}

func (Args) Version() string {
	return version
}

type subcommand struct{}

type BatteryName struct {
	Name string `arg:"positional,required" help:"Battery name."`
}

type Tests struct {
	Battery       string `arg:"positional" help:"Battery name."`
	Uncategorized bool   `arg:"--uncategorized" help:"Show tests that belong to no battery."`
}

type TestID struct {
	ID int64 `arg:"positional,required" help:"Test id."`
}

type Delete struct {
	ID       int64 `arg:"positional,required" help:"Test id."`
	Sequence bool  `arg:"--sequence" help:"Delete the sequence this baseline test starts."`
}

type Export struct {
	ID  int64  `arg:"positional,required" help:"Test id."`
	Out string `arg:"-o,--out" help:"Output file, stdout when empty."`
}

type Profiles struct {
	Set      string  `arg:"--set" help:"Save a profile under this name."`
	Duration int     `arg:"--duration" help:"Profile duration in seconds."`
	Voltage  float64 `arg:"--voltage" help:"Profile pass/fail voltage."`
	Delete   string  `arg:"--delete" help:"Delete the named profile."`
}

var defaultArgs = Args{}

func procArgs(input []string) (Args, *arg.Parser, error) {
	args := defaultArgs

	parser, err := arg.NewParser(arg.Config{}, &args)
	if err != nil {
		return Args{}, nil, err
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
	return args, parser, err
}

func Run(inputArgs []string, ver string) error {
	version = ver
	args, parser, err := procArgs(inputArgs)
	if err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}
	log = logging.NewLogger(args.LogLevel)
	history.SetLogger(log)
	if args.NoColor {
		color.NoColor = true
	}

	conf, err := config.Load(args.ConfigDir)
	if err != nil {
		return err
	}

	if args.Profiles != nil {
		return profiles(conf, args.ConfigDir, args.Profiles)
	}
	if parser.Subcommand() == nil {
		parser.WriteHelp(os.Stdout)
		return nil
	}

	dbPath := args.Database
	if dbPath == "" {
		dbPath = conf.Database.Path
	}
	store, err := history.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	return run(store, args)
}

func run(store *history.Store, args Args) error {
	switch {
	case args.Batteries != nil:
		return listBatteries(store)
	case args.AddBattery != nil:
		return addBattery(store, args.AddBattery.Name)
	case args.DeleteBattery != nil:
		return deleteBattery(store, args.DeleteBattery.Name)
	case args.Tests != nil:
		return listTests(store, args.Tests)
	case args.Sequences != nil:
		return listSequences(store, args.Sequences)
	case args.Compare != nil:
		return compare(store, args.Compare.ID)
	case args.Delete != nil:
		return deleteTests(store, args.Delete)
	case args.Export != nil:
		return export(store, args.Export)
	case args.Report != nil:
		return report(store, args.Report.ID)
	}
	return errors.New("no command given")
}
