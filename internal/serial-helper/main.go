package serialconsole

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/depassivation-station/depassivation-controller/internal/config"
	"github.com/depassivation-station/depassivation-controller/internal/logging"
	"github.com/depassivation-station/depassivation-controller/protocol"
	"github.com/depassivation-station/depassivation-controller/serialhelper"
)

var (
	version = "<not set>"
	log     = logging.NewLogger("info")
)

type Args struct {
	Port      string        `arg:"--port" help:"Serial port, defaults to the configured one."`
	Baud      int           `arg:"--baud" help:"Baud rate, defaults to the configured one."`
	Send      []string      `arg:"positional" help:"Commands to send, e.g. SET_MODE,LIVE or START,10."`
	Listen    time.Duration `arg:"--listen" default:"5s" help:"How long to print the device's lines for, 0 to wait for Ctrl-C."`
	ConfigDir string        `arg:"--config-dir" default:"/etc/depassivation" help:"Directory holding depassivation.toml."`
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
	return args, err
}

// line is the part of a device connection the console needs.
type line interface {
	Lines() <-chan string
	Send(cmd string) error
}

func Run(inputArgs []string, ver string) error {
	version = ver
	args, err := procArgs(inputArgs)
	if err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}
	log = logging.NewLogger(args.LogLevel)
	serialhelper.SetLogger(log)

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

	log.Printf("Opening %s at %d baud", conf.Serial.Port, conf.Serial.Baud)
	port, err := serialhelper.Open(serialhelper.Config{
		Port:        conf.Serial.Port,
		Baud:        conf.Serial.Baud,
		ReadTimeout: conf.Serial.ReadTimeout,
		LockRetries: 3,
		LockWait:    time.Second,
	})
	if err != nil {
		return err
	}
	defer port.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if args.Listen > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, args.Listen)
		defer cancel()
	}

	if err := console(ctx, port, args.Send, os.Stdout); err != nil {
		return err
	}
	return port.Err()
}

// console sends each command and prints every line from the device until ctx
// ends or the device goes away.
func console(ctx context.Context, dev line, commands []string, w io.Writer) error {
	for _, c := range commands {
		cmd := protocol.ParseCommand(c)
		if cmd.Name == "" {
			continue
		}
		log.Infof("Sending %s", c)
		if err := dev.Send(c); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-dev.Lines():
			if !ok {
				return nil
			}
			msg, err := protocol.Parse(l)
			if err != nil {
				fmt.Fprintf(w, "%s  (%v)\n", l, err)
				continue
			}
			fmt.Fprintf(w, "%s  %T\n", l, msg)
		}
	}
}
