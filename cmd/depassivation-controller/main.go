package main

import (
	"fmt"
	"os"

	historycli "github.com/depassivation-station/depassivation-controller/internal/depass-history"
	station "github.com/depassivation-station/depassivation-controller/internal/depass-station"
	"github.com/depassivation-station/depassivation-controller/internal/logging"
	serialconsole "github.com/depassivation-station/depassivation-controller/internal/serial-helper"
)

var log *logging.Logger

func main() {
	err := runMain()
	if err != nil {
		log.Fatal(err)
	}
}

var version = "<not set>"

func runMain() error {
	log = logging.NewLogger("info")
	if len(os.Args) < 2 {
		log.Info("Usage: depassivation-controller <station|history|serial-helper> [args]")
		return fmt.Errorf("no subcommand given")
	}

	subcommand := os.Args[1]
	args := os.Args[2:]

	var err error
	switch subcommand {
	case "station":
		err = station.Run(args, version)
	case "history":
		err = historycli.Run(args, version)
	case "serial-helper":
		err = serialconsole.Run(args, version)
	default:
		err = fmt.Errorf("unknown subcommand: %s", subcommand)
	}

	return err
}
