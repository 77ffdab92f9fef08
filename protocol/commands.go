package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

type Mode string

const (
	ModeIdle Mode = "IDLE"
	ModeLive Mode = "LIVE"
)

const (
	CmdStart     = "START"
	CmdAbort     = "ABORT"
	CmdSetMode   = "SET_MODE"
	CmdSetMosfet = "SET_MOSFET"
)

// Start builds the START command. The pass/fail voltage is only understood by
// the early firmware, newer firmware ignores the extra field.
func Start(durationSeconds int, passFailVoltage *float64) string {
	if passFailVoltage != nil {
		return fmt.Sprintf("%s,%d,%s\n", CmdStart, durationSeconds, strconv.FormatFloat(*passFailVoltage, 'f', -1, 64))
	}
	return fmt.Sprintf("%s,%d\n", CmdStart, durationSeconds)
}

func Abort() string {
	return CmdAbort + "\n"
}

func SetMode(m Mode) string {
	return fmt.Sprintf("%s,%s\n", CmdSetMode, m)
}

func SetMosfet(on bool) string {
	v := 0
	if on {
		v = 1
	}
	return fmt.Sprintf("%s,%d\n", CmdSetMosfet, v)
}

// Command is a host to device line, as seen by the device.
type Command struct {
	Name string
	Args []string
}

// ParseCommand splits a host command line. Names are matched case
// insensitively by the firmware so they are upper cased here.
func ParseCommand(line string) Command {
	parts := strings.Split(strings.TrimSpace(line), ",")
	c := Command{Name: strings.ToUpper(strings.TrimSpace(parts[0]))}
	for _, p := range parts[1:] {
		c.Args = append(c.Args, strings.TrimSpace(p))
	}
	return c
}
