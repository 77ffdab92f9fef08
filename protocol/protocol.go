// Package protocol implements the line oriented ASCII protocol spoken by the
// depassivation fixture firmware.
//
// Device to host:
//
//	DATA,<time_ms>,<voltage_v>,<current_ma>[,<power_mw>,<resistance_ohm>]
//	LIVE_DATA,<voltage_v>,<current_ma>,<power_mw>,<resistance_ohm>
//	PROCESS_START
//	PROCESS_END[:<text>]
//	BTN_PRESS,<button>
//
// Host to device:
//
//	START,<duration_s>[,<pass_fail_voltage>]
//	ABORT
//	SET_MODE,<IDLE|LIVE>
//	SET_MOSFET,<0|1>
package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	dataPrefix         = "DATA"
	liveDataPrefix     = "LIVE_DATA"
	processStartPrefix = "PROCESS_START"
	processEndPrefix   = "PROCESS_END"
	buttonPrefix       = "BTN_PRESS"
)

var ErrMalformed = errors.New("malformed message")

// Message is one parsed line from the device.
type Message interface {
	isMessage()
}

// Sample is a DATA line. Power and Resistance are only set by the later
// firmware revision, HasLoadFigures reports whether they were present.
type Sample struct {
	TimeMs         int64
	Voltage        float64
	Current        float64
	Power          float64
	Resistance     float64
	HasLoadFigures bool
}

// Live is a LIVE_DATA line, sent while the device is in live mode.
type Live struct {
	Voltage    float64
	Current    float64
	Power      float64
	Resistance float64
}

type ProcessStart struct{}

// ProcessEnd terminates the running test. Text is whatever followed the colon.
type ProcessEnd struct {
	Text string
}

type ButtonPress struct {
	Button string
}

// Unknown is any line the protocol does not define, firmware banners included.
type Unknown struct {
	Raw string
}

func (Sample) isMessage()       {}
func (Live) isMessage()         {}
func (ProcessStart) isMessage() {}
func (ProcessEnd) isMessage()   {}
func (ButtonPress) isMessage()  {}
func (Unknown) isMessage()      {}

// Parse parses one line received from the device. A line that starts like a
// known message but does not parse returns an error wrapping ErrMalformed.
func Parse(raw string) (Message, error) {
	line := strings.TrimSpace(raw)
	kind, rest, hasFields := strings.Cut(line, ",")

	switch {
	case kind == dataPrefix && hasFields:
		return parseSample(line, rest)
	case kind == liveDataPrefix && hasFields:
		return parseLive(line, rest)
	case kind == buttonPrefix && hasFields:
		button := strings.ToUpper(strings.TrimSpace(rest))
		if button == "" || strings.Contains(button, ",") {
			return nil, malformed(line, "bad button name")
		}
		return ButtonPress{Button: button}, nil
	case line == processStartPrefix:
		return ProcessStart{}, nil
	case line == processEndPrefix:
		return ProcessEnd{}, nil
	case strings.HasPrefix(line, processEndPrefix+":"):
		return ProcessEnd{Text: strings.TrimSpace(line[len(processEndPrefix)+1:])}, nil
	}
	return Unknown{Raw: line}, nil
}

func parseSample(line, rest string) (Message, error) {
	fields := strings.Split(rest, ",")
	if len(fields) != 3 && len(fields) != 5 {
		return nil, malformed(line, fmt.Sprintf("expected 3 or 5 fields, got %d", len(fields)))
	}
	timeMs, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
	if err != nil || timeMs < 0 {
		return nil, malformed(line, "bad timestamp")
	}
	values, err := parseFloats(fields[1:])
	if err != nil {
		return nil, malformed(line, err.Error())
	}
	s := Sample{
		TimeMs:  timeMs,
		Voltage: values[0],
		Current: values[1],
	}
	if len(values) == 4 {
		s.Power = values[2]
		s.Resistance = values[3]
		s.HasLoadFigures = true
	}
	return s, nil
}

func parseLive(line, rest string) (Message, error) {
	fields := strings.Split(rest, ",")
	if len(fields) != 4 {
		return nil, malformed(line, fmt.Sprintf("expected 4 fields, got %d", len(fields)))
	}
	values, err := parseFloats(fields)
	if err != nil {
		return nil, malformed(line, err.Error())
	}
	return Live{
		Voltage:    values[0],
		Current:    values[1],
		Power:      values[2],
		Resistance: values[3],
	}, nil
}

func parseFloats(fields []string) ([]float64, error) {
	values := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("field %d: %q is not a number", i+2, f)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("field %d: %q is not finite", i+2, f)
		}
		values[i] = v
	}
	return values, nil
}

func malformed(line, reason string) error {
	return fmt.Errorf("%w '%s': %s", ErrMalformed, line, reason)
}
