package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSample(t *testing.T) {
	msg, err := Parse("DATA,5000,3.10,105\r\n")
	require.NoError(t, err)
	assert.Equal(t, Sample{TimeMs: 5000, Voltage: 3.10, Current: 105}, msg)

	msg, err = Parse("DATA,1000,3.412,150.25,512.67,22.71")
	require.NoError(t, err)
	assert.Equal(t, Sample{
		TimeMs:         1000,
		Voltage:        3.412,
		Current:        150.25,
		Power:          512.67,
		Resistance:     22.71,
		HasLoadFigures: true,
	}, msg)
}

func TestParseMalformed(t *testing.T) {
	lines := []string{
		"DATA,abc,3.1,100",
		"DATA,-5,3.1,100",
		"DATA,100,3.1",
		"DATA,100,3.1,100,5",
		"DATA,100,volts,100",
		"DATA,100,NaN,100",
		"DATA,100,3.1,+Inf",
		"LIVE_DATA,3.1,100,310",
		"LIVE_DATA,3.1,x,310,31",
		"BTN_PRESS,",
		"BTN_PRESS,START,ABORT",
	}
	for _, line := range lines {
		_, err := Parse(line)
		assert.ErrorIs(t, err, ErrMalformed, line)
	}
}

func TestParseOtherMessages(t *testing.T) {
	tests := []struct {
		line string
		want Message
	}{
		{"LIVE_DATA,3.301,120.50,397.77,27.39", Live{Voltage: 3.301, Current: 120.5, Power: 397.77, Resistance: 27.39}},
		{"PROCESS_START", ProcessStart{}},
		{"PROCESS_END", ProcessEnd{}},
		{"PROCESS_END: Process completed successfully.", ProcessEnd{Text: "Process completed successfully."}},
		{"PROCESS_END:aborted, by user", ProcessEnd{Text: "aborted, by user"}},
		{"BTN_PRESS,start", ButtonPress{Button: "START"}},
		{"INA219 sensor found. Ready.", Unknown{Raw: "INA219 sensor found. Ready."}},
		{"DATA", Unknown{Raw: "DATA"}},
		{"", Unknown{Raw: ""}},
	}
	for _, tc := range tests {
		msg, err := Parse(tc.line)
		require.NoError(t, err, tc.line)
		assert.Equal(t, tc.want, msg, tc.line)
	}
}

func TestCommands(t *testing.T) {
	v := 3.2
	assert.Equal(t, "START,10\n", Start(10, nil))
	assert.Equal(t, "START,10,3.2\n", Start(10, &v))
	assert.Equal(t, "ABORT\n", Abort())
	assert.Equal(t, "SET_MODE,LIVE\n", SetMode(ModeLive))
	assert.Equal(t, "SET_MOSFET,1\n", SetMosfet(true))
	assert.Equal(t, "SET_MOSFET,0\n", SetMosfet(false))

	assert.Equal(t, Command{Name: "START", Args: []string{"10", "3.2"}}, ParseCommand("start, 10,3.2\n"))
	assert.Equal(t, Command{Name: "ABORT"}, ParseCommand("ABORT\n"))
}
