package serialhelper

import (
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarm/serial"
)

// fakeDevice is the far end of a serial line.
type fakeDevice struct {
	fromDevice *io.PipeWriter
	reader     *io.PipeReader

	mu      sync.Mutex
	written []byte
}

func (f *fakeDevice) Read(b []byte) (int, error) {
	return f.reader.Read(b)
}

func (f *fakeDevice) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, b...)
	return len(b), nil
}

func (f *fakeDevice) Close() error {
	return f.reader.Close()
}

func (f *fakeDevice) sent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.written)
}

func withFakePort(t *testing.T) (*fakeDevice, *serial.Config) {
	t.Helper()
	r, w := io.Pipe()
	dev := &fakeDevice{fromDevice: w, reader: r}
	var got serial.Config

	oldOpen, oldLock := openPort, lockPort
	openPort = func(c *serial.Config) (io.ReadWriteCloser, error) {
		got = *c
		return dev, nil
	}
	lockPort = func(string, int, time.Duration) (*os.File, error) { return nil, nil }
	t.Cleanup(func() { openPort, lockPort = oldOpen, oldLock })
	return dev, &got
}

func nextLine(t *testing.T, p *Port) string {
	t.Helper()
	select {
	case l, ok := <-p.Lines():
		require.True(t, ok, "lines closed")
		return l
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a line")
	}
	return ""
}

func TestLinesAreSplit(t *testing.T) {
	dev, cfg := withFakePort(t)
	p, err := Open(Config{Port: "/dev/ttyUSB9"})
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, DefaultBaud, cfg.Baud)
	assert.Equal(t, "/dev/ttyUSB9", cfg.Name)

	go func() {
		dev.fromDevice.Write([]byte("PROCESS_START\r\nDATA,0,3.5"))
		dev.fromDevice.Write([]byte("0,100\n\n"))
		dev.fromDevice.Write([]byte("PROCESS_END\n"))
	}()

	assert.Equal(t, "PROCESS_START", nextLine(t, p))
	assert.Equal(t, "DATA,0,3.50,100", nextLine(t, p))
	assert.Equal(t, "PROCESS_END", nextLine(t, p))
}

func TestSendAppendsNewline(t *testing.T) {
	dev, _ := withFakePort(t)
	p, err := Open(Config{Port: "/dev/ttyUSB9", Baud: 9600})
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Send("START,10"))
	require.NoError(t, p.Send("ABORT\n"))
	assert.Equal(t, "START,10\nABORT\n", dev.sent())
}

func TestReadFailureClosesLines(t *testing.T) {
	dev, _ := withFakePort(t)
	p, err := Open(Config{Port: "/dev/ttyUSB9"})
	require.NoError(t, err)
	defer p.Close()

	dev.fromDevice.CloseWithError(errors.New("input/output error"))
	select {
	case _, ok := <-p.Lines():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("lines not closed")
	}
	var unavailable *SerialUnavailableError
	assert.ErrorAs(t, p.Err(), &unavailable)
}

func TestCloseStopsReader(t *testing.T) {
	withFakePort(t)
	p, err := Open(Config{Port: "/dev/ttyUSB9"})
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	select {
	case _, ok := <-p.Lines():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("lines not closed")
	}
	assert.NoError(t, p.Err())
	var unavailable *SerialUnavailableError
	assert.ErrorAs(t, p.Send("ABORT"), &unavailable)
}

func TestOpenWithoutPort(t *testing.T) {
	_, err := Open(Config{})
	var unavailable *SerialUnavailableError
	assert.ErrorAs(t, err, &unavailable)
}
