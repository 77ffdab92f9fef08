// Package serialhelper is the device channel to the fixture over a serial
// port. It holds an exclusive lock on the port, reads lines in the background
// and writes commands.
package serialhelper

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/depassivation-station/depassivation-controller/internal/logging"
	"github.com/tarm/serial"
)

var log = logging.NewLogger("info")

func SetLogger(l *logging.Logger) {
	log = l
}

type SerialUnavailableError struct {
	msg string
}

func (e *SerialUnavailableError) Error() string {
	return e.msg
}

func NewSerialUnavailableError(msg string) error {
	return &SerialUnavailableError{msg: msg}
}

type Config struct {
	Port        string
	Baud        int
	ReadTimeout time.Duration
	LockRetries int
	LockWait    time.Duration
}

const (
	DefaultBaud        = 115200
	DefaultReadTimeout = time.Second
)

// Swapped out in tests.
var (
	openPort = func(c *serial.Config) (io.ReadWriteCloser, error) {
		return serial.OpenPort(c)
	}
	lockPort = acquireLock
)

// Port is an open connection to the fixture.
type Port struct {
	name     string
	rw       io.ReadWriteCloser
	lockFile *os.File

	writeMu sync.Mutex
	lines   chan string
	closing chan struct{}
	once    sync.Once

	errMu sync.Mutex
	err   error
}

// Open locks and opens the port and starts reading lines from it.
func Open(c Config) (*Port, error) {
	if c.Port == "" {
		return nil, NewSerialUnavailableError("no serial port configured")
	}
	if c.Baud == 0 {
		c.Baud = DefaultBaud
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}

	lockFile, err := lockPort(c.Port, c.LockRetries, c.LockWait)
	if err != nil {
		return nil, err
	}

	rw, err := openPort(&serial.Config{Name: c.Port, Baud: c.Baud, ReadTimeout: c.ReadTimeout})
	if err != nil {
		releaseLock(lockFile)
		return nil, NewSerialUnavailableError(fmt.Sprintf("failed to open %s: %v", c.Port, err))
	}
	log.Infof("Connected to %s at %d baud", c.Port, c.Baud)

	p := &Port{
		name:     c.Port,
		rw:       rw,
		lockFile: lockFile,
		lines:    make(chan string, 64),
		closing:  make(chan struct{}),
	}
	go p.readLoop()
	return p, nil
}

func (p *Port) Name() string {
	return p.name
}

// Lines delivers received lines in arrival order. It is closed when the port
// is closed or fails; Err then tells which.
func (p *Port) Lines() <-chan string {
	return p.lines
}

// Err is the error that stopped the reader, nil after a clean Close.
func (p *Port) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// Send writes one command line.
func (p *Port) Send(cmd string) error {
	if !strings.HasSuffix(cmd, "\n") {
		cmd += "\n"
	}
	select {
	case <-p.closing:
		return NewSerialUnavailableError("serial port is closed")
	default:
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	data := []byte(cmd)
	n, err := p.rw.Write(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("wrote %d bytes, expected %d", n, len(data))
	}
	return nil
}

func (p *Port) Close() error {
	var err error
	p.once.Do(func() {
		close(p.closing)
		err = p.rw.Close()
		releaseLock(p.lockFile)
		log.Infof("Closed %s", p.name)
	})
	return err
}

func (p *Port) setErr(err error) {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	if p.err == nil {
		p.err = err
	}
}

func (p *Port) closed() bool {
	select {
	case <-p.closing:
		return true
	default:
		return false
	}
}

func (p *Port) readLoop() {
	defer close(p.lines)
	buf := make([]byte, 256)
	var pending []byte
	for {
		n, err := p.rw.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				i := bytes.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				line := strings.TrimSpace(string(pending[:i]))
				pending = pending[i+1:]
				if line == "" {
					continue
				}
				log.Debugf("RECV: %s", line)
				select {
				case p.lines <- line:
				case <-p.closing:
					return
				}
			}
		}
		if p.closed() {
			return
		}
		if err == nil || errors.Is(err, io.EOF) {
			// A read timeout shows up as an empty read.
			continue
		}
		log.Errorf("Serial read from %s failed: %v", p.name, err)
		p.setErr(NewSerialUnavailableError(fmt.Sprintf("lost %s: %v", p.name, err)))
		return
	}
}

// acquireLock takes an exclusive flock on the port so two stations cannot
// drive the same fixture.
func acquireLock(path string, retries int, wait time.Duration) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0666)
	if err != nil {
		return nil, NewSerialUnavailableError(fmt.Sprintf("failed to open %s: %v", path, err))
	}

	for i := retries; ; i-- {
		err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return f, nil
		}
		if errno, ok := err.(syscall.Errno); !ok || errno != syscall.EWOULDBLOCK {
			f.Close()
			return nil, err
		}

		process, perr := lockingProcess(path)
		if perr != nil {
			log.Printf("Error checking locking process: %v", perr)
		} else if process != "" {
			log.Printf("%s is locked by process: %s", path, process)
		}
		if i <= 0 {
			f.Close()
			return nil, NewSerialUnavailableError(fmt.Sprintf("failed to get lock on %s, might be in use by other process", path))
		}
		log.Printf("%s is locked. Retrying %d more times in %s...", path, i, wait)
		time.Sleep(wait)
	}
}

func lockingProcess(path string) (string, error) {
	cmd := exec.Command("fuser", path)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	err := cmd.Run()
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok && exitError.ExitCode() == 1 {
			// No process is using the file.
			return "", nil
		}
		return "", fmt.Errorf("failed to execute fuser: %v", err)
	}
	return strings.TrimSpace(output.String()), nil
}

func releaseLock(f *os.File) {
	if f == nil {
		return
	}
	syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	f.Close()
}
