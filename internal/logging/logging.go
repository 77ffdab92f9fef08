// Package logging builds the logrus loggers shared by the controller's tools.
package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogArgs is embedded in each tool's go-arg Args.
type LogArgs struct {
	LogLevel string `arg:"-l,--log-level" default:"info" help:"Set the logging level (debug, info, warn, error)"`
}

type Logger struct {
	*logrus.Logger
}

// NewLogger returns a text logger writing to stderr. An unknown level falls
// back to info.
func NewLogger(levelStr string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: os.Getenv("INVOCATION_ID") != "", // journald adds its own
		FullTimestamp:    true,
	})
	level, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(levelStr)))
	if err != nil {
		l.Warnf("Unknown log level '%s', using info", levelStr)
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	return &Logger{Logger: l}
}
