// Package log wraps logrus with the component-scoped logging convention
// used across this module: every log line carries a "component" field
// naming the subsystem that emitted it (negotiate, connect, start, abort,
// heartbeat, invoke, watchdog, decode).
package log

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps a *logrus.Logger.
type Logger struct {
	*logrus.Logger
}

var base = newBase()

func newBase() *Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level := strings.ToLower(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	if lvl, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}

	return &Logger{Logger: l}
}

// Default returns the package-wide logger, configured from the LOG_LEVEL
// environment variable.
func Default() *Logger {
	return base
}

// SetLevel overrides the configured level, e.g. from Options.LogLevel.
func (l *Logger) SetLevel(level string) {
	if lvl, err := logrus.ParseLevel(strings.ToLower(level)); err == nil {
		l.Logger.SetLevel(lvl)
	}
}

// WithComponent scopes subsequent fields to the named subsystem.
func (l *Logger) WithComponent(component string) *logrus.Entry {
	return l.Logger.WithField("component", component)
}
