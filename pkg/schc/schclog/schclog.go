// Package schclog defines the logging capability injected into sessions
// at construction; the engine never acquires process-wide state on its
// own. The default Logger is a no-op so a session works without any
// wiring; cmd/schcctl and cmd/schc-exporter wire in a real implementation
// backed by github.com/charmbracelet/log.
package schclog

import (
	"fmt"

	charmlog "github.com/charmbracelet/log"
)

// Logger is the small interface FSMs and the dispatcher depend on.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Nop returns a Logger that discards everything, the default for a session
// constructed without an explicit logging option.
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}

// charm adapts *charmlog.Logger to the Logger interface.
type charm struct {
	l *charmlog.Logger
}

// New wraps a charmbracelet/log logger for use by the fragmentation
// engine.
func New(l *charmlog.Logger) Logger {
	return charm{l: l}
}

func (c charm) Debugf(format string, args ...any) { c.l.Debug(fmt.Sprintf(format, args...)) }
func (c charm) Infof(format string, args ...any)  { c.l.Info(fmt.Sprintf(format, args...)) }
func (c charm) Warnf(format string, args ...any)  { c.l.Warn(fmt.Sprintf(format, args...)) }
func (c charm) Errorf(format string, args ...any) { c.l.Error(fmt.Sprintf(format, args...)) }
