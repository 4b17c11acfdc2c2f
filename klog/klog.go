// Package klog is the internal debugging/diagnostics logger shared by
// link, transport and secure. It keeps the teacher's Clog shape (a
// pluggable LogProvider behind an enable switch) but backs the default
// provider with zerolog instead of the standard log package.
package klog

import (
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// LogProvider is the pluggable backend. Critical/Error/Warn/Debug mirror
// RFC5424-ish severities, matching the teacher's clog.LogProvider.
type LogProvider interface {
	Critical(format string, v ...interface{})
	Error(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Debug(format string, v ...interface{})
}

// Logger is the internal logging handle used throughout link/transport/secure.
// Output is suppressed unless enabled via LogMode, matching the teacher's
// default-off Clog behavior.
type Logger struct {
	provider LogProvider
	has      uint32 // 1: enabled, 0: disabled
}

// New creates a Logger for the named component, backed by zerolog writing to
// stdout. Disabled by default; call LogMode(true) to enable.
func New(component string) Logger {
	return Logger{
		provider: zerologProvider{zerolog.New(os.Stdout).With().Timestamp().Str("component", component).Logger()},
	}
}

// LogMode enables or disables log output.
func (l *Logger) LogMode(enable bool) {
	if enable {
		atomic.StoreUint32(&l.has, 1)
	} else {
		atomic.StoreUint32(&l.has, 0)
	}
}

// SetProvider replaces the backend, e.g. to redirect into a test recorder.
func (l *Logger) SetProvider(p LogProvider) {
	if p != nil {
		l.provider = p
	}
}

func (l Logger) Critical(format string, v ...interface{}) {
	if atomic.LoadUint32(&l.has) == 1 {
		l.provider.Critical(format, v...)
	}
}

func (l Logger) Error(format string, v ...interface{}) {
	if atomic.LoadUint32(&l.has) == 1 {
		l.provider.Error(format, v...)
	}
}

func (l Logger) Warn(format string, v ...interface{}) {
	if atomic.LoadUint32(&l.has) == 1 {
		l.provider.Warn(format, v...)
	}
}

func (l Logger) Debug(format string, v ...interface{}) {
	if atomic.LoadUint32(&l.has) == 1 {
		l.provider.Debug(format, v...)
	}
}

// SetGlobalLevel sets the process-wide minimum zerolog level, mirroring
// zerolog.SetGlobalLevel so callers can tune verbosity without touching
// individual Loggers.
func SetGlobalLevel(lvl zerolog.Level) {
	zerolog.SetGlobalLevel(lvl)
}

type zerologProvider struct {
	l zerolog.Logger
}

var _ LogProvider = zerologProvider{}

func (z zerologProvider) Critical(format string, v ...interface{}) {
	z.l.Error().Bool("critical", true).Msgf(format, v...)
}

func (z zerologProvider) Error(format string, v ...interface{}) {
	z.l.Error().Msgf(format, v...)
}

func (z zerologProvider) Warn(format string, v ...interface{}) {
	z.l.Warn().Msgf(format, v...)
}

func (z zerologProvider) Debug(format string, v ...interface{}) {
	z.l.Debug().Msgf(format, v...)
}
