// Package xlog provides the small leveled-logging shim shared by the
// fdl, dp and phy packages.
package xlog

import (
	"log"
	"os"
	"sync/atomic"
)

// Provider is implemented by anything that wants to receive log output
// from this module. The default Provider wraps the standard library's
// *log.Logger; callers may plug in their own (e.g. to forward into a
// host application's logging framework).
type Provider interface {
	Error(format string, v ...interface{})
	Debug(format string, v ...interface{})
	Trace(format string, v ...interface{})
}

// Logs embeds into station/master/phy types to give them LogMode /
// SetProvider / leveled-log methods without repeating the atomic-flag
// dance everywhere.
type Logs struct {
	provider Provider
	enabled  uint32
}

// NewLogs constructs a Logs using the default standard-library-backed
// provider, with logging disabled until LogMode(true) is called.
func NewLogs(prefix string) Logs {
	return Logs{provider: newDefaultProvider(prefix)}
}

// LogMode enables or disables log output.
func (l *Logs) LogMode(enable bool) {
	if enable {
		atomic.StoreUint32(&l.enabled, 1)
	} else {
		atomic.StoreUint32(&l.enabled, 0)
	}
}

// SetProvider installs a custom log Provider.
func (l *Logs) SetProvider(p Provider) {
	if p != nil {
		l.provider = p
	}
}

// Error logs an ERROR-level message.
func (l *Logs) Error(format string, v ...interface{}) {
	if atomic.LoadUint32(&l.enabled) == 1 {
		l.provider.Error(format, v...)
	}
}

// Debug logs a DEBUG-level message.
func (l *Logs) Debug(format string, v ...interface{}) {
	if atomic.LoadUint32(&l.enabled) == 1 {
		l.provider.Debug(format, v...)
	}
}

// Trace logs a TRACE-level message, for the high-frequency per-poll
// chatter (telegram tx/rx) that is too noisy for Debug.
func (l *Logs) Trace(format string, v ...interface{}) {
	if atomic.LoadUint32(&l.enabled) == 1 {
		l.provider.Trace(format, v...)
	}
}

type stdProvider struct {
	*log.Logger
}

func newDefaultProvider(prefix string) *stdProvider {
	return &stdProvider{log.New(os.Stderr, prefix, log.LstdFlags|log.Lmicroseconds)}
}

func (p *stdProvider) Error(format string, v ...interface{}) { p.Printf("[E] "+format, v...) }
func (p *stdProvider) Debug(format string, v ...interface{}) { p.Printf("[D] "+format, v...) }
func (p *stdProvider) Trace(format string, v ...interface{}) { p.Printf("[T] "+format, v...) }
