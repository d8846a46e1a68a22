// Package loggingutil holds small pslog helpers shared by every cachetx
// package.
package loggingutil

import (
	"os"

	"pkt.systems/pslog"
)

// discard satisfies pslog.Logger without emitting anything. Fatal and Panic
// keep their control-flow effect.
type discard struct{}

func (discard) Trace(string, ...any)                  {}
func (discard) Debug(string, ...any)                  {}
func (discard) Info(string, ...any)                   {}
func (discard) Warn(string, ...any)                   {}
func (discard) Error(string, ...any)                  {}
func (discard) Fatal(string, ...any)                  { os.Exit(1) }
func (discard) Panic(msg string, _ ...any)            { panic(msg) }
func (discard) Log(pslog.Level, string, ...any)       {}
func (d discard) With(...any) pslog.Logger            { return d }
func (d discard) WithLogLevel() pslog.Logger          { return d }
func (d discard) LogLevel(pslog.Level) pslog.Logger   { return d }
func (d discard) LogLevelFromEnv(string) pslog.Logger { return d }

// NoopLogger returns a logger that discards all entries.
func NoopLogger() pslog.Logger { return discard{} }

// EnsureLogger returns l when non-nil, otherwise a discarding logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return NoopLogger()
}
