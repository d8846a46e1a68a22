package loggingutil

import (
	"fmt"
	"slices"
	"strings"

	"pkt.systems/pslog"
)

// Subsystem joins non-empty parts into a dotted subsystem path.
func Subsystem(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.Trim(part, ". "); part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, ".")
}

// WithSubsystem returns a logger that stamps sys=<subsystem> on every entry.
// Wrapping an already tagged logger replaces the subsystem and keeps the
// other fields.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if subsystem == "" {
		return EnsureLogger(logger)
	}
	if existing, ok := logger.(*subsystemLogger); ok {
		return &subsystemLogger{base: existing.base, subsystem: subsystem, keyvals: slices.Clone(existing.keyvals)}
	}
	return &subsystemLogger{base: EnsureLogger(logger), subsystem: subsystem}
}

type subsystemLogger struct {
	base      pslog.Logger
	subsystem string
	keyvals   []any
}

func (l *subsystemLogger) derive(base pslog.Logger) *subsystemLogger {
	return &subsystemLogger{base: base, subsystem: l.subsystem, keyvals: slices.Clone(l.keyvals)}
}

func (l *subsystemLogger) merged(extra []any) []any {
	out := make([]any, 0, 2+len(l.keyvals)+len(extra))
	out = append(out, pslog.TrustedString("sys"), l.subsystem)
	out = append(out, l.keyvals...)
	return append(out, extra...)
}

func (l *subsystemLogger) Trace(msg string, kv ...any) { l.base.Trace(msg, l.merged(kv)...) }
func (l *subsystemLogger) Debug(msg string, kv ...any) { l.base.Debug(msg, l.merged(kv)...) }
func (l *subsystemLogger) Info(msg string, kv ...any)  { l.base.Info(msg, l.merged(kv)...) }
func (l *subsystemLogger) Warn(msg string, kv ...any)  { l.base.Warn(msg, l.merged(kv)...) }
func (l *subsystemLogger) Error(msg string, kv ...any) { l.base.Error(msg, l.merged(kv)...) }
func (l *subsystemLogger) Fatal(msg string, kv ...any) { l.base.Fatal(msg, l.merged(kv)...) }
func (l *subsystemLogger) Panic(msg string, kv ...any) { l.base.Panic(msg, l.merged(kv)...) }

func (l *subsystemLogger) Log(level pslog.Level, msg string, kv ...any) {
	l.base.Log(level, msg, l.merged(kv)...)
}

// With appends fields. A "sys" pair replaces the subsystem instead.
func (l *subsystemLogger) With(kv ...any) pslog.Logger {
	next := l.derive(l.base)
	for i := 0; i < len(kv); i += 2 {
		if i+1 >= len(kv) {
			next.keyvals = append(next.keyvals, kv[i])
			break
		}
		if name, ok := keyName(kv[i]); ok && name == "sys" {
			next.subsystem = fmt.Sprint(kv[i+1])
			continue
		}
		next.keyvals = append(next.keyvals, kv[i], kv[i+1])
	}
	return next
}

func (l *subsystemLogger) WithLogLevel() pslog.Logger { return l.derive(l.base.WithLogLevel()) }

func (l *subsystemLogger) LogLevel(level pslog.Level) pslog.Logger {
	return l.derive(l.base.LogLevel(level))
}

func (l *subsystemLogger) LogLevelFromEnv(key string) pslog.Logger {
	return l.derive(l.base.LogLevelFromEnv(key))
}

func keyName(key any) (string, bool) {
	switch v := key.(type) {
	case string:
		return v, true
	case pslog.TrustedString:
		return string(v), true
	}
	return "", false
}
