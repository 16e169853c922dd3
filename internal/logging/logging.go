// Package logging provides the leveled, structured logger threaded through
// the partition store, coordinator, and consumer member. It wraps go-kit/log
// the way the rest of the corpus does: a base logfmt logger decorated with
// timestamp and caller, with per-component keyvals appended via With.
package logging

import (
	"io"
	"os"

	kitlog "github.com/go-kit/log"
	kitlevel "github.com/go-kit/log/level"
)

// New returns a logfmt logger writing to w, filtered to the given level
// ("debug", "info", "warn", "error"; unrecognized values default to info).
func New(w io.Writer, level string) kitlog.Logger {
	logger := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(w))
	logger = kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.Caller(5))
	return kitlevel.NewFilter(logger, levelOption(level))
}

// Default returns a New logger writing to stderr at info level, used by
// cmd/ entry points and tests that don't care about output routing.
func Default() kitlog.Logger {
	return New(os.Stderr, "info")
}

func levelOption(level string) kitlevel.Option {
	switch level {
	case "debug":
		return kitlevel.AllowDebug()
	case "warn":
		return kitlevel.AllowWarn()
	case "error":
		return kitlevel.AllowError()
	default:
		return kitlevel.AllowInfo()
	}
}

// Debug, Info, Warn, Error are thin convenience wrappers matching the
// kitlevel helpers, kept here so callers only need to import this package.
func Debug(logger kitlog.Logger, keyvals ...interface{}) {
	_ = kitlevel.Debug(logger).Log(keyvals...)
}

func Info(logger kitlog.Logger, keyvals ...interface{}) {
	_ = kitlevel.Info(logger).Log(keyvals...)
}

func Warn(logger kitlog.Logger, keyvals ...interface{}) {
	_ = kitlevel.Warn(logger).Log(keyvals...)
}

func Error(logger kitlog.Logger, keyvals ...interface{}) {
	_ = kitlevel.Error(logger).Log(keyvals...)
}
