package log

import (
	"io"

	kitlog "github.com/go-kit/log"
	kitlevel "github.com/go-kit/log/level"
	"github.com/go-kit/log/term"
)

const (
	msgKey    = "_msg" // "_" prefixed to avoid collisions
	moduleKey = "module"
	levelKey  = "level"
)

type tmLogger struct {
	srcLogger kitlog.Logger
}

// Interface assertions
var _ Logger = (*tmLogger)(nil)

// NewTMLogger returns a logger that encodes msg and keyvals to the Writer
// using go-kit's log as an underlying logger and our custom formatter.
// Trace and debug lines are dimmed and errors are red when w is a terminal.
func NewTMLogger(w io.Writer) Logger {
	return NewTMLoggerWithColorFn(w, levelColor)
}

// NewTMLoggerWithColorFn allows you to provide your own color function. See
// NewTMLogger for documentation.
func NewTMLoggerWithColorFn(w io.Writer, colorFn func(keyvals ...interface{}) term.FgBgColor) Logger {
	return &tmLogger{term.NewLogger(w, NewTMFmtLogger, colorFn)}
}

func levelColor(keyvals ...interface{}) term.FgBgColor {
	if len(keyvals) < 2 || keyvals[0] != levelKey {
		return term.FgBgColor{}
	}

	var lvl string
	switch v := keyvals[1].(type) {
	case string:
		lvl = v
	case interface{ String() string }:
		lvl = v.String()
	default:
		return term.FgBgColor{}
	}

	switch lvl {
	case "trace":
		return term.FgBgColor{Fg: term.DarkGray}
	case "debug":
		return term.FgBgColor{Fg: term.Gray}
	case "error":
		return term.FgBgColor{Fg: term.Red}
	default:
		return term.FgBgColor{}
	}
}

// Trace logs a message at level Trace.
func (l *tmLogger) Trace(msg string, keyvals ...interface{}) {
	l.log(kitlog.WithPrefix(l.srcLogger, levelKey, "trace"), msg, keyvals)
}

// Debug logs a message at level Debug.
func (l *tmLogger) Debug(msg string, keyvals ...interface{}) {
	l.log(kitlevel.Debug(l.srcLogger), msg, keyvals)
}

// Info logs a message at level Info.
func (l *tmLogger) Info(msg string, keyvals ...interface{}) {
	l.log(kitlevel.Info(l.srcLogger), msg, keyvals)
}

// Error logs a message at level Error.
func (l *tmLogger) Error(msg string, keyvals ...interface{}) {
	l.log(kitlevel.Error(l.srcLogger), msg, keyvals)
}

func (l *tmLogger) log(leveled kitlog.Logger, msg string, keyvals []interface{}) {
	if err := kitlog.With(leveled, msgKey, msg).Log(keyvals...); err != nil {
		errLogger := kitlevel.Error(l.srcLogger)
		kitlog.With(errLogger, msgKey, msg).Log("err", err) //nolint:errcheck // no need to check error again
	}
}

// With returns a new contextual logger with keyvals prepended to those passed
// to calls to Trace, Debug, Info or Error.
func (l *tmLogger) With(keyvals ...interface{}) Logger {
	return &tmLogger{kitlog.With(l.srcLogger, keyvals...)}
}
