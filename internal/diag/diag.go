// Package diag carries the three-level diagnostic sink threaded through
// the worklist driver, the instruction processor, and the metadata
// resolution helpers. The pack has no structured-logging dependency
// anywhere; the surrounding code reports diagnostics as plain returned
// errors and writer-directed strings, so this package follows suit with a
// small interface backed by the standard "log" package rather than
// introducing slog/zap/logrus.
package diag

import (
	"io"
	"log"
)

// Logger receives diagnostics at three severities, matching the
// "logged at debug" / "warned" / "logged as an error" language.
type Logger interface {
	Debugf(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// stdLogger writes every level to an underlying *log.Logger, prefixed by
// severity.
type stdLogger struct {
	l       *log.Logger
	verbose bool
}

// NewStdLogger returns a Logger that writes to out. When verbose is false,
// Debugf calls are discarded -- matching the CLI's -verbose flag.
func NewStdLogger(out io.Writer, verbose bool) Logger {
	return &stdLogger{l: log.New(out, "", log.LstdFlags), verbose: verbose}
}

func (s *stdLogger) Debugf(format string, args ...any) {
	if !s.verbose {
		return
	}
	s.l.Printf("DEBUG "+format, args...)
}

func (s *stdLogger) Warnf(format string, args ...any) {
	s.l.Printf("WARN  "+format, args...)
}

func (s *stdLogger) Errorf(format string, args ...any) {
	s.l.Printf("ERROR "+format, args...)
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}

// Nop is a Logger that discards everything, used by tests that don't care
// about diagnostic output.
var Nop Logger = nopLogger{}
