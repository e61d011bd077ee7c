// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/phuslu/log"
)

// New returns a logger writing to w. Format "console" is human readable,
// "json" emits one object per line, and "auto" picks console for a TTY.
func New(level, format string, w io.Writer) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	logger := &log.Logger{
		Level:  log.ParseLevel(strings.ToLower(level)),
		Caller: 0,
	}
	switch strings.ToLower(format) {
	case "json":
		logger.Writer = &log.IOWriter{Writer: w}
	case "console":
		logger.Writer = &log.ConsoleWriter{Writer: w}
	default:
		if f, ok := w.(*os.File); ok && log.IsTerminal(f.Fd()) {
			logger.Writer = &log.ConsoleWriter{Writer: w, ColorOutput: true}
		} else {
			logger.Writer = &log.IOWriter{Writer: w}
		}
	}
	return logger
}

// Discard returns a logger that drops everything, for tests.
func Discard() *log.Logger {
	return &log.Logger{Level: log.PanicLevel, Writer: &log.IOWriter{Writer: io.Discard}}
}
