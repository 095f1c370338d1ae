// Package xlog wires up the structured logger shared by every component of
// tcpforward.
package xlog

import (
	"os"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger writing to stdout. Interactive terminals get a
// colored, human-readable console writer; anything else (a log collector,
// a pipe into journald) gets newline-delimited JSON.
func New(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.TraceLevel
	}

	var out zerolog.Logger
	if isTerminal(os.Stdout) {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.000"})
	} else {
		out = zerolog.New(os.Stdout)
	}
	return out.Level(level).With().Timestamp().Str("component", "tcpforward").Logger()
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
