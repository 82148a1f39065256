// Package logging builds the process logger. The terminal belongs to the UI,
// so records go to a rotating file unless console output is requested.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	// Path of the log file; empty disables file output.
	Path       string
	Level      string
	MaxSizeMB  int
	MaxBackups int
	// Verbose forces debug level.
	Verbose bool
	// Console mirrors records to Stderr.
	Console bool
	Stderr  *os.File
}

// New returns the root logger and a closer for the file sink.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	var writers []io.Writer
	var closer io.Closer = nopCloser{}

	if path := strings.TrimSpace(opts.Path); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return zerolog.Nop(), closer, err
		}
		lj := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    positive(opts.MaxSizeMB, 20),
			MaxBackups: positive(opts.MaxBackups, 3),
			Compress:   false,
		}
		writers = append(writers, lj)
		closer = lj
	}
	if opts.Console {
		stderr := opts.Stderr
		if stderr == nil {
			stderr = os.Stderr
		}
		writers = append(writers, consoleWriter(stderr))
	}
	if len(writers) == 0 {
		return zerolog.Nop(), closer, nil
	}

	level := ParseLevel(opts.Level)
	if opts.Verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()
	return log, closer, nil
}

// consoleWriter pretty-prints for a terminal and falls back to JSON lines.
func consoleWriter(f *os.File) io.Writer {
	if !term.IsTerminal(int(f.Fd())) {
		return f
	}
	return zerolog.ConsoleWriter{Out: f, TimeFormat: time.Kitchen}
}

func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func positive(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
