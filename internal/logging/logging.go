// Package logging builds the *log.Logger values passed to each component.
//
// Components take an explicit logger with their own prefix ("[sync] ",
// "[daemon] ", ...). When a log file is configured, output goes to stderr
// and to a size-rotated file.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the root logger.
type Options struct {
	// File enables the rotating log file when non-empty.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Quiet drops stderr output, keeping only the file.
	Quiet bool
}

// Logger is a root logger plus the file it may own.
type Logger struct {
	*log.Logger
	out  io.Writer
	file *lumberjack.Logger
}

// New returns the root logger described by opts.
func New(opts Options) (*Logger, error) {
	var writers []io.Writer
	if !opts.Quiet {
		writers = append(writers, os.Stderr)
	}

	var file *lumberjack.Logger
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0750); err != nil {
			return nil, err
		}
		file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		writers = append(writers, file)
	}

	var out io.Writer
	switch len(writers) {
	case 0:
		out = io.Discard
	case 1:
		out = writers[0]
	default:
		out = io.MultiWriter(writers...)
	}

	return &Logger{
		Logger: log.New(out, "", log.LstdFlags),
		out:    out,
		file:   file,
	}, nil
}

// For returns a logger for component sharing the root's output, e.g.
// For("sync") logs with the "[sync] " prefix.
func (l *Logger) For(component string) *log.Logger {
	return log.New(l.out, "["+component+"] ", l.Flags())
}

// Rotate closes the current log file and starts a new one. It is a no-op
// without a log file.
func (l *Logger) Rotate() error {
	if l.file == nil {
		return nil
	}
	return l.file.Rotate()
}

// Close releases the log file.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Discard is a logger that drops everything, for tests and --quiet runs.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
