// Package logging builds the per-component loggers used across crsync.
//
// Every component takes a *log.Logger whose prefix names it, like
// "[transport] ". A Sink decides where their output goes: stderr alone,
// or stderr plus a size-rotated log file.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig describes a rotated log file.
type FileConfig struct {
	// Path of the log file; empty disables file logging
	Path string

	// MaxSizeMB is the size at which the file is rotated
	MaxSizeMB int

	// MaxBackups is how many rotated files to keep
	MaxBackups int

	// MaxAgeDays is how long to keep rotated files
	MaxAgeDays int
}

// Sink is the shared destination of component loggers.
type Sink struct {
	out  io.Writer
	file *lumberjack.Logger
}

// NewSink returns a sink writing to stderr and, when cfg.Path is set, to a
// rotated file.
func NewSink(cfg FileConfig) *Sink {
	if cfg.Path == "" {
		return &Sink{out: os.Stderr}
	}
	file := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	return &Sink{out: io.MultiWriter(os.Stderr, file), file: file}
}

// Discard returns a sink that drops everything.
func Discard() *Sink {
	return &Sink{out: io.Discard}
}

// Writer returns the sink's destination.
func (s *Sink) Writer() io.Writer {
	return s.out
}

// Logger returns a logger for component.
func (s *Sink) Logger(component string) *log.Logger {
	return log.New(s.out, "["+component+"] ", log.LstdFlags)
}

// Rotate starts a new log file. It is a no-op without file logging.
func (s *Sink) Rotate() error {
	if s.file == nil {
		return nil
	}
	return s.file.Rotate()
}

// Close closes the log file, if any.
func (s *Sink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}
