// Package logging builds the shared log output: stderr, plus an optional
// size-rotated log file.
//
// Components keep using *log.Logger with their own "[component] " prefix;
// this package only decides where the lines go and whether debug lines are
// written at all.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the log output.
type Options struct {
	// File, if set, receives a copy of every line and is rotated by size.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Verbose enables debug loggers.
	Verbose bool
}

// Output is the destination shared by all component loggers.
type Output struct {
	w       io.Writer
	file    *lumberjack.Logger
	verbose bool
}

// Open builds the output described by opts.
func Open(opts Options) *Output {
	out := &Output{
		w:       os.Stderr,
		verbose: opts.Verbose,
	}
	if opts.File != "" {
		out.file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		out.w = io.MultiWriter(os.Stderr, out.file)
	}
	return out
}

// Writer returns the underlying writer, e.g. for HTTP access logs.
func (o *Output) Writer() io.Writer {
	return o.w
}

// Logger returns a logger prefixed with "[component] ".
func (o *Output) Logger(component string) *log.Logger {
	return log.New(o.w, fmt.Sprintf("[%s] ", component), log.LstdFlags)
}

// DebugLogger returns a logger prefixed with "[component] DEBUG: " that
// discards everything unless verbose output is enabled.
func (o *Output) DebugLogger(component string) *log.Logger {
	if !o.verbose {
		return log.New(io.Discard, "", 0)
	}
	return log.New(o.w, fmt.Sprintf("[%s] DEBUG: ", component), log.LstdFlags)
}

// Close closes the log file, if any.
func (o *Output) Close() error {
	if o.file == nil {
		return nil
	}
	return o.file.Close()
}
