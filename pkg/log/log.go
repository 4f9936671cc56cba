// Copyright 2026 gurthang project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package log provides the harness's logging with some extensions over the
// standard log package:
//   - sinks selected through environment variables ("1"=stdout, "2"=stderr,
//     anything else a file path), with logging disabled when the variable
//     is unset
//   - verbosity levels, raised by the debug environment variables
//   - fatal errors that terminate the process with the harness's sentinel
//     exit code, optionally bypassing teardown
//
// Standard error belongs to the harness; server response bodies go to
// standard output, so a file sink keeps diagnostics out of both.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// FatalExitCode is the process exit code for any fatal internal error. It
// is deliberately distinguishable from both a clean exit and the target's
// own crashes.
const FatalExitCode = 24060

var (
	mu            sync.Mutex
	sink          io.Writer
	sinkFile      *os.File
	prefix        string
	verbosity     int
	exitImmediate bool
)

// Setup configures the log from an environment variable per the sink
// contract: "1" means stdout, "2" means stderr, any other value is treated
// as a file path. An unset variable leaves logging disabled. The prefix
// tags every line (the preload side and the mutator side use separate
// prefixes so a shared file stays readable).
func Setup(prefixStr, envVar string) error {
	val := os.Getenv(envVar)
	mu.Lock()
	defer mu.Unlock()
	prefix = prefixStr
	switch val {
	case "":
		sink = nil
	case "1":
		sink = os.Stdout
	case "2":
		sink = os.Stderr
	default:
		f, err := os.OpenFile(val, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %v: %w", val, err)
		}
		sinkFile = f
		sink = f
	}
	return nil
}

// SetVerbosity sets the highest verbosity level that gets written.
func SetVerbosity(v int) {
	mu.Lock()
	defer mu.Unlock()
	verbosity = v
}

// Enabled reports whether a sink is configured.
func Enabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return sink != nil
}

// SetExitImmediate makes Fatalf skip log teardown before exiting, for
// targets whose exit handlers must only run on their own threads.
func SetExitImmediate(on bool) {
	mu.Lock()
	defer mu.Unlock()
	exitImmediate = on
}

// Logf writes one line at the given verbosity level. Level 0 is always
// written when a sink is configured; higher levels require SetVerbosity.
func Logf(v int, msg string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if sink == nil || v > verbosity {
		return
	}
	writeLine(fmt.Sprintf(msg, args...))
}

// Fatalf writes a diagnostic to stderr (and the sink, if any) and
// terminates the process with FatalExitCode.
func Fatalf(msg string, args ...interface{}) {
	line := fmt.Sprintf(msg, args...)
	fmt.Fprintf(os.Stderr, "Fatal Error: %v\n", line)
	mu.Lock()
	if sink != nil {
		writeLine("Fatal Error: " + line)
	}
	if !exitImmediate {
		closeLocked()
	}
	mu.Unlock()
	os.Exit(FatalExitCode)
}

// Close flushes and releases a file sink, if one was opened.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	closeLocked()
}

func writeLine(line string) {
	ts := time.Now().Format("2006/01/02 15:04:05")
	fmt.Fprintf(sink, "%v [%v] %v\n", ts, prefix, line)
}

func closeLocked() {
	if sinkFile != nil {
		sinkFile.Close()
		sinkFile = nil
		sink = nil
	}
}
