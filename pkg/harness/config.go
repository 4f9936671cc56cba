// Copyright 2026 gurthang project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package harness

import (
	"fmt"
	"os"
	"strconv"
)

// Environment variables understood by the harness side.
const (
	EnvLog           = "GURTHANG_LIB_LOG"
	EnvSendBufSize   = "GURTHANG_LIB_SEND_BUFFSIZE"
	EnvRecvBufSize   = "GURTHANG_LIB_RECV_BUFFSIZE"
	EnvNoWait        = "GURTHANG_LIB_NO_WAIT"
	EnvExitImmediate = "GURTHANG_LIB_EXIT_IMMEDIATE"
)

const (
	// DefaultBufSize is the per-call send/recv piece size.
	DefaultBufSize = 2048
	// MaxBufSize caps both tunables.
	MaxBufSize = 1 << 19
)

// Config carries the process-wide harness tuning.
type Config struct {
	// SendBufSize is the number of bytes pushed per send call.
	SendBufSize int
	// RecvBufSize is the size of the response read buffer.
	RecvBufSize int
	// Parallel selects the nondeterministic all-at-once dispatch discipline.
	// The default (serial) keeps cross-connection ordering reproducible
	// from one run of the same input to the next.
	Parallel bool
	// ExitImmediate makes process termination bypass teardown. Targets
	// that install exit handlers expected to run only on their own threads
	// otherwise deadlock or crash when the controller exits.
	ExitImmediate bool
}

// DefaultConfig returns the built-in tuning.
func DefaultConfig() *Config {
	return &Config{
		SendBufSize: DefaultBufSize,
		RecvBufSize: DefaultBufSize,
	}
}

// ConfigFromEnv builds the config from the GURTHANG_LIB_* environment
// variables. An unparseable numeric value is an error; the caller treats it
// as fatal at startup.
func ConfigFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	var err error
	if cfg.SendBufSize, err = sizeFromEnv(EnvSendBufSize, cfg.SendBufSize); err != nil {
		return nil, err
	}
	if cfg.RecvBufSize, err = sizeFromEnv(EnvRecvBufSize, cfg.RecvBufSize); err != nil {
		return nil, err
	}
	cfg.Parallel = os.Getenv(EnvNoWait) != ""
	cfg.ExitImmediate = os.Getenv(EnvExitImmediate) != ""
	return cfg, nil
}

func sizeFromEnv(name string, def int) (int, error) {
	val := os.Getenv(name)
	if val == "" {
		return def, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%v must be set to a positive integer", name)
	}
	if n > MaxBufSize {
		n = MaxBufSize
	}
	return n, nil
}
