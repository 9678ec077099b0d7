// Package build provides the logging plumbing shared by every package in
// this module: a rotating log file, and the glue that lets each package
// declare its own subsystem logger without importing a concrete logging
// backend.
package build

import (
	"fmt"
	"os"
	"sync"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

// LogWriter holds the pipe end of a rotating log file.
type LogWriter struct {
	RotatorPipe *os.File
}

// RotatingLogWriter is the root logger. It owns the actual file rotator and
// keeps a registry of subsystem loggers so verbosity can be changed for one
// subsystem at a time after start-up.
type RotatingLogWriter struct {
	mu         sync.Mutex
	rotator    *rotator.Rotator
	subsystems map[string]btclog.Logger
	backend    *btclog.Backend
}

// NewRotatingLogWriter returns a log writer that has not yet been pointed at
// a log file. Callers must call InitLogRotator before logging starts.
func NewRotatingLogWriter() *RotatingLogWriter {
	return &RotatingLogWriter{
		subsystems: make(map[string]btclog.Logger),
	}
}

// InitLogRotator initializes the log file rotator to write logs to the
// passed path and create roll files with the given size/count limits.
func (r *RotatingLogWriter) InitLogRotator(logFile string, maxSizeMB, maxRolls int) error {
	if err := os.MkdirAll(dirOf(logFile), 0o700); err != nil {
		return fmt.Errorf("unable to create log directory: %w", err)
	}

	rot, err := rotator.New(logFile, int64(maxSizeMB*1024), false, maxRolls)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	r.mu.Lock()
	r.rotator = rot
	r.backend = btclog.NewBackend(rot)
	r.mu.Unlock()

	return nil
}

// GenSubLogger creates a new logger for a particular subsystem that writes
// to the rotating log file. Before InitLogRotator has run it returns a
// disabled logger.
func (r *RotatingLogWriter) GenSubLogger(tag string) btclog.Logger {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.backend == nil {
		return btclog.Disabled
	}
	return r.backend.Logger(tag)
}

// RegisterSubLogger registers the given logger under the given subsystem
// name so its level can be adjusted later.
func (r *RotatingLogWriter) RegisterSubLogger(subsystem string, logger btclog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subsystems[subsystem] = logger
}

// SetLogLevel sets the verbosity of a single, already-registered subsystem.
func (r *RotatingLogWriter) SetLogLevel(subsystem, level string) error {
	r.mu.Lock()
	logger, ok := r.subsystems[subsystem]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown subsystem %q", subsystem)
	}
	lvl, ok := btclog.LevelFromString(level)
	if !ok {
		return fmt.Errorf("unknown log level %q", level)
	}
	logger.SetLevel(lvl)
	return nil
}

// NewSubLogger creates a logger for the given subsystem. Before
// SetupLoggers has wired up a RotatingLogWriter, gen is nil and a disabled
// logger is returned so that early package-level `var xxxLog = ...`
// declarations never dereference a nil backend.
func NewSubLogger(subsystem string, gen func(string) btclog.Logger) btclog.Logger {
	if gen == nil {
		return btclog.Disabled
	}
	return gen(subsystem)
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
