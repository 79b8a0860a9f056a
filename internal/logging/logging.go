// Package logging provides the process-wide structured logger. Every
// package that performs I/O or makes a durability decision (pack finalize,
// idx build, ref CAS, quarantine) logs through here rather than calling
// fmt.Println directly.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
)

var (
	once   sync.Once
	logger *zap.Logger
)

// L returns the process-wide logger, building it on first use.
// PACKVAULT_DEBUG=1 switches to a development encoder (colored, human
// readable); otherwise a production JSON encoder is used.
func L() *zap.Logger {
	once.Do(func() {
		var err error
		if os.Getenv("PACKVAULT_DEBUG") != "" {
			logger, err = zap.NewDevelopment()
		} else {
			logger, err = zap.NewProduction()
		}
		if err != nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// Sync flushes any buffered log entries. Callers should defer this from
// main; the error is deliberately ignored on the common case of stderr
// being a non-syncable terminal.
func Sync() {
	_ = L().Sync()
}

// SetForTest installs a no-op logger, used by tests that don't want log
// output interleaved with test output.
func SetForTest() {
	once.Do(func() {})
	logger = zap.NewNop()
}
