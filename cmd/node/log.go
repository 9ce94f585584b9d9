package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/thanhnp/ledger-core/internal/api"
	"github.com/thanhnp/ledger-core/internal/chain"
	"github.com/thanhnp/ledger-core/internal/difficulty"
	"github.com/thanhnp/ledger-core/internal/mempool"
	"github.com/thanhnp/ledger-core/internal/node"
	"github.com/thanhnp/ledger-core/internal/notifier"
	"github.com/thanhnp/ledger-core/internal/proof"
	"github.com/thanhnp/ledger-core/internal/storage"
	"github.com/thanhnp/ledger-core/internal/sync"
	"github.com/thanhnp/ledger-core/internal/validation"
)

// logWriter implements an io.Writer that outputs to both standard output
// and the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

var (
	// backendLog is the logging backend used to create all subsystem
	// loggers.
	backendLog = btclog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs. It is nil until
	// initLogRotator is called.
	logRotator *rotator.Rotator

	mainLog = backendLog.Logger("MAIN")
	chanLog = backendLog.Logger("CHAN")
	diffLog = backendLog.Logger("DIFF")
	profLog = backendLog.Logger("PROF")
	valdLog = backendLog.Logger("VALD")
	mpolLog = backendLog.Logger("MPOL")
	ntfnLog = backendLog.Logger("NTFN")
	nodeLog = backendLog.Logger("NODE")
	syncLog = backendLog.Logger("SYNC")
	storLog = backendLog.Logger("STOR")
	httpLog = backendLog.Logger("HTTP")
)

// Initialize package-global logger variables.
func init() {
	chain.UseLogger(chanLog)
	difficulty.UseLogger(diffLog)
	proof.UseLogger(profLog)
	validation.UseLogger(valdLog)
	mempool.UseLogger(mpolLog)
	notifier.UseLogger(ntfnLog)
	node.UseLogger(nodeLog)
	sync.UseLogger(syncLog)
	storage.UseLogger(storLog)
	api.UseLogger(httpLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]btclog.Logger{
	"MAIN": mainLog,
	"CHAN": chanLog,
	"DIFF": diffLog,
	"PROF": profLog,
	"VALD": valdLog,
	"MPOL": mpolLog,
	"NTFN": ntfnLog,
	"NODE": nodeLog,
	"SYNC": syncLog,
	"STOR": storLog,
	"HTTP": httpLog,
}

// initLogRotator initializes the logging rotater to write logs to logFile and
// create roll files in the same directory.  It must be called before the
// package-global log rotater variables are used.
func initLogRotator(logFile string, maxSizeKB int64, maxRolls int) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	r, err := rotator.New(logFile, maxSizeKB, false, maxRolls)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	logRotator = r
	return nil
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level.
func setLogLevels(level string) error {
	lvl, ok := btclog.LevelFromString(level)
	if !ok {
		return fmt.Errorf("invalid log level: %s", level)
	}
	for _, logger := range subsystemLoggers {
		logger.SetLevel(lvl)
	}
	return nil
}
