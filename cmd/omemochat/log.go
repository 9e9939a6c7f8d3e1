package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

// logBackend routes subsystem loggers to stderr and a rotated log file.
type logBackend struct {
	logRotator      *rotator.Rotator
	bknd            *slog.Backend
	defaultLogLevel slog.Level
	logLevels       map[string]slog.Level

	loggersMtx sync.Mutex
	loggers    map[string]slog.Logger
}

func newLogBackend(logFile, debugLevel string, maxLogFiles int) (*logBackend, error) {
	var logRotator *rotator.Rotator
	if logFile != "" {
		logDir, _ := filepath.Split(logFile)
		err := os.MkdirAll(logDir, 0o700)
		if err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		logRotator, err = rotator.New(logFile, 1024, false, maxLogFiles)
		if err != nil {
			return nil, fmt.Errorf("failed to create file rotator: %w", err)
		}
	}

	b := &logBackend{
		logRotator:      logRotator,
		defaultLogLevel: slog.LevelInfo,
		logLevels:       make(map[string]slog.Level),
		loggers:         make(map[string]slog.Logger),
	}
	b.bknd = slog.NewBackend(b)

	// Parse the debugLevel string into log levels for each subsystem.
	for _, v := range strings.Split(debugLevel, ",") {
		fields := strings.Split(v, "=")
		if len(fields) == 1 {
			b.defaultLogLevel, _ = slog.LevelFromString(fields[0])
		} else if len(fields) == 2 {
			subsys := fields[0]
			level, _ := slog.LevelFromString(fields[1])
			b.logLevels[subsys] = level
		} else {
			return nil, fmt.Errorf("unable to parse %q as subsys=level "+
				"debuglevel string", v)
		}
	}

	return b, nil
}

func (bknd *logBackend) Write(b []byte) (int, error) {
	os.Stderr.Write(b)
	if bknd.logRotator != nil {
		bknd.logRotator.Write(b)
	}
	return len(b), nil
}

func (bknd *logBackend) close() {
	if bknd.logRotator != nil {
		bknd.logRotator.Close()
	}
}

func (bknd *logBackend) logger(subsys string) slog.Logger {
	bknd.loggersMtx.Lock()
	defer bknd.loggersMtx.Unlock()

	if l, ok := bknd.loggers[subsys]; ok {
		return l
	}

	l := bknd.bknd.Logger(subsys)
	bknd.loggers[subsys] = l
	if level, ok := bknd.logLevels[subsys]; ok {
		l.SetLevel(level)
	} else {
		l.SetLevel(bknd.defaultLogLevel)
	}

	return l
}

// namedLogger prefixes every subsystem with a client name.
func (bknd *logBackend) namedLogger(name string) func(string) slog.Logger {
	return func(subsys string) slog.Logger {
		return bknd.logger(fmt.Sprintf("%s-%s", name, subsys))
	}
}

var _ io.Writer = (*logBackend)(nil)
