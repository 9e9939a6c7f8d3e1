package testutils

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/decred/slog"
)

// TestLogBackend is a slog backend suitable for using with tests.
type TestLogBackend struct {
	mtx     sync.Mutex
	tb      testing.TB
	done    bool
	showLog bool
}

func (tlb *TestLogBackend) Write(b []byte) (int, error) {
	tlb.mtx.Lock()
	if !tlb.done && tlb.showLog {
		tlb.tb.Log(strings.TrimRight(string(b), "\n"))
	}
	tlb.mtx.Unlock()
	return len(b), nil
}

type TestLogBackendOption func(t *TestLogBackend)

func WithShowLog(showLog bool) TestLogBackendOption {
	return func(t *TestLogBackend) {
		t.showLog = showLog
	}
}

// NewTestLogBackend returns a log backend that can be used as an io.Writer to
// write logs to during a test.
func NewTestLogBackend(t testing.TB, opts ...TestLogBackendOption) *TestLogBackend {
	tlb := &TestLogBackend{tb: t, showLog: true}
	for _, opt := range opts {
		opt(tlb)
	}
	t.Cleanup(func() {
		tlb.mtx.Lock()
		tlb.done = true
		tlb.mtx.Unlock()
	})
	return tlb
}

// TestLoggerBackend returns a function that generates loggers for subsystems,
// all of which log by calling t.Log.
func TestLoggerBackend(t testing.TB, name string) func(subsys string) slog.Logger {
	tlb := NewTestLogBackend(t)
	bknd := slog.NewBackend(tlb)
	return func(subsys string) slog.Logger {
		logg := bknd.Logger(fmt.Sprintf("%7s - %s", name, subsys))
		logg.SetLevel(slog.LevelTrace)
		return logg
	}
}
