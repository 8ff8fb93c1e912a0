package testutils

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bleserial/internal/runloop"
)

// QuietLogger returns a logger that discards everything. Tests that assert
// on log content install their own hook instead.
func QuietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// StartLoop creates and starts a run loop, stopping it on test cleanup.
func StartLoop(t *testing.T) *runloop.Loop {
	t.Helper()
	loop := runloop.New(QuietLogger())
	loop.Start()
	t.Cleanup(func() {
		loop.Stop()
		loop.Wait()
	})
	return loop
}

// Settle runs an empty task on the loop and waits for it, guaranteeing every
// previously posted task has executed. Events posted by those tasks may post
// further tasks, so Settle rounds a few times.
func Settle(loop *runloop.Loop) {
	for i := 0; i < 8; i++ {
		loop.Do(func() {})
	}
}

// WaitErr receives from a completion channel or fails after a timeout.
func WaitErr(t *testing.T, ch <-chan error, timeout time.Duration) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for completion", timeout)
		return nil
	}
}
