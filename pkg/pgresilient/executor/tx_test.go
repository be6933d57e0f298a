package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/riverstonedata/pgresilient/pkg/observability/noop"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/config"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/driver"
	"github.com/riverstonedata/pgresilient/pkg/pgresilient/rerror"
)

func TestTxExecutorSurfacesNonRetriableBeginFailure(t *testing.T) {
	nonRetriable := retriablePgError("42601")
	s := &fakeSupervisor{acquireFn: func(int) (driver.Handle, error) {
		return &fakeHandle{beginErr: nonRetriable}, nil
	}}
	e := NewTxExecutor(config.Executor{MaxAttempts: 3}, s, noop.NewProvider())

	_, err := e.Execute(context.Background(), []Statement{{SQL: "UPDATE t SET x=1"}})
	if !errors.Is(err, nonRetriable) {
		t.Fatalf("expected the syntax error to surface, got %v", err)
	}
	if got := s.attempts.Load(); got != 1 {
		t.Fatalf("expected exactly one attempt for a non-retriable BEGIN failure, got %d", got)
	}
}

func TestTxExecutorRetriesTransientBeginFailure(t *testing.T) {
	transient := retriablePgError("40001")
	var calls atomic.Int32
	s := &fakeSupervisor{acquireFn: func(attempt int) (driver.Handle, error) {
		calls.Add(1)
		return &fakeHandle{beginErr: transient}, nil
	}}
	e := NewTxExecutor(config.Executor{MaxAttempts: 2}, s, noop.NewProvider())

	_, err := e.Execute(context.Background(), []Statement{{SQL: "SELECT 1"}})
	if !errors.Is(err, transient) {
		t.Fatalf("expected the transient BEGIN error to surface after exhausting attempts, got %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", got)
	}
}

func TestTxExecutorMaxAttemptsOneDisablesRetry(t *testing.T) {
	transient := retriablePgError("40001")
	s := &fakeSupervisor{acquireFn: func(int) (driver.Handle, error) {
		return &fakeHandle{beginErr: transient}, nil
	}}
	e := NewTxExecutor(config.Executor{MaxAttempts: 1}, s, noop.NewProvider())

	_, err := e.Execute(context.Background(), []Statement{{SQL: "SELECT 1"}})
	if !errors.Is(err, transient) {
		t.Fatalf("expected the transient error to surface on the only attempt, got %v", err)
	}
	if got := s.attempts.Load(); got != 1 {
		t.Fatalf("expected exactly 1 attempt with MaxAttempts=1, got %d", got)
	}
}

func TestTxExecutorRejectsAfterShutdown(t *testing.T) {
	s := &fakeSupervisor{acquireFn: func(int) (driver.Handle, error) {
		t.Fatal("Acquire should not be called after shutdown")
		return nil, nil
	}}
	e := NewTxExecutor(config.Executor{MaxAttempts: 3}, s, noop.NewProvider())

	if err := e.Shutdown(context.Background(), time.Second); err != nil {
		t.Fatalf("unexpected Shutdown error: %v", err)
	}

	_, err := e.Execute(context.Background(), []Statement{{SQL: "SELECT 1"}})
	if !rerror.IsShutdown(err) {
		t.Fatalf("expected a shutdown error, got %v", err)
	}
}

func TestTxExecutorShutdownTimesOutWithRequestsStillInFlight(t *testing.T) {
	s := &fakeSupervisor{}
	e := NewTxExecutor(config.Executor{MaxAttempts: 1}, s, noop.NewProvider())
	e.activeRequests.Add(1)

	err := e.Shutdown(context.Background(), 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout error with a request still in flight")
	}
}
