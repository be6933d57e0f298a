package rerror

import (
	"errors"
	"strings"
	"testing"
)

func TestNewWrapsAndUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := New(KindTransient, "execute", cause)

	if !errors.Is(err, cause) {
		t.Fatalf("expected Is(err, cause) to hold")
	}
	if !strings.Contains(err.Error(), "execute") || !strings.Contains(err.Error(), "transient") {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}

func TestIsShutdown(t *testing.T) {
	wrapped := New(KindShutdown, "acquire", ErrShuttingDown)
	if !IsShutdown(wrapped) {
		t.Fatalf("expected IsShutdown to recognize a wrapped ErrShuttingDown")
	}
	if IsShutdown(errors.New("unrelated")) {
		t.Fatalf("unrelated error should not be classified as shutdown")
	}
}

func TestNewAggregateNilWhenEmpty(t *testing.T) {
	if err := NewAggregate(nil); err != nil {
		t.Fatalf("expected nil for empty failure set, got %v", err)
	}
}

func TestNewAggregateSummarizesCount(t *testing.T) {
	err := NewAggregate(map[string]error{
		"query-executor": errors.New("timed out"),
		"supervisor":     errors.New("destroy failed"),
	})
	if err == nil {
		t.Fatal("expected a non-nil aggregate error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "2 shutdown failure") {
		t.Fatalf("expected count in message, got %q", msg)
	}
}
