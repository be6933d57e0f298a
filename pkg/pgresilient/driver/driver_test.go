package driver

import (
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
)

func TestMsToDurationConverts(t *testing.T) {
	if got := msToDuration(5000); got != 5*time.Second {
		t.Fatalf("expected 5s, got %v", got)
	}
}

func TestSecToDurationConverts(t *testing.T) {
	if got := secToDuration(600); got != 10*time.Minute {
		t.Fatalf("expected 10m, got %v", got)
	}
}

func TestErrorTracerReportsOnlyRetriableFailures(t *testing.T) {
	var reported []error
	tr := newErrorTracer(func(err error) { reported = append(reported, err) })

	et := tr.(*errorTracer)

	et.TraceQueryEnd(nil, nil, pgx.TraceQueryEndData{})
	if len(reported) != 0 {
		t.Fatalf("nil error must not be reported, got %v", reported)
	}

	nonRetriable := errors.New("syntax error at or near \"SELET\"")
	et.TraceQueryEnd(nil, nil, pgx.TraceQueryEndData{Err: nonRetriable})
	if len(reported) != 0 {
		t.Fatalf("non-retriable error must not be reported, got %v", reported)
	}
}

func TestErrorTracerIgnoresNilCallback(t *testing.T) {
	et := &errorTracer{}
	// must not panic when onConnError is nil.
	et.TraceQueryEnd(nil, nil, pgx.TraceQueryEndData{Err: errors.New("boom")})
}
