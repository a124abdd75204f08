package audit

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu      sync.Mutex
	records []Record
}

func (s *recordingSink) Write(r Record) {
	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func TestSubmitAndDrainOnShutdown(t *testing.T) {
	sink := &recordingSink{}
	e := NewExecutor(sink)
	for i := 0; i < 10; i++ {
		e.Submit(Record{TraceID: "t", Resource: "r"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e.Shutdown(ctx)

	if sink.count() != 10 {
		t.Fatalf("expected all 10 records drained, got %d", sink.count())
	}
}

func TestFingerprintStableForSameArgs(t *testing.T) {
	a := Fingerprint("x", 1, true)
	b := Fingerprint("x", 1, true)
	c := Fingerprint("x", 2, true)
	if a != b {
		t.Fatalf("expected identical args to fingerprint identically")
	}
	if a == c {
		t.Fatalf("expected different args to fingerprint differently")
	}
}

func TestFingerprintHandlesNoArgs(t *testing.T) {
	if Fingerprint() == "" {
		t.Fatalf("expected a non-empty fingerprint even with no args")
	}
}
