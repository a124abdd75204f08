// Package audit implements the audit-sink half of the Audit & Event Bus
// (C11): a bounded-queue async worker with drop-newest overflow, argument
// fingerprinting, and Prometheus counters for dropped/processed records.
package audit

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-lynx/kernel/internal/klog"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/blake2b"
)

// QueueCapacity is spec.md's fixed bounded-queue size.
const QueueCapacity = 1000

// DrainTimeout bounds how long Shutdown waits for the queue to empty
// before aborting.
const DrainTimeout = 5 * time.Second

// Record is one audit entry; it never references live plugin objects
// (spec.md §3), only stable identifiers and a fingerprint of the args.
type Record struct {
	TraceID         string
	CallerPluginID  string
	Action          string
	Resource        string
	ArgsFingerprint string
	ResultSummary   string
	DurationNanos   int64
	Success         bool
}

// Sink persists Records; out-of-scope collaborators (log/file/db) implement
// this.
type Sink interface {
	Write(Record)
}

var (
	processedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kernel",
		Subsystem: "audit",
		Name:      "processed_total",
		Help:      "Audit records successfully handed to the sink.",
	})
	droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kernel",
		Subsystem: "audit",
		Name:      "dropped_total",
		Help:      "Audit records dropped because the queue was full.",
	})
)

func init() {
	prometheus.MustRegister(processedTotal, droppedTotal)
}

// Executor is the bounded-queue async audit worker.
type Executor struct {
	sink   Sink
	queue  chan Record
	done   chan struct{}
	closed chan struct{}
}

// NewExecutor starts the worker goroutine draining into sink.
func NewExecutor(sink Sink) *Executor {
	e := &Executor{
		sink:   sink,
		queue:  make(chan Record, QueueCapacity),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Executor) run() {
	defer close(e.closed)
	for {
		select {
		case rec, ok := <-e.queue:
			if !ok {
				return
			}
			e.sink.Write(rec)
			processedTotal.Inc()
		case <-e.done:
			// Drain whatever is already queued, then stop.
			for {
				select {
				case rec := <-e.queue:
					e.sink.Write(rec)
					processedTotal.Inc()
				default:
					return
				}
			}
		}
	}
}

// Submit enqueues rec without blocking the calling business path. If the
// queue is full, rec is dropped and droppedTotal is incremented.
func (e *Executor) Submit(rec Record) {
	select {
	case e.queue <- rec:
	default:
		droppedTotal.Inc()
		klog.Helper().Warnw("msg", "audit queue full, dropping record",
			"trace", rec.TraceID, "resource", rec.Resource)
	}
}

// Shutdown signals the worker to drain and stop, waiting up to DrainTimeout
// before giving up.
func (e *Executor) Shutdown(ctx context.Context) {
	close(e.done)
	timeout := time.NewTimer(DrainTimeout)
	defer timeout.Stop()
	select {
	case <-e.closed:
	case <-timeout.C:
		klog.Helper().Warnw("msg", "audit executor drain timed out, aborting")
	case <-ctx.Done():
	}
}

// Fingerprint hashes an opaque args summary so the audit record never
// carries live argument values, only a stable digest.
func Fingerprint(args ...any) string {
	h, err := blake2b.New256(nil)
	if err != nil {
		return ""
	}
	for _, a := range args {
		fmt.Fprintf(h, "%v|", a)
	}
	return hex.EncodeToString(h.Sum(nil))
}
