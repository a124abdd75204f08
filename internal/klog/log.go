// Package klog centralizes structured logging for every kernel component
// behind a single swappable github.com/go-kratos/kratos/v2/log.Logger, so a
// host process can redirect kernel logs into its own sink without every
// package taking a constructor argument.
package klog

import (
	"sync/atomic"

	"github.com/go-kratos/kratos/v2/log"
)

var helperStore atomic.Value // holds *log.Helper

func init() {
	helperStore.Store(log.NewHelper(log.DefaultLogger))
}

// SetLogger swaps the logger backing every kernel component. Safe to call
// concurrently with in-flight logging; readers always see a complete
// *log.Helper, never a partially constructed one.
func SetLogger(logger log.Logger) {
	helperStore.Store(log.NewHelper(logger))
	rawLogger.Store(logger)
}

// Helper returns the current shared log helper.
func Helper() *log.Helper {
	return helperStore.Load().(*log.Helper)
}

// With returns a helper with the given key/value fields attached, e.g.
// klog.With("plugin_id", id, "trace_id", traceID).Warnf(...).
func With(kvs ...any) *log.Helper {
	return log.NewHelper(log.With(currentLogger(), kvs...))
}

func currentLogger() log.Logger {
	// log.Helper does not expose its underlying Logger, so SetLogger also
	// keeps a raw logger reference for With() to compose against.
	return rawLogger.Load().(log.Logger)
}

var rawLogger atomic.Value // holds log.Logger

func init() {
	rawLogger.Store(log.DefaultLogger)
}
