// Package async spawns background goroutines that survive panics. Engine
// loops run for the lifetime of the process; a panic in one must be logged,
// not allowed to take the whole engine down.
package async

import "runtime/debug"

// PanicLogger receives panic reports from background goroutines.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go runs fn in a goroutine guarded by panic recovery. name tags the
// goroutine in panic reports.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs a panic and its stack without crashing the process. Use as
// a deferred call at the top of long-lived goroutines.
func Recover(logger PanicLogger, name string) {
	r := recover()
	if r == nil || logger == nil {
		return
	}
	if name == "" {
		name = "unnamed"
	}
	logger.Error("goroutine panic [%s]: %v, stack: %s", name, r, debug.Stack())
}
