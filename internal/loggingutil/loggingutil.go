// Package loggingutil provides shared logger fallbacks so components never
// need nil checks before emitting log entries.
package loggingutil

import (
	"io"
	"sync"

	"pkt.systems/pslog"
)

var (
	noopOnce   sync.Once
	noopLogger pslog.Logger
)

// NoopLogger returns a disabled pslog.Logger that discards all entries.
func NoopLogger() pslog.Logger {
	noopOnce.Do(func() {
		noopLogger = pslog.NewWithOptions(io.Discard, pslog.Options{
			Mode:     pslog.ModeStructured,
			MinLevel: pslog.Disabled,
		})
	})
	return noopLogger
}

// EnsureLogger returns l when non-nil, otherwise a disabled logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return NoopLogger()
}
