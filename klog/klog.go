// Package klog is the core's structured logging surface. It wraps
// zerolog the way the pack's logiface/zerolog backend does: a small,
// typed set of "fields every event carries" helpers instead of a
// freeform key-value API, so every log line emitted by the scheduler,
// futex table, and synchronization primitives is consistently
// queryable by core and thread id.
package klog

import (
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Logger is a thin handle around a zerolog.Logger pinned to a
// component name ("sched", "futex", "mutex", "sem", "kernel", ...).
type Logger struct {
	z zerolog.Logger
}

var (
	baseOnce sync.Once
	base     zerolog.Logger
)

func initBase(w io.Writer, level zerolog.Level) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	base = zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// New returns a Logger for component, writing to os.Stderr at info
// level unless Configure has already been called.
func New(component string) Logger {
	baseOnce.Do(func() { initBase(os.Stderr, zerolog.InfoLevel) })
	return Logger{z: base.With().Str("component", component).Logger()}
}

// Configure rebinds the process-wide base logger. It must be called, if
// at all, before any Logger is constructed with New; it exists so a
// caller embedding the kernel can redirect output or raise verbosity,
// e.g. in tests.
func Configure(w io.Writer, level zerolog.Level) {
	baseOnce.Do(func() {})
	initBase(w, level)
}

// WithCore returns a derived Logger carrying an additional core field.
func (l Logger) WithCore(core int) Logger {
	return Logger{z: l.z.With().Int("core", core).Logger()}
}

// WithThread returns a derived Logger carrying an additional thread
// field (id and human-readable name).
func (l Logger) WithThread(id uint64, name string) Logger {
	return Logger{z: l.z.With().Uint64("thread", id).Str("thread_name", name).Logger()}
}

func (l Logger) Trace() *zerolog.Event { return l.z.Trace() }
func (l Logger) Debug() *zerolog.Event { return l.z.Debug() }
func (l Logger) Info() *zerolog.Event  { return l.z.Info() }
func (l Logger) Warn() *zerolog.Event  { return l.z.Warn() }
func (l Logger) Error() *zerolog.Event { return l.z.Error() }

// Panic logs an invariant-violation event at panic severity, tagging it
// with a fresh correlation id so the rest of the panic dump (per-core
// state, stack trace) emitted around the call site can be tied back to
// this one event. It does not itself terminate the process; the
// core's panic path (kcore.Panic) owns that decision.
func (l Logger) Panic(reason string) (traceID string) {
	id := uuid.New().String()
	l.z.WithLevel(zerolog.PanicLevel).Str("trace_id", id).Str("reason", reason).Msg("kernel invariant violated")
	return id
}
