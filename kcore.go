// Package kcore wires the concurrency core's six components — the
// interrupt discipline, wait queues, scheduler, futex table, semaphore
// and mutex — into one constructible, tearable-down unit. The
// individual components are process-wide singletons by construction
// (internal/sched.Scheduler, internal/futex.Table); Kernel is simply
// where a caller gets hold of both at once and gives them a
// consistent logging configuration.
package kcore

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/dijkstracula/kcore/internal/futex"
	"github.com/dijkstracula/kcore/internal/sched"
	"github.com/dijkstracula/kcore/kerrors"
	"github.com/dijkstracula/kcore/klog"
	"github.com/rs/zerolog"
)

// Config holds the kernel's construction-time tunables. There is no
// flag parsing, environment variable surface, or config file format:
// §6 excludes a CLI/environment surface from this core, so a Config is
// built in Go and passed to NewKernel directly.
type Config struct {
	// NumCores is how many simulated CPUs the scheduler manages.
	NumCores int
	// LogWriter receives every structured log line; defaults to
	// os.Stderr.
	LogWriter *os.File
	// LogLevel is the minimum zerolog level emitted.
	LogLevel zerolog.Level
}

// Default returns a Config with one core, info-level logging to
// stderr.
func Default() Config {
	return Config{
		NumCores:  1,
		LogWriter: os.Stderr,
		LogLevel:  zerolog.InfoLevel,
	}
}

// Kernel is the concurrency core: a scheduler, a futex table, and the
// logger both are built from.
type Kernel struct {
	Scheduler *sched.Scheduler
	Futex     *futex.Table

	log       klog.Logger
	shutdown  chan struct{}
	closeOnce sync.Once
}

// NewKernel constructs and starts a Kernel per cfg.
func NewKernel(cfg Config) (*Kernel, error) {
	if cfg.NumCores <= 0 {
		return nil, kerrors.New("kcore.NewKernel", kerrors.InvalidValue)
	}
	w := cfg.LogWriter
	if w == nil {
		w = os.Stderr
	}
	klog.Configure(w, cfg.LogLevel)
	log := klog.New("kernel")

	s, err := sched.New(cfg.NumCores, klog.New("sched"))
	if err != nil {
		return nil, kerrors.Wrap("kcore.NewKernel", kerrors.InvalidValue, err)
	}

	k := &Kernel{
		Scheduler: s,
		Futex:     futex.New(klog.New("futex")),
		log:       log,
		shutdown:  make(chan struct{}),
	}
	k.log.Info().Int("cores", cfg.NumCores).Msg("kernel started")
	return k, nil
}

// Shutdown tears the kernel down. It does not forcibly kill running
// threads or release blocked ones (a pending Join is released only by
// its own ctx); it marks the kernel as no longer accepting new work
// through this handle, so CreateThread on it fails afterwards. A real kernel has no notion of process
// exit while any vCPU is parked in halt; this is the in-process
// analogue bounded by ctx.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.closeOnce.Do(func() { close(k.shutdown) })
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		k.log.Info().Msg("kernel shutdown")
		return nil
	}
}

// CreateThread allocates a thread on the scheduler this Kernel owns.
func (k *Kernel) CreateThread(name string, basePrio int, affinity uint64, fn func(*sched.Thread)) (*sched.Thread, error) {
	select {
	case <-k.shutdown:
		return nil, kerrors.New("kcore.CreateThread", kerrors.InvalidValue)
	default:
	}
	return k.Scheduler.CreateThread(name, basePrio, affinity, fn)
}

// Join blocks caller until target exits, per §4.3/SPEC_FULL §C.3.
func (k *Kernel) Join(ctx context.Context, caller, target *sched.Thread) (int64, error) {
	return k.Scheduler.Join(ctx, caller, target)
}

// Panic implements §7's invariant-violation path: log the violation
// with a correlation id, dump every core's state and a Go stack trace,
// then block forever with logging disabled — the closest in-process
// analogue available to "broadcasts a panic IPI to halt other cores
// and spins with interrupts disabled" without a real CPU to halt.
// Panic never returns.
func (k *Kernel) Panic(reason string) {
	traceID := k.log.Panic(reason)

	var buf [1 << 16]byte
	n := runtime.Stack(buf[:], true)

	fmt.Fprintf(os.Stderr, "kernel panic (trace_id=%s): %s\n", traceID, reason)
	for i := 0; i < k.Scheduler.NumCores(); i++ {
		c := k.Scheduler.Core(i)
		fmt.Fprintf(os.Stderr, "  core %d: ready_count=%d\n", c.ID(), c.ReadyCount())
	}
	fmt.Fprintf(os.Stderr, "%s\n", buf[:n])

	zerolog.SetGlobalLevel(zerolog.Disabled)
	for {
		time.Sleep(time.Hour)
	}
}
