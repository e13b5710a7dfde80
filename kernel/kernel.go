// SPDX-License-Identifier: Unlicense OR MIT

// Package kernel simulates a small exokernel: physical memory with
// two-level page tables, environments, and the system calls a user
// library needs to build fork on top of copy-on-write faults.
package kernel

import (
	"io"
	"sync"

	"go.uber.org/zap"

	"eliasnaur.com/cowfork/internal/metrics"
)

// kernError is an error type usable in kernel code.
type kernError string

func (k kernError) Error() string {
	return string(k)
}

// fatal reports a broken kernel invariant.
func fatal(msg string) {
	panic(kernError("fatal error: " + msg))
}

// Config describes the simulated machine.
type Config struct {
	// Frames is the number of physical frames.
	Frames int
	// MaxEnvs is the number of environment slots, at most NEnv.
	MaxEnvs int
	// Console receives the output of Cputs. Nil discards it.
	Console io.Writer
}

// DefaultConfig returns a machine with 16 MB of memory and 64
// environments.
func DefaultConfig() Config {
	return Config{
		Frames:  4096,
		MaxEnvs: 64,
	}
}

// Option configures a Kernel.
type Option func(k *Kernel)

// WithLogger sets the kernel logger.
func WithLogger(l *zap.Logger) Option {
	return func(k *Kernel) {
		k.log = l
	}
}

// WithMetrics sets the collectors the kernel reports to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(k *Kernel) {
		k.metrics = m
	}
}

// Kernel is a simulated uniprocessor machine.
type Kernel struct {
	// mu guards all kernel state. It is never held while user code
	// runs.
	mu sync.Mutex

	mem     *memory
	envs    []env
	console io.Writer

	// last is the slot of the most recently scheduled environment.
	last int
	// trapped is signalled by an environment's goroutine whenever it
	// gives the processor back to the scheduler.
	trapped chan struct{}
	exits   map[EnvID]error

	log     *zap.Logger
	metrics *metrics.Metrics
}

// New boots a kernel.
func New(cfg Config, opts ...Option) (*Kernel, error) {
	if cfg.MaxEnvs < 1 || cfg.MaxEnvs > NEnv {
		return nil, kernError("kernel: MaxEnvs out of range")
	}
	mem, err := newMemory(cfg.Frames)
	if err != nil {
		return nil, err
	}
	k := &Kernel{
		mem:     mem,
		envs:    make([]env, cfg.MaxEnvs),
		console: cfg.Console,
		last:    -1,
		trapped: make(chan struct{}),
		exits:   make(map[EnvID]error),
	}
	if k.console == nil {
		k.console = io.Discard
	}
	for _, o := range opts {
		o(k)
	}
	if k.log == nil {
		k.log = zap.NewNop()
	}
	if k.metrics == nil {
		k.metrics = metrics.NewUnregistered()
	}
	k.log.Info("kernel booted",
		zap.Int("frames", cfg.Frames),
		zap.Int("maxEnvs", cfg.MaxEnvs))
	return k, nil
}

// Close kills every remaining environment and releases physical
// memory. Close must not be called while Run is in progress.
func (k *Kernel) Close() error {
	k.shutdown()
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.mem.release()
}

func (k *Kernel) updateGauges() {
	k.metrics.FramesInUse.Set(float64(k.mem.inUse))
	live := 0
	for i := range k.envs {
		if k.envs[i].status != EnvFree {
			live++
		}
	}
	k.metrics.Envs.Set(float64(live))
}
