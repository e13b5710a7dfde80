// SPDX-License-Identifier: Unlicense OR MIT

// Package fork implements fork for user environments on top of the
// kernel's page mapping system calls, sharing memory copy-on-write.
package fork

import (
	"go.uber.org/zap"

	"eliasnaur.com/cowfork/internal/metrics"
	"eliasnaur.com/cowfork/kernel"
)

// Syscalls is the part of the kernel interface the library uses.
// *kernel.Sys implements it.
type Syscalls interface {
	GetEnvID() kernel.EnvID
	Cputs(str string)
	Yield()
	Env(envx int) kernel.EnvInfo
	Exofork(tf kernel.Trapframe) (kernel.EnvID, error)
	EnvSetStatus(id kernel.EnvID, status kernel.EnvStatus) error
	EnvSetPgfaultUpcall(id kernel.EnvID, upcall kernel.Upcall) error
	PageAlloc(id kernel.EnvID, va uintptr, perm kernel.Perm) error
	PageMap(srcid kernel.EnvID, srcva uintptr, dstid kernel.EnvID, dstva uintptr, perm kernel.Perm) error
	PageUnmap(id kernel.EnvID, va uintptr) error
	UVPD(pdx int) kernel.PTE
	UVPT(pn int) kernel.PTE
	Read(va uintptr, b []byte)
	Write(va uintptr, b []byte)
}

var _ Syscalls = (*kernel.Sys)(nil)

// Handler resolves a page fault in p. A non-nil error is fatal to
// the environment.
type Handler func(p *Process, utf *kernel.UTrapframe) error

// Process is the user side state of one environment.
type Process struct {
	sys Syscalls
	// handler is the process-wide page fault handler slot.
	handler Handler
	// self describes the environment this Process runs in.
	self kernel.EnvInfo
	// staging is set while the scratch page is mapped.
	staging bool

	// base is the logger without per-environment fields.
	base    *zap.Logger
	log     *zap.Logger
	metrics *metrics.Metrics
}

// Option configures a Process.
type Option func(p *Process)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Process) {
		p.base = l
	}
}

// WithMetrics sets the collectors the library reports to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Process) {
		p.metrics = m
	}
}

// New returns the user side state of the environment sys belongs to.
func New(sys Syscalls, opts ...Option) *Process {
	p := &Process{}
	for _, o := range opts {
		o(p)
	}
	if p.base == nil {
		p.base = zap.NewNop()
	}
	if p.metrics == nil {
		p.metrics = metrics.NewUnregistered()
	}
	p.attach(sys)
	return p
}

// Self returns the environment table entry of the calling
// environment, as resolved when the Process was bound to it.
func (p *Process) Self() kernel.EnvInfo {
	return p.self
}

// Sys returns the system call handle.
func (p *Process) Sys() Syscalls {
	return p.sys
}

// clone returns the state a child inherits: everything except the
// binding to an environment.
func (p *Process) clone() *Process {
	return &Process{
		handler: p.handler,
		base:    p.base,
		metrics: p.metrics,
	}
}

// attach binds p to the environment of sys and recomputes the self
// record from the environment's own id.
func (p *Process) attach(sys Syscalls) {
	p.sys = sys
	p.self = sys.Env(kernel.EnvX(sys.GetEnvID()))
	p.log = p.base.With(zap.Stringer("env", p.self.ID))
}
