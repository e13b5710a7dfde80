// SPDX-License-Identifier: Unlicense OR MIT

package fork

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"eliasnaur.com/cowfork/kernel"
)

var (
	// ErrUnhandledFault is the cause of every fault the copy-on-write
	// handler refuses to resolve.
	ErrUnhandledFault = errors.New("fork: unhandled page fault")
	// ErrNoHandler is returned by the upcall of a process without a
	// page fault handler.
	ErrNoHandler = errors.New("fork: no page fault handler")
)

// FaultError describes a fault that is not a write to a copy-on-write
// page.
type FaultError struct {
	VA   uintptr
	Code kernel.FaultCode
	// Perm is the mapping's permissions at the time of the fault, or
	// zero if the page was not mapped.
	Perm kernel.Perm
	// Reason is set when the fault was rejected for a reason other
	// than its code and permissions.
	Reason string
}

func (e *FaultError) Error() string {
	msg := fmt.Sprintf("fork: unhandled %s fault at %#x [%s]", e.Code, e.VA, e.Perm)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *FaultError) Unwrap() error {
	return ErrUnhandledFault
}

// SetPgfaultHandler sets the page fault handler of the calling
// environment. The first call allocates the exception stack and
// registers the upcall with the kernel.
func (p *Process) SetPgfaultHandler(h Handler) error {
	if p.handler == nil {
		xstack := kernel.UXStackTop - kernel.PageSize
		perm := kernel.PermPresent | kernel.PermUser | kernel.PermWritable
		if err := p.sys.PageAlloc(0, xstack, perm); err != nil {
			return fmt.Errorf("fork: allocate exception stack: %w", err)
		}
		if err := p.sys.EnvSetPgfaultUpcall(0, p.upcall); err != nil {
			return fmt.Errorf("fork: set page fault upcall: %w", err)
		}
	}
	p.handler = h
	return nil
}

// upcall is the entry point the kernel runs on the exception stack.
func (p *Process) upcall(utf *kernel.UTrapframe) error {
	if p.handler == nil {
		return ErrNoHandler
	}
	return p.handler(p, utf)
}

// pte returns the caller's mapping of va, checking the page
// directory before the page table.
func (p *Process) pte(va uintptr) kernel.PTE {
	if !p.sys.UVPD(kernel.PDX(va)).Present() {
		return 0
	}
	return p.sys.UVPT(kernel.PageNum(va))
}

// cowFault resolves a write to a copy-on-write page by giving the
// caller a private, writable copy.
func cowFault(p *Process, utf *kernel.UTrapframe) error {
	va := utf.FaultVA
	pte := p.pte(va)
	if utf.Err&kernel.FaultWrite == 0 || !pte.Present() || !pte.Has(PermCOW) {
		return &FaultError{VA: va, Code: utf.Err, Perm: pte.Perm()}
	}
	if p.staging {
		return &FaultError{VA: va, Code: utf.Err, Perm: pte.Perm(), Reason: "scratch page in use"}
	}
	va = kernel.RoundDown(va, kernel.PageSize)

	perm := kernel.PermPresent | kernel.PermUser | kernel.PermWritable
	if err := p.sys.PageAlloc(0, kernel.PFTemp, perm); err != nil {
		return fmt.Errorf("fork: allocate copy of %#x: %w", va, err)
	}
	p.staging = true
	defer func() {
		if p.staging {
			// Best effort; the fault is already fatal.
			p.sys.PageUnmap(0, kernel.PFTemp)
			p.staging = false
		}
	}()

	var page [kernel.PageSize]byte
	p.sys.Read(va, page[:])
	p.sys.Write(kernel.PFTemp, page[:])
	if err := p.sys.PageMap(0, kernel.PFTemp, 0, va, perm); err != nil {
		return fmt.Errorf("fork: map copy at %#x: %w", va, err)
	}
	if err := p.sys.PageUnmap(0, kernel.PFTemp); err != nil {
		return fmt.Errorf("fork: unmap scratch page: %w", err)
	}
	p.staging = false

	p.metrics.COWCopies.Inc()
	p.log.Debug("copied page", zap.Uintptr("va", va))
	return nil
}
