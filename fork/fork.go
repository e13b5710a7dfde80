// SPDX-License-Identifier: Unlicense OR MIT

package fork

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"eliasnaur.com/cowfork/kernel"
)

// ErrSforkNotSupported is the result of Sfork.
var ErrSforkNotSupported = errors.New("fork: sfork not supported")

// Kind tells which side of a fork a Result describes.
type Kind int

const (
	// KindError means no child was created.
	KindError Kind = iota
	// KindParent is returned to the caller of Fork.
	KindParent
	// KindChild is passed to the child's continuation.
	KindChild
)

func (k Kind) String() string {
	switch k {
	case KindError:
		return "error"
	case KindParent:
		return "parent"
	case KindChild:
		return "child"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is the outcome of a fork as seen by one side.
type Result struct {
	Kind Kind
	// Child is the new environment, set for KindParent.
	Child kernel.EnvID
	// Err is set for KindError.
	Err error
}

// Continuation is where the child resumes after a fork. p is the
// child's own Process.
type Continuation func(p *Process, r Result)

// Fork creates a child environment that shares the caller's address
// space copy-on-write. The caller gets a KindParent result carrying
// the child's id, or KindError if the child could not be set up; a
// child that was created but not made runnable never runs. The child
// starts in resume with a KindChild result.
func (p *Process) Fork(resume Continuation) Result {
	child, err := p.fork(resume)
	if err != nil {
		p.metrics.Forks.WithLabelValues("error").Inc()
		p.log.Error("fork failed", zap.Error(err))
		return Result{Kind: KindError, Err: err}
	}
	p.metrics.Forks.WithLabelValues("ok").Inc()
	p.log.Debug("forked", zap.Stringer("child", child))
	return Result{Kind: KindParent, Child: child}
}

func (p *Process) fork(resume Continuation) (kernel.EnvID, error) {
	if resume == nil {
		return 0, errors.New("fork: nil continuation")
	}
	if err := p.SetPgfaultHandler(cowFault); err != nil {
		return 0, err
	}
	c := p.clone()
	child, err := p.sys.Exofork(kernel.Trapframe{
		Resume: func(sys *kernel.Sys) {
			c.attach(sys)
			resume(c, Result{Kind: KindChild})
		},
	})
	if err != nil {
		return 0, fmt.Errorf("fork: exofork: %w", err)
	}

	xstack := kernel.UXStackTop - kernel.PageSize
	for pdx := 0; pdx < kernel.PDX(kernel.UTop); pdx++ {
		if !p.sys.UVPD(pdx).Present() {
			continue
		}
		for ptx := 0; ptx < kernel.NPTEntries; ptx++ {
			va := kernel.PageAddr(pdx, ptx)
			if va == xstack {
				continue
			}
			pn := kernel.PageNum(va)
			if !p.sys.UVPT(pn).Present() {
				continue
			}
			if err := p.duppage(child, pn); err != nil {
				return 0, err
			}
		}
	}

	perm := kernel.PermPresent | kernel.PermUser | kernel.PermWritable
	if err := p.sys.PageAlloc(child, xstack, perm); err != nil {
		return 0, fmt.Errorf("fork: allocate child exception stack: %w", err)
	}
	if err := p.sys.EnvSetPgfaultUpcall(child, c.upcall); err != nil {
		return 0, fmt.Errorf("fork: set child upcall: %w", err)
	}
	if err := p.sys.EnvSetStatus(child, kernel.EnvRunnable); err != nil {
		return 0, fmt.Errorf("fork: start child: %w", err)
	}
	return child, nil
}

// Sfork would create a child sharing all memory but the stack. It is
// not supported and has no side effects.
func (p *Process) Sfork(resume Continuation) Result {
	return Result{Kind: KindError, Err: ErrSforkNotSupported}
}
