// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"fmt"

	"go.uber.org/zap"
)

const (
	logNEnv = 10
	// NEnv is the size of the environment id space.
	NEnv        = 1 << logNEnv
	envGenShift = 12
)

// EnvID identifies an environment. Zero in a system call argument
// means the calling environment.
type EnvID int32

// EnvX returns the environment table slot of id.
func EnvX(id EnvID) int {
	return int(id) & (NEnv - 1)
}

func (id EnvID) String() string {
	return fmt.Sprintf("%08x", int32(id))
}

// EnvStatus is the run state of an environment.
type EnvStatus int

const (
	EnvFree EnvStatus = iota
	EnvDying
	EnvRunnable
	EnvRunning
	EnvNotRunnable
)

func (s EnvStatus) String() string {
	switch s {
	case EnvFree:
		return "free"
	case EnvDying:
		return "dying"
	case EnvRunnable:
		return "runnable"
	case EnvRunning:
		return "running"
	case EnvNotRunnable:
		return "not runnable"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Entry is code run by an environment.
type Entry func(sys *Sys)

// Trapframe is the saved execution state of an environment: the
// continuation it runs when next scheduled.
type Trapframe struct {
	Resume Entry
}

// FaultCode describes a page fault.
type FaultCode uint32

const (
	// FaultProtect is set for a protection violation, clear for a
	// non-present page.
	FaultProtect FaultCode = 1 << iota
	// FaultWrite is set if the faulting access was a write.
	FaultWrite
	// FaultUser is set if the fault happened in user mode.
	FaultUser
)

// UTrapframe is the fault record delivered to a user page fault
// upcall.
type UTrapframe struct {
	FaultVA uintptr
	Err     FaultCode
}

// utfSize is the size of the encoded record pushed on the exception
// stack.
const utfSize = 16

// Upcall is the user entry point for page faults. A non-nil error is
// fatal to the environment.
type Upcall func(utf *UTrapframe) error

// EnvInfo is the read-only view of an environment table slot.
type EnvInfo struct {
	ID       EnvID
	ParentID EnvID
	Status   EnvStatus
	Runs     int
}

type env struct {
	id       EnvID
	parentID EnvID
	status   EnvStatus
	runs     int

	pgdir         Frame
	tf            Trapframe
	pgfaultUpcall Upcall

	// started is set once the environment's goroutine exists.
	started bool
	// killed asks a yielded environment to exit when resumed.
	killed  bool
	inFault bool
	wake    chan struct{}
	exitErr error
}

func (e *env) info() EnvInfo {
	return EnvInfo{
		ID:       e.id,
		ParentID: e.parentID,
		Status:   e.status,
		Runs:     e.runs,
	}
}

// envAlloc allocates an environment with an empty address space.
// Callers hold k.mu.
func (k *Kernel) envAlloc(parent EnvID) (*env, error) {
	idx := -1
	for i := range k.envs {
		if k.envs[i].status == EnvFree {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, ErrNoFreeEnv
	}
	pgdir, err := k.mem.alloc()
	if err != nil {
		return nil, err
	}
	k.mem.incref(pgdir)
	e := &k.envs[idx]
	generation := (e.id + (1 << envGenShift)) &^ (NEnv - 1)
	if generation <= 0 {
		generation = 1 << envGenShift
	}
	*e = env{
		id:       generation | EnvID(idx),
		parentID: parent,
		status:   EnvNotRunnable,
		pgdir:    pgdir,
		wake:     make(chan struct{}),
	}
	k.updateGauges()
	k.log.Debug("env allocated", zap.Stringer("env", e.id), zap.Stringer("parent", parent))
	return e, nil
}

// envid2env resolves id relative to cur. With checkperm, the target
// must be cur or one of its immediate children. Callers hold k.mu.
func (k *Kernel) envid2env(cur *env, id EnvID, checkperm bool) (*env, error) {
	if id == 0 {
		return cur, nil
	}
	e := &k.envs[EnvX(id)%len(k.envs)]
	if e.status == EnvFree || e.id != id {
		return nil, ErrBadEnv
	}
	if checkperm && e != cur && e.parentID != cur.id {
		return nil, ErrBadEnv
	}
	return e, nil
}

// envFree releases the address space of e and its slot. Callers
// hold k.mu.
func (k *Kernel) envFree(e *env, exitErr error) {
	pd := k.mem.table(e.pgdir)
	for pdx := 0; pdx < PDX(UTop); pdx++ {
		pde := pd[pdx]
		if !pde.Present() {
			continue
		}
		pt := k.mem.table(pde.Frame())
		for ptx := range pt {
			if pt[ptx].Present() {
				k.mem.remove(e.pgdir, PageAddr(pdx, ptx))
			}
		}
		pd[pdx] = 0
		k.mem.decref(pde.Frame())
	}
	k.mem.decref(e.pgdir)
	k.exits[e.id] = exitErr
	if exitErr != nil {
		k.log.Warn("env destroyed", zap.Stringer("env", e.id), zap.Error(exitErr))
	} else {
		k.log.Debug("env exited", zap.Stringer("env", e.id))
	}
	id := e.id
	*e = env{id: id, status: EnvFree}
	k.updateGauges()
}

// Spawn creates a runnable environment with a one page user stack
// that runs entry.
func (k *Kernel) Spawn(entry Entry) (EnvID, error) {
	if entry == nil {
		return 0, ErrInval
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	e, err := k.envAlloc(0)
	if err != nil {
		return 0, err
	}
	if err := k.mem.allocPage(e.pgdir, UStackTop-PageSize, PermUser|PermWritable); err != nil {
		k.envFree(e, err)
		return 0, err
	}
	e.tf = Trapframe{Resume: entry}
	e.status = EnvRunnable
	return e.id, nil
}

// ExitStatus reports whether the environment id has exited and, if
// it was destroyed, why.
func (k *Kernel) ExitStatus(id EnvID) (exited bool, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	err, exited = k.exits[id]
	return exited, err
}

// EnvInfo returns the table slot for id.
func (k *Kernel) EnvInfo(id EnvID) (EnvInfo, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e := &k.envs[EnvX(id)%len(k.envs)]
	if e.status == EnvFree || e.id != id {
		return EnvInfo{}, false
	}
	return e.info(), true
}
