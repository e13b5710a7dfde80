// SPDX-License-Identifier: Unlicense OR MIT

// User space interface to the kernel.

package kernel

import (
	"io"
	"runtime"

	"go.uber.org/zap"
)

// Sys is an environment's handle to the kernel. It is handed to the
// environment's entry and must only be used from the goroutine
// running that entry; Exit and unrecoverable faults terminate that
// goroutine.
type Sys struct {
	k   *Kernel
	env *env
	id  EnvID
}

// GetEnvID returns the id of the calling environment.
func (s *Sys) GetEnvID() EnvID {
	var id EnvID
	s.sysenter(sysGetEnvID, func(cur *env) error {
		id = cur.id
		return nil
	})
	return id
}

// Env returns the read-only environment table entry at slot envx.
func (s *Sys) Env(envx int) EnvInfo {
	s.k.mu.Lock()
	defer s.k.mu.Unlock()
	if envx < 0 || envx >= len(s.k.envs) {
		return EnvInfo{}
	}
	return s.k.envs[envx].info()
}

// Cputs writes str to the console.
func (s *Sys) Cputs(str string) {
	s.sysenter(sysCputs, func(cur *env) error {
		_, err := io.WriteString(s.k.console, str)
		return err
	})
}

// Yield gives up the processor. It returns when the scheduler next
// picks the calling environment.
func (s *Sys) Yield() {
	k := s.k
	var wake chan struct{}
	err := s.sysenter(sysYield, func(cur *env) error {
		cur.status = EnvRunnable
		wake = cur.wake
		return nil
	})
	if err != nil {
		return
	}
	k.trapped <- struct{}{}
	<-wake
	k.mu.Lock()
	killed := s.env.killed
	k.mu.Unlock()
	if killed {
		s.exit(errKilled)
	}
}

// Exit terminates the calling environment.
func (s *Sys) Exit() {
	s.exit(nil)
}

func (s *Sys) exit(err error) {
	s.k.mu.Lock()
	if s.env.id == s.id && s.env.status != EnvFree {
		s.env.exitErr = err
		s.env.status = EnvDying
	}
	s.k.mu.Unlock()
	runtime.Goexit()
}

// Exofork creates a new environment with an empty address space. It
// is not runnable until its parent marks it so; when it runs, it
// resumes at tf.
func (s *Sys) Exofork(tf Trapframe) (EnvID, error) {
	var id EnvID
	err := s.sysenter(sysExofork, func(cur *env) error {
		var err error
		id, err = s.k.exofork(cur, tf)
		return err
	})
	return id, err
}

// EnvSetStatus sets the status of a child environment to EnvRunnable
// or EnvNotRunnable.
func (s *Sys) EnvSetStatus(id EnvID, status EnvStatus) error {
	return s.sysenter(sysEnvSetStatus, func(cur *env) error {
		return s.k.envSetStatus(cur, id, status)
	})
}

// EnvSetPgfaultUpcall sets the page fault entry point of an
// environment.
func (s *Sys) EnvSetPgfaultUpcall(id EnvID, upcall Upcall) error {
	return s.sysenter(sysEnvSetPgfaultUpcall, func(cur *env) error {
		return s.k.envSetPgfaultUpcall(cur, id, upcall)
	})
}

// PageAlloc maps a fresh zeroed page at va in environment id,
// replacing any existing mapping.
func (s *Sys) PageAlloc(id EnvID, va uintptr, perm Perm) error {
	return s.sysenter(sysPageAlloc, func(cur *env) error {
		return s.k.pageAlloc(cur, id, va, perm)
	})
}

// PageMap maps the page at srcva in srcid at dstva in dstid. Both
// mappings then refer to the same frame.
func (s *Sys) PageMap(srcid EnvID, srcva uintptr, dstid EnvID, dstva uintptr, perm Perm) error {
	return s.sysenter(sysPageMap, func(cur *env) error {
		return s.k.pageMap(cur, srcid, srcva, dstid, dstva, perm)
	})
}

// PageUnmap removes the mapping at va in environment id, if any.
func (s *Sys) PageUnmap(id EnvID, va uintptr) error {
	return s.sysenter(sysPageUnmap, func(cur *env) error {
		return s.k.pageUnmap(cur, id, va)
	})
}

// UVPD returns the calling environment's page directory entry pdx.
func (s *Sys) UVPD(pdx int) PTE {
	s.k.mu.Lock()
	defer s.k.mu.Unlock()
	if pdx < 0 || pdx >= NPDEntries || s.env.id != s.id {
		return 0
	}
	return s.k.mem.table(s.env.pgdir)[pdx]
}

// UVPT returns the calling environment's page table entry for page
// number pn, or zero if its page table is absent.
func (s *Sys) UVPT(pn int) PTE {
	s.k.mu.Lock()
	defer s.k.mu.Unlock()
	if pn < 0 || pn >= NPDEntries*NPTEntries || s.env.id != s.id {
		return 0
	}
	pde := s.k.mem.table(s.env.pgdir)[pn/NPTEntries]
	if !pde.Present() {
		return 0
	}
	return s.k.mem.table(pde.Frame())[pn%NPTEntries]
}

func (s *Sys) logger() *zap.Logger {
	return s.k.log.With(zap.Stringer("env", s.id))
}
