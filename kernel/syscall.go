// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import "go.uber.org/zap"

type sysno int

const (
	sysGetEnvID sysno = iota
	sysCputs
	sysYield
	sysExofork
	sysEnvSetStatus
	sysEnvSetPgfaultUpcall
	sysPageAlloc
	sysPageMap
	sysPageUnmap
)

var sysnames = [...]string{
	sysGetEnvID:            "getenvid",
	sysCputs:               "cputs",
	sysYield:               "yield",
	sysExofork:             "exofork",
	sysEnvSetStatus:        "env_set_status",
	sysEnvSetPgfaultUpcall: "env_set_pgfault_upcall",
	sysPageAlloc:           "page_alloc",
	sysPageMap:             "page_map",
	sysPageUnmap:           "page_unmap",
}

func (n sysno) String() string {
	return sysnames[n]
}

// sysenter runs fn as system call num on behalf of s, with the
// kernel lock held.
func (s *Sys) sysenter(num sysno, fn func(cur *env) error) error {
	k := s.k
	k.mu.Lock()
	var err error
	if s.env.id != s.id || s.env.status == EnvFree {
		err = ErrBadEnv
	} else {
		err = fn(s.env)
	}
	k.updateGauges()
	k.mu.Unlock()

	result := "ok"
	if err != nil {
		result = "error"
	}
	k.metrics.Syscalls.WithLabelValues(num.String(), result).Inc()
	if ce := k.log.Check(zap.DebugLevel, "syscall"); ce != nil {
		ce.Write(zap.Stringer("env", s.id), zap.Stringer("sys", num), zap.Error(err))
	}
	return err
}

func checkVA(va uintptr) error {
	if va >= UTop || va%PageSize != 0 {
		return ErrInval
	}
	return nil
}

func checkPerm(perm Perm) error {
	if perm&(PermUser|PermPresent) != PermUser|PermPresent || perm&^PermSyscall != 0 {
		return ErrInval
	}
	return nil
}

func (k *Kernel) exofork(cur *env, tf Trapframe) (EnvID, error) {
	if tf.Resume == nil {
		return 0, ErrInval
	}
	e, err := k.envAlloc(cur.id)
	if err != nil {
		return 0, err
	}
	e.tf = tf
	return e.id, nil
}

func (k *Kernel) envSetStatus(cur *env, id EnvID, status EnvStatus) error {
	if status != EnvRunnable && status != EnvNotRunnable {
		return ErrInval
	}
	e, err := k.envid2env(cur, id, true)
	if err != nil {
		return err
	}
	if e == cur {
		// The caller is running; its status changes when it yields.
		return ErrInval
	}
	e.status = status
	return nil
}

func (k *Kernel) envSetPgfaultUpcall(cur *env, id EnvID, upcall Upcall) error {
	e, err := k.envid2env(cur, id, true)
	if err != nil {
		return err
	}
	e.pgfaultUpcall = upcall
	return nil
}

func (k *Kernel) pageAlloc(cur *env, id EnvID, va uintptr, perm Perm) error {
	e, err := k.envid2env(cur, id, true)
	if err != nil {
		return err
	}
	if err := checkVA(va); err != nil {
		return err
	}
	if err := checkPerm(perm); err != nil {
		return err
	}
	return k.mem.allocPage(e.pgdir, va, perm)
}

func (k *Kernel) pageMap(cur *env, srcid EnvID, srcva uintptr, dstid EnvID, dstva uintptr, perm Perm) error {
	src, err := k.envid2env(cur, srcid, true)
	if err != nil {
		return err
	}
	dst, err := k.envid2env(cur, dstid, true)
	if err != nil {
		return err
	}
	if err := checkVA(srcva); err != nil {
		return err
	}
	if err := checkVA(dstva); err != nil {
		return err
	}
	f, pte, ok := k.mem.lookup(src.pgdir, srcva)
	if !ok {
		return ErrInval
	}
	if err := checkPerm(perm); err != nil {
		return err
	}
	if perm&PermWritable != 0 && !pte.Has(PermWritable) {
		return ErrInval
	}
	return k.mem.insert(dst.pgdir, f, dstva, perm)
}

func (k *Kernel) pageUnmap(cur *env, id EnvID, va uintptr) error {
	e, err := k.envid2env(cur, id, true)
	if err != nil {
		return err
	}
	if err := checkVA(va); err != nil {
		return err
	}
	k.mem.remove(e.pgdir, va)
	return nil
}
