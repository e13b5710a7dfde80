// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"encoding/binary"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

func (c FaultCode) String() string {
	var parts []string
	if c&FaultProtect != 0 {
		parts = append(parts, "protection")
	} else {
		parts = append(parts, "not-present")
	}
	if c&FaultWrite != 0 {
		parts = append(parts, "write")
	} else {
		parts = append(parts, "read")
	}
	if c&FaultUser != 0 {
		parts = append(parts, "user")
	}
	return strings.Join(parts, "|")
}

// Read loads len(b) bytes of user memory at va into b. Like a user
// mode load, it faults on unmapped pages; a fault the environment
// cannot resolve terminates it.
func (s *Sys) Read(va uintptr, b []byte) {
	s.access(va, b, false)
}

// Write stores b in user memory at va. Like a user mode store, it
// faults on unmapped or read-only pages; a fault the environment
// cannot resolve terminates it.
func (s *Sys) Write(va uintptr, b []byte) {
	s.access(va, b, true)
}

func (s *Sys) access(va uintptr, b []byte, write bool) {
	for len(b) > 0 {
		n := PageSize - int(va%PageSize)
		if n > len(b) {
			n = len(b)
		}
		s.accessPage(va, b[:n], write)
		va += uintptr(n)
		b = b[n:]
	}
}

// accessPage performs an access within a single page, dispatching at
// most one page fault. The faulting access is retried once after the
// upcall returns.
func (s *Sys) accessPage(va uintptr, b []byte, write bool) {
	for attempt := 0; ; attempt++ {
		code, ok := s.k.copyUser(s, va, b, write)
		if ok {
			return
		}
		if attempt > 0 {
			s.exit(fmt.Errorf("%w: %s fault at %#x persists after upcall", ErrFault, code, va))
		}
		if err := s.k.pageFault(s, va, code); err != nil {
			s.logger().Warn("unhandled page fault",
				zap.Uintptr("va", va),
				zap.Stringer("code", code),
				zap.Error(err))
			s.exit(err)
		}
	}
}

// copyUser translates va through the environment's page tables and
// copies between b and the mapped frame. It returns the fault code if
// translation fails.
func (k *Kernel) copyUser(s *Sys, va uintptr, b []byte, write bool) (FaultCode, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if s.env.id != s.id {
		fatal("copyUser: stale environment handle")
	}
	code := FaultUser
	if write {
		code |= FaultWrite
	}
	if va >= UTop {
		return code | FaultProtect, false
	}
	f, pte, ok := k.mem.lookup(s.env.pgdir, va)
	if !ok {
		return code, false
	}
	if !pte.Has(PermUser) || write && !pte.Has(PermWritable) {
		return code | FaultProtect, false
	}
	off := int(va % PageSize)
	page := k.mem.page(f)
	if write {
		copy(page[off:], b)
	} else {
		copy(b, page[off:])
	}
	return 0, true
}

// pageFault delivers a fault to the environment's upcall, running it
// on the exception stack.
func (k *Kernel) pageFault(s *Sys, va uintptr, code FaultCode) error {
	utf, upcall, err := k.pushUTrapframe(s.env, va, code)
	if err != nil {
		k.metrics.PageFaults.WithLabelValues("fatal").Inc()
		return err
	}
	err = upcall(utf)
	k.mu.Lock()
	s.env.inFault = false
	k.mu.Unlock()
	if err != nil {
		k.metrics.PageFaults.WithLabelValues("fatal").Inc()
		return fmt.Errorf("page fault at %#x: %w", va, err)
	}
	k.metrics.PageFaults.WithLabelValues("upcall").Inc()
	return nil
}

// pushUTrapframe checks that e can take a fault and writes the fault
// record to the top of its exception stack.
func (k *Kernel) pushUTrapframe(e *env, va uintptr, code FaultCode) (*UTrapframe, Upcall, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if e.pgfaultUpcall == nil {
		return nil, nil, fmt.Errorf("%w: %s fault at %#x with no upcall", ErrFault, code, va)
	}
	if e.inFault {
		return nil, nil, fmt.Errorf("%w: %s fault at %#x while handling a fault", ErrFault, code, va)
	}
	f, pte, ok := k.mem.lookup(e.pgdir, UXStackTop-PageSize)
	if !ok || !pte.Has(PermUser|PermWritable) {
		return nil, nil, fmt.Errorf("%w: %s fault at %#x without a writable exception stack", ErrFault, code, va)
	}
	stack := k.mem.page(f)
	binary.LittleEndian.PutUint64(stack[PageSize-utfSize:], uint64(va))
	binary.LittleEndian.PutUint32(stack[PageSize-utfSize+8:], uint32(code))
	e.inFault = true
	return &UTrapframe{FaultVA: va, Err: code}, e.pgfaultUpcall, nil
}
