// SPDX-License-Identifier: Unlicense OR MIT

package fork

import (
	"fmt"

	"eliasnaur.com/cowfork/kernel"
)

// fakeSys records system calls and serves page table entries from a
// map. It implements no memory.
type fakeSys struct {
	id    kernel.EnvID
	ptes  map[int]kernel.PTE
	calls []string
	fail  map[string]error
}

func newFakeSys(id kernel.EnvID) *fakeSys {
	return &fakeSys{
		id:   id,
		ptes: make(map[int]kernel.PTE),
		fail: make(map[string]error),
	}
}

// mapPage installs a present entry for va; frame numbers are the page
// numbers themselves.
func (f *fakeSys) mapPage(va uintptr, perm kernel.Perm) {
	pn := kernel.PageNum(va)
	f.ptes[pn] = kernel.PTE(uint32(pn)<<kernel.PageShift | uint32(perm|kernel.PermPresent))
}

func (f *fakeSys) record(name string, format string, args ...any) error {
	f.calls = append(f.calls, name+" "+fmt.Sprintf(format, args...))
	return f.fail[name]
}

func (f *fakeSys) GetEnvID() kernel.EnvID { return f.id }

func (f *fakeSys) Cputs(str string) {}

func (f *fakeSys) Yield() {}

func (f *fakeSys) Env(envx int) kernel.EnvInfo {
	return kernel.EnvInfo{ID: f.id, Status: kernel.EnvRunning}
}

func (f *fakeSys) Exofork(tf kernel.Trapframe) (kernel.EnvID, error) {
	return f.id + 1, f.record("exofork", "")
}

func (f *fakeSys) EnvSetStatus(id kernel.EnvID, status kernel.EnvStatus) error {
	return f.record("env_set_status", "%v %v", id, status)
}

func (f *fakeSys) EnvSetPgfaultUpcall(id kernel.EnvID, upcall kernel.Upcall) error {
	return f.record("env_set_pgfault_upcall", "%v", id)
}

func (f *fakeSys) PageAlloc(id kernel.EnvID, va uintptr, perm kernel.Perm) error {
	return f.record("page_alloc", "%v %#x %v", id, va, perm)
}

func (f *fakeSys) PageMap(srcid kernel.EnvID, srcva uintptr, dstid kernel.EnvID, dstva uintptr, perm kernel.Perm) error {
	return f.record("page_map", "%v %#x %v %#x %v", srcid, srcva, dstid, dstva, perm)
}

func (f *fakeSys) PageUnmap(id kernel.EnvID, va uintptr) error {
	return f.record("page_unmap", "%v %#x", id, va)
}

func (f *fakeSys) UVPD(pdx int) kernel.PTE {
	for pn := range f.ptes {
		if pn/kernel.NPTEntries == pdx {
			return kernel.PTE(kernel.PermPresent | kernel.PermUser | kernel.PermWritable)
		}
	}
	return 0
}

func (f *fakeSys) UVPT(pn int) kernel.PTE { return f.ptes[pn] }

func (f *fakeSys) Read(va uintptr, b []byte) {
	f.record("read", "%#x %d", va, len(b))
}

func (f *fakeSys) Write(va uintptr, b []byte) {
	f.record("write", "%#x %d", va, len(b))
}
