// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"cmp"
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// Mapping is one present user page table entry.
type Mapping struct {
	VA    uintptr
	Frame Frame
	Perm  Perm
}

func (m Mapping) String() string {
	return fmt.Sprintf("va %#08x -> frame %#x [%s]", m.VA, m.Frame, m.Perm)
}

// lookupEnv returns the live environment id. Callers hold k.mu.
func (k *Kernel) lookupEnv(id EnvID) (*env, error) {
	e := &k.envs[EnvX(id)%len(k.envs)]
	if e.status == EnvFree || e.id != id {
		return nil, ErrBadEnv
	}
	return e, nil
}

// Mappings returns every user mapping of environment id in address
// order.
func (k *Kernel) Mappings(id EnvID) ([]Mapping, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, err := k.lookupEnv(id)
	if err != nil {
		return nil, err
	}
	return k.dumpPageTable(e.pgdir), nil
}

func (k *Kernel) dumpPageTable(pgdir Frame) []Mapping {
	var entries []Mapping
	pd := k.mem.table(pgdir)
	for pdx := 0; pdx < PDX(UTop); pdx++ {
		pde := pd[pdx]
		// The page table may not exist.
		if !pde.Present() {
			continue
		}
		pt := k.mem.table(pde.Frame())
		for ptx, pte := range pt {
			if !pte.Present() {
				continue
			}
			entries = append(entries, Mapping{
				VA:    PageAddr(pdx, ptx),
				Frame: pte.Frame(),
				Perm:  pte.Perm(),
			})
		}
	}
	return entries
}

// Lookup returns the mapping of the page containing va in environment
// id.
func (k *Kernel) Lookup(id EnvID, va uintptr) (Mapping, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, err := k.lookupEnv(id)
	if err != nil || va >= UTop {
		return Mapping{}, false
	}
	va = RoundDown(va, PageSize)
	f, pte, ok := k.mem.lookup(e.pgdir, va)
	if !ok {
		return Mapping{}, false
	}
	return Mapping{VA: va, Frame: f, Perm: pte.Perm()}, true
}

// Peek reads n bytes at va in environment id, ignoring permissions.
// The range must lie within one mapped page.
func (k *Kernel) Peek(id EnvID, va uintptr, n int) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, err := k.lookupEnv(id)
	if err != nil {
		return nil, err
	}
	off := int(va % PageSize)
	if va >= UTop || n < 0 || off+n > PageSize {
		return nil, ErrInval
	}
	f, _, ok := k.mem.lookup(e.pgdir, va)
	if !ok {
		return nil, ErrFault
	}
	b := make([]byte, n)
	copy(b, k.mem.page(f)[off:])
	return b, nil
}

// FramesInUse returns the number of allocated physical frames.
func (k *Kernel) FramesInUse() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.mem.inUse
}

// Verify checks that every frame's reference count matches the
// references held by live page directories and page tables, and that
// unreferenced frames are free.
func (k *Kernel) Verify() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	want := make(map[Frame]int)
	for i := range k.envs {
		e := &k.envs[i]
		if e.status == EnvFree {
			continue
		}
		want[e.pgdir]++
		pd := k.mem.table(e.pgdir)
		for pdx := 0; pdx < NPDEntries; pdx++ {
			pde := pd[pdx]
			if !pde.Present() {
				continue
			}
			want[pde.Frame()]++
		}
		for _, m := range k.dumpPageTable(e.pgdir) {
			want[m.Frame]++
		}
	}
	type mismatch struct {
		f          Frame
		refs, want int
		free       bool
	}
	var bad []mismatch
	inUse := 0
	for i := 1; i < k.mem.frames(); i++ {
		f := Frame(i)
		refs := int(k.mem.refs[f])
		free := k.mem.bits[f/64]&(uint64(1)<<(64-f%64-1)) != 0
		if !free {
			inUse++
		}
		if refs != want[f] || free != (refs == 0) {
			bad = append(bad, mismatch{f, refs, want[f], free})
		}
	}
	if inUse != k.mem.inUse {
		bad = append(bad, mismatch{f: 0, refs: k.mem.inUse, want: inUse})
	}
	if len(bad) == 0 {
		return nil
	}
	slices.SortFunc(bad, func(a, b mismatch) int {
		return cmp.Compare(a.f, b.f)
	})
	var sb strings.Builder
	sb.WriteString("verify:")
	for _, m := range bad {
		fmt.Fprintf(&sb, " frame %#x: refs %d, mapped %d, free %t;", m.f, m.refs, m.want, m.free)
	}
	return kernError(sb.String())
}
