// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"math/bits"
	"unsafe"
)

// pageTable is the in-memory representation of a page directory or
// page table. It occupies exactly one frame.
type pageTable [NPTEntries]PTE

// memory is a simple allocator for physical memory, tracking free
// frames with a bitmap and mapped frames with reference counts.
type memory struct {
	// arena backs all frames; frame f starts at f*PageSize.
	arena []byte
	// The index into bits of the last allocated block.
	word int
	// bits represent each physical frame with one bit. 1 means
	// free, 0 means allocated or reserved.
	bits  []uint64
	refs  []uint16
	inUse int
}

func newMemory(frames int) (*memory, error) {
	if frames < 2 {
		return nil, kernError("newMemory: need at least two frames")
	}
	arena, err := mapArena(frames * PageSize)
	if err != nil {
		return nil, err
	}
	m := &memory{
		arena: arena,
		bits:  make([]uint64, (frames+63)/64),
		refs:  make([]uint16, frames),
	}
	// Frame 0 stays reserved so that a zero entry is never a valid
	// mapping.
	m.setFree(true, 1, Frame(frames))
	return m, nil
}

func (m *memory) release() error {
	arena := m.arena
	m.arena = nil
	if arena == nil {
		return nil
	}
	return unmapArena(arena)
}

func (m *memory) frames() int {
	return len(m.refs)
}

func (m *memory) setFree(free bool, start, end Frame) {
	if start > end {
		fatal("setFree: start > end")
	}
	for f := start; f < end; f++ {
		mask := uint64(1) << (64 - f%64 - 1)
		if free {
			m.bits[f/64] |= mask
		} else {
			m.bits[f/64] &^= mask
		}
	}
}

// alloc allocates a zeroed frame. The frame's reference count is
// zero until it is mapped.
func (m *memory) alloc() (Frame, error) {
	idx, ok := m.nextFreePage()
	if !ok {
		return 0, ErrNoMem
	}
	if !m.mark(idx) {
		fatal("alloc: free frame already marked")
	}
	f := Frame(idx)
	page := m.page(f)
	for i := range page {
		page[i] = 0
	}
	m.inUse++
	return f, nil
}

func (m *memory) mark(pageIdx int) bool {
	wordIdx := pageIdx / 64
	bit := pageIdx % 64
	mask := uint64(1) << (64 - bit - 1)
	word := m.bits[wordIdx]
	if word&mask == 0 {
		return false
	}
	m.bits[wordIdx] = word &^ mask
	return true
}

func (m *memory) nextFreePage() (int, bool) {
	for i := 0; i < len(m.bits); i++ {
		idx := (i + m.word) % len(m.bits)
		w := m.bits[idx]
		b := bits.LeadingZeros64(w)
		if b == 64 {
			continue
		}
		m.word = idx
		return idx*64 + b, true
	}
	return 0, false
}

func (m *memory) incref(f Frame) {
	m.refs[f]++
}

// decref drops a reference and frees the frame when none remain.
func (m *memory) decref(f Frame) {
	if m.refs[f] == 0 {
		fatal("decref: frame has no references")
	}
	m.refs[f]--
	if m.refs[f] == 0 {
		m.free(f)
	}
}

func (m *memory) free(f Frame) {
	m.setFree(true, f, f+1)
	m.inUse--
}

// page returns the bytes of the frame.
func (m *memory) page(f Frame) []byte {
	off := int(f.addr())
	return m.arena[off : off+PageSize : off+PageSize]
}

func (m *memory) table(f Frame) *pageTable {
	return (*pageTable)(unsafe.Pointer(&m.arena[f.addr()]))
}

// walk returns the page table entry for va in the page directory
// pgdir. If the page table is missing and create is set, walk
// allocates it; otherwise it returns nil.
func (m *memory) walk(pgdir Frame, va uintptr, create bool) (*PTE, error) {
	pde := &m.table(pgdir)[PDX(va)]
	if !pde.Present() {
		if !create {
			return nil, nil
		}
		f, err := m.alloc()
		if err != nil {
			return nil, err
		}
		m.incref(f)
		*pde = makePTE(f, PermPresent|PermWritable|PermUser)
	}
	return &m.table(pde.Frame())[PTX(va)], nil
}

// lookup returns the frame mapped at va and its entry.
func (m *memory) lookup(pgdir Frame, va uintptr) (Frame, *PTE, bool) {
	pte, _ := m.walk(pgdir, va, false)
	if pte == nil || !pte.Present() {
		return 0, nil, false
	}
	return pte.Frame(), pte, true
}

// insert maps frame f at va with perm, replacing any existing
// mapping.
func (m *memory) insert(pgdir Frame, f Frame, va uintptr, perm Perm) error {
	pte, err := m.walk(pgdir, va, true)
	if err != nil {
		return err
	}
	// Take the new reference first so that remapping the same frame
	// in place never frees it.
	m.incref(f)
	if pte.Present() {
		m.remove(pgdir, va)
	}
	*pte = makePTE(f, perm|PermPresent)
	return nil
}

// remove unmaps va, if mapped.
func (m *memory) remove(pgdir Frame, va uintptr) {
	f, pte, ok := m.lookup(pgdir, va)
	if !ok {
		return
	}
	*pte = 0
	m.decref(f)
}

// allocPage maps a fresh zeroed frame at va.
func (m *memory) allocPage(pgdir Frame, va uintptr, perm Perm) error {
	f, err := m.alloc()
	if err != nil {
		return err
	}
	if err := m.insert(pgdir, f, va, perm); err != nil {
		m.free(f)
		return err
	}
	return nil
}
