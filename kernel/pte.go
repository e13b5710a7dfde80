// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"fmt"
	"strings"
)

// Perm is a set of page table entry permission bits.
type Perm uint32

// PTE is the hardware representation of a page directory or page
// table entry: a frame address in the upper bits and permission
// bits in the lower 12.
type PTE uint32

// Frame is a physical page number.
type Frame uint32

type physicalAddress uint32

const (
	PermPresent Perm = 1 << iota
	PermWritable
	PermUser
	PermWriteThrough
	PermCacheDisable
	PermAccessed
	PermDirty
	PermPageSize
	PermGlobal

	// PermAvail are the bits left to software.
	PermAvail Perm = 0xe00
	// PermSyscall are the only bits user environments may pass to
	// the page mapping system calls.
	PermSyscall = PermAvail | PermPresent | PermWritable | PermUser

	permMask Perm = PageSize - 1
)

var permNames = []struct {
	p    Perm
	name string
}{
	{PermPresent, "P"},
	{PermWritable, "W"},
	{PermUser, "U"},
	{PermWriteThrough, "PWT"},
	{PermCacheDisable, "PCD"},
	{PermAccessed, "A"},
	{PermDirty, "D"},
	{PermPageSize, "PS"},
	{PermGlobal, "G"},
}

func (p Perm) String() string {
	var parts []string
	for _, n := range permNames {
		if p&n.p != 0 {
			parts = append(parts, n.name)
		}
	}
	if avail := p & PermAvail; avail != 0 {
		parts = append(parts, fmt.Sprintf("AVAIL(%#x)", uint32(avail)))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "|")
}

func makePTE(f Frame, perm Perm) PTE {
	return PTE(f.addr()) | PTE(perm&permMask)
}

// Present reports whether the entry maps something.
func (e PTE) Present() bool {
	return Perm(e)&PermPresent != 0
}

// Perm returns the permission bits of the entry.
func (e PTE) Perm() Perm {
	return Perm(e) & permMask
}

// Has reports whether all of perm is set in the entry.
func (e PTE) Has(perm Perm) bool {
	return e.Perm()&perm == perm
}

// Frame returns the physical page the entry points to.
func (e PTE) Frame() Frame {
	return Frame(e >> PageShift)
}

func (f Frame) addr() physicalAddress {
	return physicalAddress(f) << PageShift
}
