// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import "golang.org/x/exp/constraints"

const (
	// Page sizes
	PageShift = 12
	PageSize  = 1 << PageShift

	PDXShift   = 22
	NPDEntries = 1024
	NPTEntries = 1024
	// PTSize is the number of bytes mapped by one page table.
	PTSize = PageSize * NPTEntries
)

// User address space layout. Everything below UTop belongs to the
// environment; the page just below UXStackTop is its exception stack.
const (
	UTop       uintptr = 0xeec00000
	UXStackTop         = UTop
	// One empty guard page separates the normal and exception stacks.
	UStackTop = UTop - 2*PageSize
	UText     uintptr = 0x00800000
	UTemp     uintptr = 0x00400000
	// PFTemp is the scratch address used while resolving a page fault.
	PFTemp = UTemp + PTSize - PageSize
)

// PageNum returns the page number of the address.
func PageNum(va uintptr) int {
	return int(va >> PageShift)
}

// PDX returns the page directory index of the address.
func PDX(va uintptr) int {
	return int(va>>PDXShift) & (NPDEntries - 1)
}

// PTX returns the page table index of the address.
func PTX(va uintptr) int {
	return int(va>>PageShift) & (NPTEntries - 1)
}

// PageAddr builds the address of the page at the directory and table
// indices.
func PageAddr(pdx, ptx int) uintptr {
	return uintptr(pdx)<<PDXShift | uintptr(ptx)<<PageShift
}

// RoundDown rounds x down to a multiple of n, a power of two.
func RoundDown[T constraints.Unsigned](x, n T) T {
	return x &^ (n - 1)
}

// RoundUp rounds x up to a multiple of n, a power of two.
func RoundUp[T constraints.Unsigned](x, n T) T {
	return (x + n - 1) &^ (n - 1)
}
