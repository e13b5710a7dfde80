// SPDX-License-Identifier: Unlicense OR MIT

package fork

import "eliasnaur.com/cowfork/kernel"

// PermCOW marks a copy-on-write mapping. It is one of the bits
// left to software in a page table entry.
const PermCOW kernel.Perm = 0x800

// permShared is installed in both the child and the caller for a
// copy-on-write page.
const permShared = kernel.PermPresent | kernel.PermUser | PermCOW

// cowEligible reports whether a mapping must be shared copy-on-write
// rather than as is.
func cowEligible(perm kernel.Perm) bool {
	return perm&(kernel.PermWritable|PermCOW) != 0
}

// dupPerm returns the permissions a mapping gets in both address
// spaces after duplication, and whether the caller's own mapping must
// be re-marked.
func dupPerm(perm kernel.Perm) (kernel.Perm, bool) {
	if cowEligible(perm) {
		return permShared, true
	}
	return perm & kernel.PermSyscall, false
}
