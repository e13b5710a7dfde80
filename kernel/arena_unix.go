// SPDX-License-Identifier: Unlicense OR MIT

//go:build linux || darwin || freebsd || netbsd || openbsd

package kernel

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mapArena reserves size bytes of zeroed memory outside the Go heap
// to serve as simulated physical memory.
func mapArena(size int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("kernel: mmap physical memory: %w", err)
	}
	return mem, nil
}

func unmapArena(mem []byte) error {
	return unix.Munmap(mem)
}
