// SPDX-License-Identifier: Unlicense OR MIT

//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package kernel

func mapArena(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapArena(mem []byte) error {
	return nil
}
