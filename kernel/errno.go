// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import "strconv"

// Errno is a system call error. Its numeric value is what a raw
// system call would return, negated.
type Errno int32

const (
	ErrUnspecified Errno = 1 + iota
	ErrBadEnv
	ErrInval
	ErrNoMem
	ErrNoFreeEnv
	ErrFault
)

var errnoNames = [...]string{
	ErrUnspecified: "unspecified error",
	ErrBadEnv:      "bad environment",
	ErrInval:       "invalid parameter",
	ErrNoMem:       "out of memory",
	ErrNoFreeEnv:   "out of environments",
	ErrFault:       "segmentation fault",
}

func (e Errno) Error() string {
	if e > 0 && int(e) < len(errnoNames) {
		return errnoNames[e]
	}
	return "errno " + strconv.Itoa(int(e))
}

// Code returns the raw, negative system call return value.
func (e Errno) Code() int32 {
	return -int32(e)
}
