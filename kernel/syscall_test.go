// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const permURW = PermPresent | PermUser | PermWritable

func newTestKernel(t *testing.T, cfg Config) *Kernel {
	t.Helper()
	k, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { k.Close() })
	return k
}

func testConfig() Config {
	return Config{Frames: 256, MaxEnvs: 8}
}

func spawn(t *testing.T, k *Kernel, entry Entry) EnvID {
	t.Helper()
	id, err := k.Spawn(entry)
	require.NoError(t, err)
	return id
}

func run(t *testing.T, k *Kernel) {
	t.Helper()
	require.NoError(t, k.Run(context.Background()))
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Frames: 256, MaxEnvs: 0})
	assert.Error(t, err)
	_, err = New(Config{Frames: 256, MaxEnvs: NEnv + 1})
	assert.Error(t, err)
	_, err = New(Config{Frames: 1, MaxEnvs: 1})
	assert.Error(t, err)
}

func TestSpawnAndExit(t *testing.T) {
	k := newTestKernel(t, testConfig())
	var self EnvID
	id := spawn(t, k, func(s *Sys) {
		self = s.GetEnvID()
	})

	m, ok := k.Lookup(id, UStackTop-1)
	require.True(t, ok)
	assert.Equal(t, UStackTop-PageSize, m.VA)
	assert.Equal(t, permURW, m.Perm)
	assert.Equal(t, 3, k.FramesInUse())
	require.NoError(t, k.Verify())

	run(t, k)
	assert.Equal(t, id, self)
	exited, err := k.ExitStatus(id)
	assert.True(t, exited)
	assert.NoError(t, err)
	_, live := k.EnvInfo(id)
	assert.False(t, live)
	assert.Zero(t, k.FramesInUse())
	assert.NoError(t, k.Verify())
}

func TestSpawnNilEntry(t *testing.T) {
	k := newTestKernel(t, testConfig())
	_, err := k.Spawn(nil)
	assert.ErrorIs(t, err, ErrInval)
}

func TestEnvIDsAreReusedWithNewGeneration(t *testing.T) {
	k := newTestKernel(t, Config{Frames: 256, MaxEnvs: 1})
	first := spawn(t, k, func(s *Sys) {})
	run(t, k)
	second := spawn(t, k, func(s *Sys) {})
	assert.Equal(t, EnvX(first), EnvX(second))
	assert.NotEqual(t, first, second)
	assert.Positive(t, int32(second))
}

func TestSyscallValidation(t *testing.T) {
	k := newTestKernel(t, testConfig())
	errs := make(map[string]error)
	spawn(t, k, func(s *Sys) {
		errs["va above utop"] = s.PageAlloc(0, UTop, permURW)
		errs["unaligned va"] = s.PageAlloc(0, UText+1, permURW)
		errs["no user bit"] = s.PageAlloc(0, UText, PermPresent|PermWritable)
		errs["kernel bit"] = s.PageAlloc(0, UText, permURW|PermGlobal)
		errs["alloc"] = s.PageAlloc(0, UText, PermPresent|PermUser)
		errs["map unmapped"] = s.PageMap(0, UText+PageSize, 0, UTemp, PermPresent|PermUser)
		errs["map grants write"] = s.PageMap(0, UText, 0, UTemp, permURW)
		errs["map"] = s.PageMap(0, UText, 0, UTemp, PermPresent|PermUser|0x800)
		errs["unmap unmapped"] = s.PageUnmap(0, UText+PageSize)
		errs["unmap unaligned"] = s.PageUnmap(0, UText+3)
		errs["status self"] = s.EnvSetStatus(0, EnvRunnable)
		errs["status bad value"] = s.EnvSetStatus(0, EnvDying)
		errs["status bad env"] = s.EnvSetStatus(12345, EnvRunnable)
		errs["exofork no resume"] = func() error {
			_, err := s.Exofork(Trapframe{})
			return err
		}()
	})
	run(t, k)

	for name, want := range map[string]error{
		"va above utop":     ErrInval,
		"unaligned va":      ErrInval,
		"no user bit":       ErrInval,
		"kernel bit":        ErrInval,
		"alloc":             nil,
		"map unmapped":      ErrInval,
		"map grants write":  ErrInval,
		"map":               nil,
		"unmap unmapped":    nil,
		"unmap unaligned":   ErrInval,
		"status self":       ErrInval,
		"status bad value":  ErrInval,
		"status bad env":    ErrBadEnv,
		"exofork no resume": ErrInval,
	} {
		if want == nil {
			assert.NoError(t, errs[name], name)
		} else {
			assert.ErrorIs(t, errs[name], want, name)
		}
	}
	assert.Zero(t, k.FramesInUse())
}

func TestSyscallsRequireParentage(t *testing.T) {
	k := newTestKernel(t, testConfig())
	other := spawn(t, k, func(s *Sys) {})
	var allocErr, upcallErr error
	spawn(t, k, func(s *Sys) {
		allocErr = s.PageAlloc(other, UText, permURW)
		upcallErr = s.EnvSetPgfaultUpcall(other, func(*UTrapframe) error { return nil })
	})
	run(t, k)
	assert.ErrorIs(t, allocErr, ErrBadEnv)
	assert.ErrorIs(t, upcallErr, ErrBadEnv)
}

func TestExofork(t *testing.T) {
	k := newTestKernel(t, testConfig())
	var (
		parent, child    EnvID
		childSelf        EnvID
		childInfo        EnvInfo
		statusBeforeRun  EnvStatus
		childData        = make([]byte, 5)
		exoforkErr       error
		setStatusErr     error
		childMappedWrite bool
	)
	parent = spawn(t, k, func(s *Sys) {
		child, exoforkErr = s.Exofork(Trapframe{Resume: func(cs *Sys) {
			childSelf = cs.GetEnvID()
			childInfo = cs.Env(EnvX(childSelf))
			cs.Read(UText, childData)
		}})
		if exoforkErr != nil {
			return
		}
		statusBeforeRun = s.Env(EnvX(child)).Status
		s.PageAlloc(0, UText, permURW)
		s.Write(UText, []byte("hello"))
		s.PageMap(0, UText, child, UText, PermPresent|PermUser)
		m, ok := k.Lookup(child, UText)
		childMappedWrite = ok && m.Perm&PermWritable != 0
		setStatusErr = s.EnvSetStatus(child, EnvRunnable)
	})
	run(t, k)

	require.NoError(t, exoforkErr)
	require.NoError(t, setStatusErr)
	assert.Equal(t, EnvNotRunnable, statusBeforeRun)
	assert.Equal(t, child, childSelf)
	assert.Equal(t, parent, childInfo.ParentID)
	assert.Equal(t, EnvRunning, childInfo.Status)
	assert.Equal(t, []byte("hello"), childData)
	assert.False(t, childMappedWrite)
	assert.Zero(t, k.FramesInUse())
}

func TestExoforkNoFreeEnv(t *testing.T) {
	k := newTestKernel(t, Config{Frames: 256, MaxEnvs: 1})
	var err error
	spawn(t, k, func(s *Sys) {
		_, err = s.Exofork(Trapframe{Resume: func(*Sys) {}})
	})
	run(t, k)
	assert.ErrorIs(t, err, ErrNoFreeEnv)
	assert.Equal(t, int32(-5), ErrNoFreeEnv.Code())
}

func TestCputs(t *testing.T) {
	var console bytes.Buffer
	cfg := testConfig()
	cfg.Console = &console
	k := newTestKernel(t, cfg)
	spawn(t, k, func(s *Sys) {
		s.Cputs("hello, ")
		s.Cputs("world\n")
	})
	run(t, k)
	assert.Equal(t, "hello, world\n", console.String())
}

func TestErrnoStrings(t *testing.T) {
	assert.Equal(t, "out of memory", ErrNoMem.Error())
	assert.Equal(t, "errno 99", Errno(99).Error())
	assert.Equal(t, "page_map", sysPageMap.String())
}
