// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMappingsAndPeek(t *testing.T) {
	k := newTestKernel(t, testConfig())
	var (
		maps []Mapping
		peek []byte
		err  error
	)
	spawn(t, k, func(s *Sys) {
		s.PageAlloc(0, UText+PageSize, PermPresent|PermUser)
		s.PageAlloc(0, UText, permURW)
		s.Write(UText+16, []byte("data"))
		id := s.GetEnvID()
		maps, err = k.Mappings(id)
		peek, _ = k.Peek(id, UText+16, 4)
	})
	run(t, k)

	require.NoError(t, err)
	want := []Mapping{
		{VA: UText, Perm: permURW},
		{VA: UText + PageSize, Perm: PermPresent | PermUser},
		{VA: UStackTop - PageSize, Perm: permURW},
	}
	if diff := cmp.Diff(want, maps, cmpopts.IgnoreFields(Mapping{}, "Frame")); diff != "" {
		t.Errorf("Mappings mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []byte("data"), peek)
}

func TestPeekErrors(t *testing.T) {
	k := newTestKernel(t, testConfig())
	id := spawn(t, k, func(s *Sys) {})
	_, err := k.Peek(id, UText, 1)
	assert.ErrorIs(t, err, ErrFault)
	_, err = k.Peek(id, UStackTop-8, 16)
	assert.ErrorIs(t, err, ErrInval)
	_, err = k.Peek(id+1, UStackTop-8, 1)
	assert.ErrorIs(t, err, ErrBadEnv)
	_, err = k.Mappings(id + 1)
	assert.ErrorIs(t, err, ErrBadEnv)
	_, ok := k.Lookup(id, UTop)
	assert.False(t, ok)
}

func TestSharedFrameMappings(t *testing.T) {
	k := newTestKernel(t, testConfig())
	var a, b Mapping
	var okA, okB bool
	spawn(t, k, func(s *Sys) {
		s.PageAlloc(0, UText, permURW)
		s.PageMap(0, UText, 0, UTemp, PermPresent|PermUser)
		id := s.GetEnvID()
		a, okA = k.Lookup(id, UText)
		b, okB = k.Lookup(id, UTemp+5)
		if err := k.Verify(); err != nil {
			t.Error(err)
		}
	})
	run(t, k)
	require.True(t, okA)
	require.True(t, okB)
	assert.Equal(t, a.Frame, b.Frame)
	assert.Equal(t, UTemp, b.VA)
	assert.Contains(t, b.String(), "P|U")
}

func TestVerifyDetectsBadRefcount(t *testing.T) {
	k := newTestKernel(t, testConfig())
	id := spawn(t, k, func(s *Sys) {})
	require.NoError(t, k.Verify())

	m, ok := k.Lookup(id, UStackTop-PageSize)
	require.True(t, ok)
	k.mu.Lock()
	k.mem.refs[m.Frame]++
	k.mu.Unlock()
	err := k.Verify()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refs 2, mapped 1")

	k.mu.Lock()
	k.mem.refs[m.Frame]--
	k.mu.Unlock()
	assert.NoError(t, k.Verify())
}
