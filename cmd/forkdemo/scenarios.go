// SPDX-License-Identifier: Unlicense OR MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"eliasnaur.com/cowfork/fork"
	"eliasnaur.com/cowfork/kernel"
)

const (
	permRO  = kernel.PermPresent | kernel.PermUser
	permURW = permRO | kernel.PermWritable
	xstack  = kernel.UXStackTop - kernel.PageSize
)

type scenario struct {
	name string
	desc string
	run  func(d *demo, k *kernel.Kernel) error
}

var scenarios = []scenario{
	{"cow", "a child write gets a private copy", scenarioCOW},
	{"readonly", "read-only pages are shared as is", scenarioReadOnly},
	{"xstack", "the exception stack is never shared", scenarioXStack},
	{"fatal", "a write to a read-only page kills the writer", scenarioFatal},
	{"sfork", "sfork is unsupported", scenarioSfork},
}

func (d *demo) runScenarios(w io.Writer, names []string) error {
	selected := scenarios
	if len(names) > 0 {
		selected = nil
		for _, name := range names {
			found := false
			for _, s := range scenarios {
				if s.name == name {
					selected = append(selected, s)
					found = true
				}
			}
			if !found {
				return fmt.Errorf("unknown scenario %q", name)
			}
		}
	}
	failed := 0
	for _, s := range selected {
		err := d.runScenario(s)
		status := "ok"
		if err != nil {
			failed++
			status = "FAIL: " + err.Error()
		}
		fmt.Fprintf(w, "%-10s %-45s %s\n", s.name, s.desc, status)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, len(selected))
	}
	return nil
}

func (d *demo) runScenario(s scenario) error {
	k, err := d.boot()
	if err != nil {
		return err
	}
	defer k.Close()
	if err := s.run(d, k); err != nil {
		return err
	}
	if n := k.FramesInUse(); n != 0 {
		return fmt.Errorf("%d frames leaked", n)
	}
	return k.Verify()
}

// program runs main as the first environment of k until every
// environment has exited.
func (d *demo) program(k *kernel.Kernel, main func(p *fork.Process)) (kernel.EnvID, error) {
	id, err := k.Spawn(func(s *kernel.Sys) {
		main(fork.New(s, fork.WithLogger(d.log), fork.WithMetrics(d.m)))
	})
	if err != nil {
		return 0, err
	}
	return id, k.Run(context.Background())
}

// wait yields until env id is gone.
func wait(p *fork.Process, k *kernel.Kernel, id kernel.EnvID) {
	for {
		if _, ok := k.EnvInfo(id); !ok {
			return
		}
		p.Sys().Yield()
	}
}

func readString(p *fork.Process, va uintptr, n int) string {
	b := make([]byte, n)
	p.Sys().Read(va, b)
	return string(b)
}

// checkExit returns the reason env id was destroyed, or nil if it
// exited normally.
func checkExit(k *kernel.Kernel, id kernel.EnvID) error {
	exited, err := k.ExitStatus(id)
	if !exited {
		return fmt.Errorf("env %v did not exit", id)
	}
	return err
}

func scenarioCOW(d *demo, k *kernel.Kernel) error {
	var (
		r                     fork.Result
		childSaw, childWrote  string
		parentSaw             string
		parentMap, childMap   kernel.Mapping
		sharedBefore, private bool
	)
	_, err := d.program(k, func(p *fork.Process) {
		s := p.Sys()
		if err := s.PageAlloc(0, kernel.UText, permURW); err != nil {
			r.Err = err
			return
		}
		s.Write(kernel.UText, []byte("hello"))
		r = p.Fork(func(c *fork.Process, _ fork.Result) {
			childSaw = readString(c, kernel.UText, 5)
			c.Sys().Write(kernel.UText, []byte("world!"))
			childWrote = readString(c, kernel.UText, 6)
			m, _ := k.Lookup(c.Self().ID, kernel.UText)
			private = m.Frame != parentMap.Frame && m.Perm == permURW
		})
		if r.Kind != fork.KindParent {
			return
		}
		parentMap, _ = k.Lookup(p.Self().ID, kernel.UText)
		childMap, _ = k.Lookup(r.Child, kernel.UText)
		sharedBefore = parentMap.Frame == childMap.Frame &&
			parentMap.Perm == permRO|fork.PermCOW &&
			childMap.Perm == permRO|fork.PermCOW
		wait(p, k, r.Child)
		parentSaw = readString(p, kernel.UText, 5)
	})
	switch {
	case err != nil:
		return err
	case r.Err != nil:
		return r.Err
	case !sharedBefore:
		return fmt.Errorf("page not shared copy-on-write after fork: parent %v, child %v", parentMap, childMap)
	case childSaw != "hello" || childWrote != "world!" || parentSaw != "hello":
		return fmt.Errorf("child saw %q then %q, parent saw %q", childSaw, childWrote, parentSaw)
	case !private:
		return errors.New("child write did not get a private writable copy")
	}
	return checkExit(k, r.Child)
}

func scenarioReadOnly(d *demo, k *kernel.Kernel) error {
	var (
		r                   fork.Result
		parentMap, childMap kernel.Mapping
	)
	_, err := d.program(k, func(p *fork.Process) {
		s := p.Sys()
		s.PageAlloc(0, kernel.UText, permRO)
		r = p.Fork(func(c *fork.Process, _ fork.Result) {
			for i := 0; i < 3; i++ {
				readString(c, kernel.UText, 16)
			}
		})
		if r.Kind != fork.KindParent {
			return
		}
		parentMap, _ = k.Lookup(p.Self().ID, kernel.UText)
		childMap, _ = k.Lookup(r.Child, kernel.UText)
		wait(p, k, r.Child)
	})
	switch {
	case err != nil:
		return err
	case r.Err != nil:
		return r.Err
	case parentMap.Frame != childMap.Frame:
		return errors.New("read-only page not shared")
	case parentMap.Perm != permRO || childMap.Perm != permRO:
		return fmt.Errorf("read-only page permissions changed: parent %v, child %v", parentMap, childMap)
	}
	return nil
}

func scenarioXStack(d *demo, k *kernel.Kernel) error {
	var (
		r                       fork.Result
		parentX, childX         kernel.Mapping
		childFresh, parentAfter string
	)
	_, err := d.program(k, func(p *fork.Process) {
		r = p.Fork(func(c *fork.Process, _ fork.Result) {
			childFresh = readString(c, xstack, 6)
			c.Sys().Write(xstack, []byte("child!"))
		})
		if r.Kind != fork.KindParent {
			return
		}
		p.Sys().Write(xstack, []byte("parent"))
		parentX, _ = k.Lookup(p.Self().ID, xstack)
		childX, _ = k.Lookup(r.Child, xstack)
		wait(p, k, r.Child)
		parentAfter = readString(p, xstack, 6)
	})
	switch {
	case err != nil:
		return err
	case r.Err != nil:
		return r.Err
	case parentX.Frame == childX.Frame:
		return errors.New("exception stack shared with child")
	case parentX.Perm != permURW || childX.Perm != permURW:
		return fmt.Errorf("exception stack permissions: parent %v, child %v", parentX, childX)
	case childFresh != string(make([]byte, 6)) || parentAfter != "parent":
		return fmt.Errorf("child saw %q, parent saw %q", childFresh, parentAfter)
	}
	return nil
}

func scenarioFatal(d *demo, k *kernel.Kernel) error {
	var r fork.Result
	_, err := d.program(k, func(p *fork.Process) {
		p.Sys().PageAlloc(0, kernel.UText, permRO)
		r = p.Fork(func(c *fork.Process, _ fork.Result) {
			c.Sys().Write(kernel.UText, []byte("x"))
			c.Sys().Cputs("unreachable\n")
		})
	})
	if err != nil {
		return err
	}
	if r.Err != nil {
		return r.Err
	}
	exitErr := checkExit(k, r.Child)
	var fe *fork.FaultError
	if !errors.As(exitErr, &fe) {
		return fmt.Errorf("child exit: got %v, want an unhandled fault", exitErr)
	}
	return nil
}

func scenarioSfork(d *demo, k *kernel.Kernel) error {
	var r fork.Result
	_, err := d.program(k, func(p *fork.Process) {
		r = p.Sfork(func(*fork.Process, fork.Result) {})
	})
	if err != nil {
		return err
	}
	if r.Kind != fork.KindError || !errors.Is(r.Err, fork.ErrSforkNotSupported) {
		return fmt.Errorf("sfork: got %v %v", r.Kind, r.Err)
	}
	return nil
}
