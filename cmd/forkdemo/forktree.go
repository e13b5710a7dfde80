// SPDX-License-Identifier: Unlicense OR MIT

package main

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"eliasnaur.com/cowfork/fork"
	"eliasnaur.com/cowfork/kernel"
)

// forktree forks a binary tree of environments depth levels deep.
func (d *demo) forktree(depth int) error {
	k, err := d.boot()
	if err != nil {
		return err
	}
	defer k.Close()
	_, err = d.program(k, func(p *fork.Process) {
		if err := p.Sys().PageAlloc(0, kernel.UText, permURW); err != nil {
			d.log.Error("allocate name page", zap.Error(err))
			return
		}
		forktree(p, "", depth)
	})
	if err != nil {
		return err
	}
	if n := k.FramesInUse(); n != 0 {
		return fmt.Errorf("%d frames leaked", n)
	}
	return k.Verify()
}

func forktree(p *fork.Process, cur string, depth int) {
	name := make([]byte, depth+1)
	copy(name, cur)
	p.Sys().Write(kernel.UText, name)
	got := strings.TrimRight(readString(p, kernel.UText, len(name)), "\x00")
	p.Sys().Cputs(fmt.Sprintf("%v: I am '%s'\n", p.Self().ID, got))

	forkchild(p, cur, '0', depth)
	forkchild(p, cur, '1', depth)
}

func forkchild(p *fork.Process, cur string, branch byte, depth int) {
	if len(cur) >= depth {
		return
	}
	next := cur + string(branch)
	r := p.Fork(func(c *fork.Process, _ fork.Result) {
		forktree(c, next, depth)
	})
	if r.Kind == fork.KindError {
		p.Sys().Cputs(fmt.Sprintf("%v: fork '%s': %v\n", p.Self().ID, next, r.Err))
	}
}
