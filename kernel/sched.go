// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"context"

	"go.uber.org/zap"
)

// errKilled is the exit reason of environments still alive when the
// kernel shuts down.
const errKilled = kernError("killed by kernel shutdown")

// Run schedules runnable environments round-robin until none are
// left or ctx is done. Exactly one environment runs at a time; an
// environment keeps the processor until it yields or exits.
func (k *Kernel) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			k.shutdown()
			return err
		}
		e := k.next()
		if e == nil {
			return nil
		}
		k.switchTo(e)
	}
}

// next selects the environment to resume and marks it running.
func (k *Kernel) next() *env {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i := 1; i <= len(k.envs); i++ {
		// Round-robin scheduling.
		idx := (k.last + i) % len(k.envs)
		e := &k.envs[idx]
		if e.status != EnvRunnable {
			continue
		}
		k.last = idx
		e.status = EnvRunning
		e.runs++
		return e
	}
	return nil
}

// switchTo resumes e and waits until it gives the processor back.
func (k *Kernel) switchTo(e *env) {
	k.mu.Lock()
	sys := &Sys{k: k, env: e, id: e.id}
	started := e.started
	entry := e.tf.Resume
	wake := e.wake
	if !started {
		e.started = true
		e.tf.Resume = nil
	}
	k.mu.Unlock()
	k.log.Debug("resume env", zap.Stringer("env", sys.id), zap.Bool("started", started))
	if started {
		wake <- struct{}{}
	} else {
		go k.envMain(sys, entry)
	}
	<-k.trapped
}

// envMain is the body of an environment's goroutine.
func (k *Kernel) envMain(sys *Sys, entry Entry) {
	defer func() {
		if r := recover(); r != nil {
			panic(r)
		}
		k.mu.Lock()
		if e := sys.env; e.id == sys.id && e.status != EnvFree {
			k.envFree(e, e.exitErr)
		}
		k.mu.Unlock()
		k.trapped <- struct{}{}
	}()
	entry(sys)
}

// shutdown kills every live environment.
func (k *Kernel) shutdown() {
	for i := range k.envs {
		k.mu.Lock()
		e := &k.envs[i]
		switch {
		case e.status == EnvFree:
			k.mu.Unlock()
		case e.started:
			e.killed = true
			wake := e.wake
			k.mu.Unlock()
			wake <- struct{}{}
			<-k.trapped
		default:
			k.envFree(e, errKilled)
			k.mu.Unlock()
		}
	}
}
