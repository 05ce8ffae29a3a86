// Package shutdown implements the supervisor's six-step shutdown
// sequence run on transition into runlevel 0 or 6: announce, drain
// services, run the configured shutdown command, fire the SHUTDOWN
// hook, unmount filesystems in reverse mount order, and hand off to
// the kernel.
package shutdown

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/az143/finit/cond"
	"github.com/az143/finit/hooks"
	"github.com/az143/finit/log"
	"github.com/az143/finit/loop"
	"github.com/az143/finit/registry"
	"github.com/az143/finit/runlevel"
)

// Mount is one currently-mounted filesystem, in the order it was
// mounted; Sequencer unmounts in the reverse of this order.
type Mount struct {
	Target string
	Source string
}

// Runner executes the configured shutdown command (e.g. via
// /bin/sh -c) and reports its outcome. Abstracted so tests can supply a
// fake instead of spawning a real shell.
type Runner func(cmd string) error

// Rebooter issues the terminal kernel action. The production
// implementation wraps golang.org/x/sys/unix.Reboot; tests supply a
// fake that just records what was requested.
type Rebooter func(action runlevel.Action) error

// UnixRebooter issues the real kernel reboot syscall.
func UnixRebooter(action runlevel.Action) error {
	unix.Sync()
	cmd := unix.LINUX_REBOOT_CMD_RESTART
	if action == runlevel.Poweroff {
		cmd = unix.LINUX_REBOOT_CMD_POWER_OFF
	}
	return unix.Reboot(cmd)
}

// Sequencer drives the shutdown sequence. Every touch of the registry
// is posted onto l so it observes the same single-owner discipline as
// a reaped child or a control command, even though Run itself executes
// on a dedicated goroutine so it may block on timeouts and syscalls.
type Sequencer struct {
	l      *loop.Loop
	reg    *registry.Registry
	conds  *cond.Store
	hk     *hooks.Registry
	logger *log.Logger

	drainTimeout time.Duration
	shutdownCmd  string
	mounts       func() []Mount
	unmount      func(target string) error
	run          Runner
	reboot       Rebooter
}

// New builds a Sequencer. mounts reports the currently mounted
// filesystems in mount order; unmount detaches one. Both are injected
// so bootstrap can supply the live mount table it tracked while
// mounting, and tests can supply an in-memory fake.
func New(l *loop.Loop, reg *registry.Registry, conds *cond.Store, hk *hooks.Registry, lgr *log.Logger,
	mounts func() []Mount, unmount func(string) error, run Runner, reboot Rebooter) *Sequencer {
	if lgr == nil {
		lgr = log.NewDiscardLogger()
	}
	return &Sequencer{
		l: l, reg: reg, conds: conds, hk: hk, logger: lgr,
		drainTimeout: 10 * time.Second,
		mounts:       mounts, unmount: unmount, run: run, reboot: reboot,
	}
}

// SetDrainTimeout overrides the default 10s service-drain wait.
func (s *Sequencer) SetDrainTimeout(d time.Duration) { s.drainTimeout = d }

// SetShutdownCommand configures the step-3 command; empty skips it.
func (s *Sequencer) SetShutdownCommand(cmd string) { s.shutdownCmd = cmd }

// Run executes the six-step sequence for a transition into runlevel 0
// or 6. It blocks until every step completes or its timeout elapses;
// callers on the event loop should invoke it from a dedicated goroutine
// since several steps (draining, unmounting, rebooting) are not
// loop-callback-safe long operations.
func (s *Sequencer) Run(action runlevel.Action, targetRunlevel int) error {
	_ = s.conds.Set("sys/going-down")
	s.conds.ClearOneshots()
	s.logger.Info("shutdown sequence started", log.KV("action", action.String()))

	s.drainServices(targetRunlevel)

	if s.shutdownCmd != "" && s.run != nil {
		if err := s.run(s.shutdownCmd); err != nil {
			s.logger.Warn("shutdown command failed", log.KVErr(err))
		}
	}

	s.hk.Fire(hooks.Shutdown)

	s.unmountAll()

	if s.reboot == nil {
		return nil
	}
	return s.reboot(action)
}

func (s *Sequencer) drainServices(targetRunlevel int) {
	s.post(func() { s.reg.StepAll(targetRunlevel) })

	deadline := time.Now().Add(s.drainTimeout)
	for time.Now().Before(deadline) {
		if s.allDrained() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	s.logger.Warn("service drain timed out", log.KV("timeout", s.drainTimeout.String()))
}

func (s *Sequencer) allDrained() bool {
	var drained bool
	s.post(func() {
		drained = true
		for _, h := range s.reg.Handles() {
			rec, ok := s.reg.FindByHandle(h)
			if !ok {
				continue
			}
			switch rec.State {
			case registry.Running, registry.Stopping, registry.Waiting:
				drained = false
				return
			}
		}
	})
	return drained
}

// post runs fn on the loop goroutine and blocks until it returns.
func (s *Sequencer) post(fn func()) {
	done := make(chan struct{})
	s.l.Post(func() { fn(); close(done) })
	<-done
}

// unmountAll tears down every tracked mount in reverse mount order.
// Unmounting must run serially: a parent cannot be detached while a
// child mount underneath it is still attached.
func (s *Sequencer) unmountAll() {
	mounts := s.mounts()
	for i := len(mounts) - 1; i >= 0; i-- {
		if err := s.unmount(mounts[i].Target); err != nil {
			s.logger.Warn("unmount failed", log.KV("target", mounts[i].Target), log.KVErr(err))
		}
	}
	unix.Sync()
}
