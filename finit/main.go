// Command finit is the PID-1 supervisor entrypoint: it wires together
// the event loop, condition store, configuration manager, service
// registry, runlevel machine, control API, signal watcher and shutdown
// sequencer, then runs the bootstrap sequence.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/az143/finit/bootstrap"
	"github.com/az143/finit/cond"
	"github.com/az143/finit/config"
	"github.com/az143/finit/control"
	"github.com/az143/finit/hooks"
	"github.com/az143/finit/log"
	"github.com/az143/finit/log/rotate"
	"github.com/az143/finit/loop"
	"github.com/az143/finit/registry"
	"github.com/az143/finit/runlevel"
	"github.com/az143/finit/shutdown"
	"github.com/az143/finit/sig"
	"github.com/az143/finit/version"
	"github.com/az143/finit/watch"
)

const (
	defaultConfigFile = "/etc/finit.conf"
	defaultDropInDir  = "/etc/finit.d"
	defaultCondPath   = "/run/finit/conditions.db"
	defaultSocketPath = "/run/finit/control.sock"
	defaultLogFile    = "/run/finit/finit.log"
	defaultLockPath   = "/run/finit/finit.lock"
)

func main() {
	help := flag.Bool("h", false, "usage text")
	helpAlt := flag.Bool("?", false, "usage text")
	ver := flag.Bool("v", false, "version text")
	verAlt := flag.Bool("V", false, "version text")
	_ = flag.Bool("a", false, "accepted for compatibility; no effect")
	_ = flag.Bool("b", false, "accepted for compatibility; no effect")
	_ = flag.Bool("e", false, "accepted for compatibility; no effect")
	_ = flag.Bool("s", false, "accepted for compatibility; no effect")
	_ = flag.Bool("t", false, "accepted for compatibility; no effect")
	_ = flag.Bool("z", false, "accepted for compatibility; no effect")
	flag.Parse()

	if *help || *helpAlt {
		flag.Usage()
		os.Exit(0)
	}
	if *ver || *verAlt {
		version.PrintVersion(os.Stdout)
		os.Exit(0)
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "finit:", err)
		os.Exit(1)
	}
}

func run() error {
	lock, err := bootstrap.AcquireInstanceLock(defaultLockPath)
	if err != nil {
		return err
	}
	defer runtime.KeepAlive(lock)

	var logger *log.Logger
	if fr, err := rotate.Open(defaultLogFile, 0640); err == nil {
		logger = log.New(fr)
	} else {
		logger = log.NewDiscardLogger()
	}

	conds, err := cond.Open(defaultCondPath, logger)
	if err != nil {
		return fmt.Errorf("opening condition store: %w", err)
	}

	l := loop.New()
	go l.Run()

	reg := registry.New(l, conds, logger)
	rl := runlevel.New(reg, conds)
	hk := hooks.New()
	cfgMgr := config.NewManager(defaultConfigFile, defaultDropInDir, logger)

	ctrl := control.NewServer(defaultSocketPath, l, logger)
	disp := control.NewDispatcher(reg, rl, conds, cfgMgr, fmt.Sprintf("%d.%d.%d", version.MajorVersion, version.MinorVersion, version.PointVersion))
	ctrl.SetHandler(disp.Handle)

	w, err := watch.New(logger)
	if err == nil {
		if err := cfgMgr.WatchPaths(w); err != nil {
			logger.Warn("config watch setup failed", log.KVErr(err))
		}
		loop.Pump(l, w.Events(), cfgMgr.HandleEvent)
	} else {
		logger.Warn("path watcher unavailable; config reload is signal-only", log.KVErr(err))
	}

	boot := bootstrap.NewSequencer(l, reg, conds, rl, cfgMgr, hk, ctrl, logger)

	seq := shutdown.New(l, reg, conds, hk, logger, boot.Mounts.Snapshot, bootstrap.Unmount, runShell, shutdown.UnixRebooter)
	cfgMgr.OnReload(func(prev, next config.Snapshot) {
		seq.SetShutdownCommand(next.Shutdown)
	})
	rl.OnShutdown(func(action runlevel.Action) {
		go func() {
			if err := seq.Run(action, rl.Current()); err != nil {
				logger.Error("shutdown sequence failed", log.KVErr(err))
			}
		}()
	})

	sig.Watch(l, func(s os.Signal, action sig.Action) {
		handleSignal(disp, rl, logger, action)
	})

	opt, err := bootstrap.ReadCmdline()
	if err != nil {
		opt = bootstrap.Options{RunlevelOverride: -1}
	}

	if err := boot.Run(opt); err != nil {
		return err
	}
	// PID 1 does not exit: once bootstrap is done, the event loop and the
	// goroutines wired above carry the supervisor until shutdown reboots.
	select {}
}

func handleSignal(disp *control.Dispatcher, rl *runlevel.Machine, logger *log.Logger, action sig.Action) {
	switch action {
	case sig.ActionReap:
		// SIGCHLD reaping is driven by the per-service wait goroutine in
		// the registry, not by this handler.
	case sig.ActionReload:
		if st, pl := disp.Handle(control.CmdReload, nil); st != control.StatusOK {
			logger.Warn("SIGHUP reload failed", log.KV("detail", string(pl)))
		}
	case sig.ActionReboot:
		if err := rl.Switch(6); err != nil {
			logger.Warn("reboot switch failed", log.KVErr(err))
		}
	case sig.ActionPoweroff:
		if err := rl.Switch(0); err != nil {
			logger.Warn("poweroff switch failed", log.KVErr(err))
		}
	}
}

func runShell(cmd string) error {
	return exec.Command("/bin/sh", "-c", cmd).Run()
}
