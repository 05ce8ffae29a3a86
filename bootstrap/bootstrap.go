package bootstrap

import (
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/az143/finit/cond"
	"github.com/az143/finit/config"
	"github.com/az143/finit/control"
	"github.com/az143/finit/hooks"
	"github.com/az143/finit/log"
	"github.com/az143/finit/loop"
	"github.com/az143/finit/registry"
	"github.com/az143/finit/runlevel"
)

const (
	crankPeriod        = 250 * time.Millisecond
	defaultBootTimeout = 120 * time.Second
	bootstrapPoll      = 100 * time.Millisecond
	defaultFstabPath   = "/etc/fstab"
)

// Sequencer drives the fourteen-phase bootstrap sequence over an
// already-constructed set of subsystems. Construction (loop, registry,
// cond store, config manager, control server) happens in finit/main.go;
// Sequencer only orders the phases.
type Sequencer struct {
	L       *loop.Loop
	Reg     *registry.Registry
	Conds   *cond.Store
	RL      *runlevel.Machine
	CfgMgr  *config.Manager
	Hooks   *hooks.Registry
	Control *control.Server
	Logger  *log.Logger

	Mounts *MountTable
	Fsck   Fsck

	BootTimeout time.Duration

	crankHandle loop.Handle
}

// NewSequencer builds a Sequencer, filling in a discard logger, a fresh
// mount table, and the real fsck(8) runner when left zero-valued.
func NewSequencer(l *loop.Loop, reg *registry.Registry, conds *cond.Store, rl *runlevel.Machine,
	cfgMgr *config.Manager, hk *hooks.Registry, ctrl *control.Server, lgr *log.Logger) *Sequencer {
	if lgr == nil {
		lgr = log.NewDiscardLogger()
	}
	return &Sequencer{
		L: l, Reg: reg, Conds: conds, RL: rl, CfgMgr: cfgMgr, Hooks: hk, Control: ctrl, Logger: lgr,
		Mounts: &MountTable{}, Fsck: ExecFsck, BootTimeout: defaultBootTimeout,
	}
}

// Run executes phases 1-14 in order. Phases 1-8 run on the calling
// goroutine since they involve real blocking I/O (mount, fsck) that
// must happen before the loop's crank starts driving services; phases
// 9 onward post their registry/runlevel mutations onto L.
func (s *Sequencer) Run(opt Options) error {
	if s.BootTimeout == 0 {
		s.BootTimeout = defaultBootTimeout
	}

	// Phase 1: fs_init.
	MountPseudo(s.Mounts, s.Logger)

	// Phase 2 (cmdline) already parsed into opt by the caller; reset the
	// startup environment per the Environment contract now that the
	// fstab path is known.
	config.ResetEnvironment(defaultFstabPath)

	// Phase 3: console init.
	s.initConsole(opt.Console)

	// Phase 4: plugin init; hook BANNER.
	s.Hooks.Fire(hooks.Banner)
	_ = s.Conds.Oneshot("hook/banner")

	// Phase 5: signal mask setup is the caller's responsibility (sig.Watch
	// is wired from finit/main.go once the loop is already running).

	// Phase 6: cgroup init.
	initCgroups(s.Logger)

	// Phase 7: fsck + mount_all.
	entries, err := LoadFstab(defaultFstabPath)
	if err != nil {
		s.Logger.Warn("fstab load failed", log.KVErr(err))
		entries = nil
	}
	// An early, throwaway config parse to pick up "check <dev>"
	// directives naming fsck targets outside of fstab; phase 10 below
	// reloads the full snapshot again once basefs is up.
	if err := s.CfgMgr.Reload(); err != nil {
		s.Logger.Warn("early config scan for check directives failed", log.KVErr(err))
	} else {
		for _, dev := range s.CfgMgr.Current().Checks {
			entries = append(entries, FstabEntry{Device: dev, PassNo: 1})
		}
	}
	recovered := false
	FsckAndMountAll(entries, s.Mounts, s.Hooks, s.Logger, s.Fsck, func() { recovered = true })
	if recovered {
		opt.Single = true
	}
	_ = s.Conds.Oneshot("hook/rootfs-up")
	_ = s.Conds.Oneshot("hook/mount-post")

	// Phase 8: opinionated finalize of runtime directories.
	FinalizeRuntimeDirs(s.Mounts, s.Logger)

	// Phase 9: conditions initialized -- already emitted inline above as
	// each hook completed, rather than as a separate batch step; a
	// one-shot condition that fires before its hook ran would be a lie.

	// Phase 10: config load.
	if err := s.CfgMgr.Reload(); err != nil {
		return err
	}
	snap := s.CfgMgr.Current()
	if opt.RunlevelOverride >= 0 {
		snap.Runlevel = opt.RunlevelOverride
	}
	if opt.Single {
		snap.Runlevel = 1
	}
	runModulesAndDeviceNodes(snap, s.Logger)

	s.post(func() {
		s.Reg.ApplyDiff(config.Reconcile(config.Snapshot{}, snap))
	})

	// Phase 11: hook BASEFS_UP, run the configured network command, start
	// control API.
	s.Hooks.Fire(hooks.BasefsUp)
	_ = s.Conds.Oneshot("hook/basefs-up")
	runNetwork(snap.Network, s.Logger)
	if s.Control != nil {
		if err := s.Control.Listen(); err != nil {
			s.Logger.Error("control socket listen failed", log.KVErr(err))
		}
	}

	// Phase 12: start the state machine crank.
	s.post(func() {
		s.RL.Switch(loopRunlevel(snap.Runlevel))
		s.crankHandle = s.L.AddPeriodic(crankPeriod, func() {
			s.Reg.StepAll(s.RL.Current())
		})
	})

	// Phase 13: bootstrap wait.
	s.waitForBootstrap()

	// Phase 14: finalize.
	s.finalize(snap)

	return nil
}

func loopRunlevel(n int) int {
	if n < 0 || n > 9 {
		return 2
	}
	return n
}

func (s *Sequencer) post(fn func()) {
	done := make(chan struct{})
	s.L.Post(func() { fn(); close(done) })
	<-done
}

func (s *Sequencer) waitForBootstrap() {
	deadline := time.Now().Add(s.BootTimeout)
	for time.Now().Before(deadline) {
		var done bool
		s.post(func() { done = s.Reg.AllBootstrapComplete() })
		if done {
			return
		}
		time.Sleep(bootstrapPoll)
	}
	s.Logger.Warn("bootstrap wait timed out", log.KV("timeout", s.BootTimeout.String()))
}

func (s *Sequencer) finalize(snap config.Snapshot) {
	s.post(func() { s.Reg.PruneBootstrap() })

	s.Hooks.Fire(hooks.SvcUp)
	_ = s.Conds.Oneshot("hook/svc-up")

	runRCLocal(s.Logger)
	runParts(snap.RunParts, s.Logger)

	s.Hooks.Fire(hooks.SystemUp)
	_ = s.Conds.Oneshot("hook/system-up")

	s.startTTYs(snap)
}

func (s *Sequencer) startTTYs(snap config.Snapshot) {
	for _, tty := range snap.TTYs {
		tty := tty
		s.post(func() {
			h := s.Reg.Register(config.ServiceSpec{
				Name:   "getty-" + tty.Device,
				Kind:   config.KindService,
				Levels: config.RunlevelMask(0x3FE),
				Path:   "/sbin/agetty",
				Args:   []string{tty.Device, itoa(tty.Baud)},
			})
			s.Reg.Step(h, s.RL.Current())
		})
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (s *Sequencer) initConsole(dev string) {
	if dev == "" {
		dev = "/dev/console"
	}
	s.Logger.Info("kernel", log.KV("version", log.KernelVersion()))
	f, err := os.OpenFile(dev, os.O_RDWR, 0)
	if err != nil {
		s.Logger.Warn("console open failed", log.KV("device", dev), log.KVErr(err))
		return
	}
	defer f.Close()

	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		s.Logger.Info("console is not an interactive terminal", log.KV("device", dev))
		return
	}
	w, h, err := term.GetSize(fd)
	if err != nil {
		s.Logger.Warn("console size query failed", log.KVErr(err))
		return
	}
	s.Logger.Info("console initialized", log.KV("device", dev), log.KV("cols", w), log.KV("rows", h))
}

func initCgroups(logger *log.Logger) {
	if err := os.MkdirAll("/sys/fs/cgroup", 0755); err != nil {
		logger.Warn("cgroup mountpoint mkdir failed", log.KVErr(err))
		return
	}
	cmd := exec.Command("mount", "-t", "cgroup2", "cgroup2", "/sys/fs/cgroup")
	if err := cmd.Run(); err != nil {
		logger.Warn("cgroup2 mount failed", log.KVErr(err))
	}
}

func runModulesAndDeviceNodes(snap config.Snapshot, logger *log.Logger) {
	for _, mod := range snap.Modules {
		if err := exec.Command("modprobe", mod).Run(); err != nil {
			logger.Warn("modprobe failed", log.KV("module", mod), log.KVErr(err))
		}
	}
	for _, spec := range snap.DeviceNodes {
		fields := strings.Fields(spec)
		if len(fields) == 0 {
			continue
		}
		if err := exec.Command("mknod", fields...).Run(); err != nil {
			logger.Warn("mknod failed", log.KV("spec", spec), log.KVErr(err))
		}
	}
}

// runNetwork runs the "network" directive's command once base
// filesystems are up.
func runNetwork(cmd string, logger *log.Logger) {
	if cmd == "" {
		return
	}
	if err := exec.Command("/bin/sh", "-c", cmd).Run(); err != nil {
		logger.Warn("network command failed", log.KVErr(err))
	}
}

// runParts runs every executable entry of dir in lexical order, the
// "runparts" directive's run_parts(8)-style bootstrap-end hook.
func runParts(dir string, logger *log.Logger) {
	if dir == "" {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("runparts directory read failed", log.KV("dir", dir), log.KVErr(err))
		}
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil || info.Mode()&0111 == 0 {
			continue
		}
		if err := exec.Command(path).Run(); err != nil {
			logger.Warn("runparts entry failed", log.KV("path", path), log.KVErr(err))
		}
	}
}

func runRCLocal(logger *log.Logger) {
	const path = "/etc/rc.local"
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Mode()&0111 == 0 {
		return
	}
	if err := exec.Command(path).Run(); err != nil {
		logger.Warn("rc.local failed", log.KVErr(err))
	}
}
