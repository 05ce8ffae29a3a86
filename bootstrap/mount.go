package bootstrap

import (
	"context"
	"os"
	"os/exec"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/az143/finit/hooks"
	"github.com/az143/finit/log"
	"github.com/az143/finit/shutdown"
)

// Fsck runs the filesystem checker for one fstab entry. The production
// implementation shells out to fsck(8); tests substitute a fake.
type Fsck func(entry FstabEntry) error

// ExecFsck runs the real fsck(8) binary non-interactively.
func ExecFsck(entry FstabEntry) error {
	cmd := exec.Command("fsck", "-a", entry.Device)
	return cmd.Run()
}

// MountTable tracks every filesystem mounted during bootstrap in mount
// order, so the shutdown sequencer can unwind it in reverse.
type MountTable struct {
	mounts []shutdown.Mount
}

// Record appends a successfully mounted entry.
func (t *MountTable) Record(source, target string) {
	t.mounts = append(t.mounts, shutdown.Mount{Source: source, Target: target})
}

// Snapshot returns the tracked mounts in mount order, satisfying the
// shape shutdown.Sequencer expects from its mounts callback.
func (t *MountTable) Snapshot() []shutdown.Mount {
	out := make([]shutdown.Mount, len(t.mounts))
	copy(out, t.mounts)
	return out
}

// MountPseudo mounts the small set of pseudo-filesystems the kernel
// needs available before anything else: /proc, /sys, /dev, /dev/pts.
func MountPseudo(t *MountTable, logger *log.Logger) {
	pseudo := []struct{ source, target, fstype, data string }{
		{"proc", "/proc", "proc", ""},
		{"sysfs", "/sys", "sysfs", ""},
		{"devtmpfs", "/dev", "devtmpfs", ""},
		{"devpts", "/dev/pts", "devpts", "gid=5,mode=620"},
	}
	for _, p := range pseudo {
		if err := os.MkdirAll(p.target, 0755); err != nil {
			logger.Warn("mkdir for pseudo mount failed", log.KV("target", p.target), log.KVErr(err))
			continue
		}
		if err := unix.Mount(p.source, p.target, p.fstype, 0, p.data); err != nil {
			logger.Warn("mount failed", log.KV("target", p.target), log.KVErr(err))
			continue
		}
		t.Record(p.source, p.target)
	}
}

// FinalizeRuntimeDirs mounts the opinionated tmpfs set the supervisor
// always provides regardless of fstab contents: /dev/shm, /run,
// /run/lock, /tmp.
func FinalizeRuntimeDirs(t *MountTable, logger *log.Logger) {
	dirs := []struct{ target, opts string }{
		{"/dev/shm", "mode=1777"},
		{"/run", "mode=0755"},
		{"/run/lock", "mode=1777"},
		{"/tmp", "mode=1777"},
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d.target, 0755); err != nil {
			logger.Warn("mkdir for runtime dir failed", log.KV("target", d.target), log.KVErr(err))
			continue
		}
		if err := unix.Mount("tmpfs", d.target, "tmpfs", 0, d.opts); err != nil {
			logger.Warn("mount failed", log.KV("target", d.target), log.KVErr(err))
			continue
		}
		t.Record("tmpfs", d.target)
	}
}

// FsckAndMountAll runs fsck on every checkable fstab entry (parallel
// within a pass, passes in ascending order), remounts root rw if listed
// rw, mounts everything else, enables swap, and fires ROOTFS_UP then
// MOUNT_POST. If any fsck in the lowest pass fails, recover is invoked
// and FsckAndMountAll then returns without mounting anything, enabling
// swap or firing either hook.
func FsckAndMountAll(entries []FstabEntry, t *MountTable, hk *hooks.Registry, logger *log.Logger, fsck Fsck, recover func()) {
	for passNo, group := range passGroups(entries) {
		g, _ := errgroup.WithContext(context.Background())
		results := make([]error, len(group))
		for i, e := range group {
			i, e := i, e
			g.Go(func() error {
				results[i] = fsck(e)
				return nil
			})
		}
		_ = g.Wait()

		failed := false
		for i, err := range results {
			if err != nil {
				logger.Error("fsck failed", log.KV("device", group[i].Device), log.KVErr(err))
				failed = true
			}
		}
		// Pass 1 (root) failing is unrecoverable without operator
		// intervention; later passes are degraded-continue.
		if failed && passNo == 0 {
			recover()
			return
		}
	}

	mountAll(entries, t, hk, logger)
	hk.Fire(hooks.RootfsUp)
	hk.Fire(hooks.MountPost)
}

func mountAll(entries []FstabEntry, t *MountTable, hk *hooks.Registry, logger *log.Logger) {
	for _, e := range entries {
		if e.Mountpoint == "" {
			// check-only entry contributed by a "check <dev>" config
			// directive: fsck already ran above, nothing to mount.
			continue
		}
		if e.Mountpoint == "/" {
			if rwListed(e.Options) {
				if err := unix.Mount(e.Device, "/", e.FSType, unix.MS_REMOUNT, ""); err != nil {
					logger.Warn("remount root rw failed", log.KVErr(err))
					hk.Fire(hooks.MountError)
				}
			}
			continue
		}
		if e.FSType == "swap" {
			if err := unix.Swapon(e.Device, 0); err != nil {
				logger.Warn("swapon failed", log.KV("device", e.Device), log.KVErr(err))
			}
			continue
		}
		if err := os.MkdirAll(e.Mountpoint, 0755); err != nil {
			logger.Warn("mkdir for mount failed", log.KV("target", e.Mountpoint), log.KVErr(err))
			continue
		}
		if err := unix.Mount(e.Device, e.Mountpoint, e.FSType, 0, e.Options); err != nil {
			logger.Warn("mount failed", log.KV("target", e.Mountpoint), log.KVErr(err))
			hk.Fire(hooks.MountError)
			continue
		}
		t.Record(e.Device, e.Mountpoint)
	}
}

func rwListed(opts string) bool {
	for _, o := range splitOpts(opts) {
		if o == "rw" {
			return true
		}
	}
	return false
}

func splitOpts(opts string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(opts); i++ {
		if i == len(opts) || opts[i] == ',' {
			if i > start {
				out = append(out, opts[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// Unmount detaches target, used as shutdown.Sequencer's unmount callback.
func Unmount(target string) error {
	return unix.Unmount(target, 0)
}
