package shutdown

import (
	"testing"
	"time"

	"github.com/az143/finit/cond"
	"github.com/az143/finit/config"
	"github.com/az143/finit/hooks"
	"github.com/az143/finit/loop"
	"github.com/az143/finit/registry"
	"github.com/az143/finit/runlevel"
)

func newTestSequencer(t *testing.T) (*Sequencer, *loop.Loop, *registry.Registry, *[]string) {
	t.Helper()
	l := loop.New()
	go l.Run()
	t.Cleanup(l.Stop)

	conds, err := cond.Open("", nil)
	if err != nil {
		t.Fatal(err)
	}
	reg := registry.New(l, conds, nil)
	hk := hooks.New()

	var unmounted []string
	mounts := func() []Mount {
		return []Mount{{Target: "/", Source: "rootfs"}, {Target: "/var", Source: "tmpfs"}}
	}
	unmount := func(target string) error {
		unmounted = append(unmounted, target)
		return nil
	}

	var rebootCalls []runlevel.Action
	reboot := func(a runlevel.Action) error {
		rebootCalls = append(rebootCalls, a)
		return nil
	}

	seq := New(l, reg, conds, hk, nil, mounts, unmount, nil, reboot)
	seq.SetDrainTimeout(200 * time.Millisecond)
	return seq, l, reg, &unmounted
}

func TestRunFiresShutdownHookAndUnmountsInReverseOrder(t *testing.T) {
	seq, _, _, unmounted := newTestSequencer(t)

	var hookFired bool
	seq.hk.On(hooks.Shutdown, func() { hookFired = true })

	if err := seq.Run(runlevel.Poweroff, 0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !hookFired {
		t.Fatal("expected SHUTDOWN hook to fire")
	}
	want := []string{"/var", "/"}
	if len(*unmounted) != len(want) {
		t.Fatalf("unmounted = %v, want %v", *unmounted, want)
	}
	for i := range want {
		if (*unmounted)[i] != want[i] {
			t.Fatalf("unmounted = %v, want %v", *unmounted, want)
		}
	}
}

func TestRunSetsGoingDownCondition(t *testing.T) {
	seq, _, _, _ := newTestSequencer(t)
	if err := seq.Run(runlevel.Reboot, 6); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if seq.conds.Get("sys/going-down") != cond.On {
		t.Fatal("expected sys/going-down to be On after Run")
	}
}

func TestRunDrainsRunningServices(t *testing.T) {
	seq, l, reg, _ := newTestSequencer(t)

	var h registry.Handle
	post(l, func() {
		h = reg.Register(config.ServiceSpec{
			Name: "sleeper", Path: "/bin/sleep", Args: []string{"30"},
			Kind: config.KindService, Levels: 0x3FE, // excludes runlevel 0
		})
		reg.Step(h, 2)
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var running bool
		post(l, func() {
			rec, ok := reg.FindByHandle(h)
			running = ok && rec.State == registry.Running
		})
		if running {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := seq.Run(runlevel.Poweroff, 0); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var finalState registry.State
	post(l, func() {
		rec, _ := reg.FindByHandle(h)
		finalState = rec.State
	})
	if finalState == registry.Running {
		t.Fatalf("service still running after drain, state=%v", finalState)
	}
}

func post(l *loop.Loop, fn func()) {
	done := make(chan struct{})
	l.Post(func() { fn(); close(done) })
	<-done
}
