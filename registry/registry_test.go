package registry

import (
	"os"
	"testing"
	"time"

	"github.com/az143/finit/cond"
	"github.com/az143/finit/config"
	"github.com/az143/finit/loop"
)

func newTestRegistry(t *testing.T) (*Registry, *loop.Loop) {
	t.Helper()
	l := loop.New()
	go l.Run()
	t.Cleanup(l.Stop)
	conds, err := cond.Open("", nil)
	if err != nil {
		t.Fatal(err)
	}
	return New(l, conds, nil), l
}

// post runs fn on the loop goroutine and blocks until it returns.
func post(l *loop.Loop, fn func()) {
	done := make(chan struct{})
	l.Post(func() { fn(); close(done) })
	<-done
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestRegisterFindIdempotent(t *testing.T) {
	reg, l := newTestRegistry(t)
	spec := config.ServiceSpec{Name: "web", Path: "/usr/sbin/httpd", Kind: config.KindService, Levels: 0x3E}
	var h1, h2 Handle
	post(l, func() {
		h1 = reg.Register(spec)
		h2 = reg.Register(spec)
	})
	if h1 != h2 {
		t.Fatalf("expected register to be idempotent by identity, got %v vs %v", h1, h2)
	}
	var rec *Record
	var ok bool
	post(l, func() { rec, ok = reg.Find("web", "") })
	if !ok || rec.Handle != h1 {
		t.Fatalf("Find did not return the registered record")
	}
}

func TestRunServiceCompletesBootstrap(t *testing.T) {
	reg, l := newTestRegistry(t)
	spec := config.ServiceSpec{Name: "true", Path: "/bin/true", Kind: config.KindRun, Levels: config.LevelS}
	var h Handle
	post(l, func() {
		h = reg.Register(spec)
		reg.Step(h, Bootstrap)
	})

	waitFor(t, 2*time.Second, func() bool {
		var complete bool
		post(l, func() { complete = reg.AllBootstrapComplete() })
		return complete
	})

	var rec *Record
	post(l, func() { rec, _ = reg.FindByHandle(h) })
	if rec.State != Halted {
		t.Fatalf("expected run-kind service to end halted, got %v", rec.State)
	}
}

func TestServiceStartStopViaStep(t *testing.T) {
	reg, l := newTestRegistry(t)
	spec := config.ServiceSpec{Name: "sleeper", Path: "/bin/sleep", Args: []string{"30"}, Kind: config.KindService, Levels: 1 << 2}
	var h Handle
	post(l, func() {
		h = reg.Register(spec)
		reg.SetRunlevel(2)
		reg.Step(h, 2)
	})

	waitFor(t, time.Second, func() bool {
		var running bool
		post(l, func() { rec, _ := reg.FindByHandle(h); running = rec.State == Running && rec.PID != 0 })
		return running
	})

	post(l, func() { reg.SetStopTimeout(100 * time.Millisecond); reg.Step(h, 3) })

	waitFor(t, 2*time.Second, func() bool {
		var halted bool
		post(l, func() { rec, _ := reg.FindByHandle(h); halted = rec.State == Halted })
		return halted
	})
}

func TestCrashThrottleReachesCrashedState(t *testing.T) {
	reg, l := newTestRegistry(t)
	spec := config.ServiceSpec{Name: "failer", Path: "/bin/false", Kind: config.KindService, Levels: 1 << 2}
	var h Handle
	post(l, func() {
		reg.SetThrottle(3, time.Minute)
		h = reg.Register(spec)
		reg.SetRunlevel(2)
		reg.Step(h, 2)
	})

	waitFor(t, 5*time.Second, func() bool {
		var state State
		post(l, func() { rec, _ := reg.FindByHandle(h); state = rec.State })
		return state == Crashed
	})

	var rec *Record
	post(l, func() { rec, _ = reg.FindByHandle(h) })
	if len(rec.crashes) <= 3 {
		t.Fatalf("expected crash count beyond throttle limit, got %d", len(rec.crashes))
	}
}

func TestApplyDiffRegistersAddedServices(t *testing.T) {
	reg, l := newTestRegistry(t)
	d := config.Diff{Added: []config.ServiceSpec{
		{Name: "new", Path: "/bin/true", Kind: config.KindRun, Levels: config.LevelS},
	}}
	post(l, func() { reg.ApplyDiff(d) })

	var rec *Record
	var ok bool
	post(l, func() { rec, ok = reg.Find("new", "") })
	if !ok || rec.State != Halted {
		t.Fatalf("expected added service registered halted, got %+v ok=%v", rec, ok)
	}
}

func TestCrashHandlerFiresOnAbnormalExit(t *testing.T) {
	reg, l := newTestRegistry(t)

	dir := t.TempDir()
	marker := dir + "/fired"
	handler := dir + "/handler.sh"
	script := "#!/bin/sh\necho \"$1\" >> " + marker + "\n"
	if err := os.WriteFile(handler, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}

	spec := config.ServiceSpec{
		Name: "failer", Path: "/bin/false", Kind: config.KindService, Levels: 1 << 2,
		CrashHandler: handler,
	}
	var h Handle
	post(l, func() {
		reg.SetThrottle(100, time.Minute)
		h = reg.Register(spec)
		reg.SetRunlevel(2)
		reg.Step(h, 2)
	})

	waitFor(t, 5*time.Second, func() bool {
		b, err := os.ReadFile(marker)
		return err == nil && len(b) > 0
	})
}

func TestPruneBootstrapDropsNeverRanRecords(t *testing.T) {
	reg, l := newTestRegistry(t)
	var h Handle
	post(l, func() {
		h = reg.Register(config.ServiceSpec{Name: "unused", Path: "/bin/true", Kind: config.KindRun, Levels: config.LevelS})
		reg.PruneBootstrap()
	})
	var ok bool
	post(l, func() { _, ok = reg.FindByHandle(h) })
	if ok {
		t.Fatal("expected never-run bootstrap-only record to be pruned")
	}
}
