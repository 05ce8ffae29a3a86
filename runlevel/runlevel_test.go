package runlevel

import (
	"testing"
	"time"

	"github.com/az143/finit/cond"
	"github.com/az143/finit/config"
	"github.com/az143/finit/loop"
	"github.com/az143/finit/registry"
)

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

func TestSwitchUpdatesConditionsAndPrevious(t *testing.T) {
	l := loop.New()
	go l.Run()
	defer l.Stop()
	conds, _ := cond.Open("", nil)
	reg := registry.New(l, conds, nil)
	m := New(reg, conds)

	var err error
	post(l, func() { err = m.Switch(2) })
	if err != nil {
		t.Fatal(err)
	}
	if m.Current() != 2 {
		t.Fatalf("expected current 2, got %d", m.Current())
	}
	if conds.Get("sys/runlevel/2") != cond.On {
		t.Fatal("expected sys/runlevel/2 to be on")
	}

	post(l, func() { err = m.Switch(3) })
	if err != nil {
		t.Fatal(err)
	}
	prev, ok := m.Previous()
	if !ok || prev != 2 {
		t.Fatalf("expected previous 2, got %d ok=%v", prev, ok)
	}
	if conds.Get("sys/runlevel/2") != cond.Off {
		t.Fatal("expected sys/runlevel/2 to be cleared")
	}
	if conds.Get("sys/runlevel/3") != cond.On {
		t.Fatal("expected sys/runlevel/3 to be on")
	}
}

func TestSwitchIsIdempotent(t *testing.T) {
	l := loop.New()
	go l.Run()
	defer l.Stop()
	conds, _ := cond.Open("", nil)
	reg := registry.New(l, conds, nil)
	m := New(reg, conds)

	post(l, func() { m.Switch(2) })
	prev1, ok1 := m.Previous()
	post(l, func() { m.Switch(2) })
	if prev, ok := m.Previous(); prev != prev1 || ok != ok1 {
		t.Fatal("re-switching to the same runlevel must not change previous")
	}
}

func TestRejectsOutOfRangeRunlevel(t *testing.T) {
	l := loop.New()
	go l.Run()
	defer l.Stop()
	conds, _ := cond.Open("", nil)
	reg := registry.New(l, conds, nil)
	m := New(reg, conds)

	var err error
	post(l, func() { err = m.Switch(10) })
	if err == nil {
		t.Fatal("expected out-of-range runlevel to be rejected")
	}
}

func TestSwitchToZeroFiresPoweroff(t *testing.T) {
	l := loop.New()
	go l.Run()
	defer l.Stop()
	conds, _ := cond.Open("", nil)
	reg := registry.New(l, conds, nil)
	m := New(reg, conds)

	fired := make(chan Action, 1)
	m.OnShutdown(func(a Action) { fired <- a })

	post(l, func() { m.Switch(2) })
	post(l, func() { m.Switch(0) })

	select {
	case a := <-fired:
		if a != Poweroff {
			t.Fatalf("expected poweroff, got %v", a)
		}
	case <-time.After(time.Second):
		t.Fatal("shutdown callback never fired")
	}
}

func TestRunlevelTransitionStopsAndStartsServices(t *testing.T) {
	l := loop.New()
	go l.Run()
	defer l.Stop()
	conds, _ := cond.Open("", nil)
	reg := registry.New(l, conds, nil)
	m := New(reg, conds)

	var hx, hy registry.Handle
	post(l, func() {
		hx = reg.Register(config.ServiceSpec{Name: "x", Path: "/bin/sleep", Args: []string{"30"}, Kind: config.KindService, Levels: 1 << 2})
		hy = reg.Register(config.ServiceSpec{Name: "y", Path: "/bin/sleep", Args: []string{"30"}, Kind: config.KindService, Levels: 0x38})
		m.Switch(2)
	})

	waitFor(t, time.Second, func() bool {
		var running bool
		post(l, func() { recX, _ := reg.FindByHandle(hx); running = recX.State == registry.Running })
		return running
	})

	post(l, func() {
		reg.SetStopTimeout(100 * time.Millisecond)
		m.Switch(4)
	})

	waitFor(t, 2*time.Second, func() bool {
		var ok bool
		post(l, func() {
			recX, _ := reg.FindByHandle(hx)
			recY, _ := reg.FindByHandle(hy)
			ok = recX.State == registry.Halted && recY.State == registry.Running
		})
		return ok
	})
}
