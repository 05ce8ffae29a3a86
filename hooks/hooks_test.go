package hooks

import "testing"

func TestFireRunsCallbacksInOrder(t *testing.T) {
	r := New()
	var order []int
	r.On(Banner, func() { order = append(order, 1) })
	r.On(Banner, func() { order = append(order, 2) })
	r.On(Banner, func() { order = append(order, 3) })

	r.Fire(Banner)

	want := []int{1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestFireOnEmptyPointIsNoOp(t *testing.T) {
	r := New()
	r.Fire(SystemUp) // must not panic
}

func TestPointsAreIndependent(t *testing.T) {
	r := New()
	var bannerFired, shutdownFired bool
	r.On(Banner, func() { bannerFired = true })
	r.On(Shutdown, func() { shutdownFired = true })

	r.Fire(Banner)

	if !bannerFired {
		t.Fatal("expected Banner hook to fire")
	}
	if shutdownFired {
		t.Fatal("Shutdown hook fired unexpectedly")
	}
}

func TestPointString(t *testing.T) {
	cases := map[Point]string{
		Banner:     "BANNER",
		RootfsUp:   "ROOTFS_UP",
		MountPost:  "MOUNT_POST",
		MountError: "MOUNT_ERROR",
		BasefsUp:   "BASEFS_UP",
		SvcUp:      "SVC_UP",
		SystemUp:   "SYSTEM_UP",
		Shutdown:   "SHUTDOWN",
	}
	for p, want := range cases {
		if got := p.String(); got != want {
			t.Errorf("Point(%d).String() = %q, want %q", int(p), got, want)
		}
	}
}
