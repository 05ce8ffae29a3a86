package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestParsePrimaryBootstrapHappyPath(t *testing.T) {
	dir := t.TempDir()
	primary := writeFile(t, dir, "finit.conf", `
host testhost
runlevel 2
run     [S] /bin/true
service [2345] /usr/sbin/sshd -D
`)
	dropins := filepath.Join(dir, "finit.d")
	if err := os.Mkdir(dropins, 0755); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(primary, dropins, nil)
	snap, err := l.Load()
	if err != nil {
		t.Fatal(err)
	}
	if snap.Hostname != "testhost" {
		t.Fatalf("expected hostname testhost, got %q", snap.Hostname)
	}
	if snap.Runlevel != 2 {
		t.Fatalf("expected runlevel 2, got %d", snap.Runlevel)
	}
	if len(snap.Services) != 2 {
		t.Fatalf("expected 2 services, got %d", len(snap.Services))
	}
	byName := map[string]ServiceSpec{}
	for _, s := range snap.Services {
		byName[s.Name] = s
	}
	run, ok := byName["true"]
	if !ok || run.Kind != KindRun || !run.Levels.HasS() {
		t.Fatalf("expected run service in S, got %+v ok=%v", run, ok)
	}
	sshd, ok := byName["sshd"]
	if !ok || sshd.Kind != KindService || !sshd.Levels.Has(2) || !sshd.Levels.Has(5) {
		t.Fatalf("expected sshd service in 2345, got %+v ok=%v", sshd, ok)
	}
	if len(sshd.Args) != 1 || sshd.Args[0] != "-D" {
		t.Fatalf("expected sshd arg -D, got %v", sshd.Args)
	}
}

func TestDropInOverridesPrimaryByIdentity(t *testing.T) {
	dir := t.TempDir()
	dropins := filepath.Join(dir, "finit.d")
	if err := os.Mkdir(dropins, 0755); err != nil {
		t.Fatal(err)
	}
	primary := writeFile(t, dir, "finit.conf", "service [2] /usr/sbin/httpd\n")
	writeFile(t, dropins, "10-httpd.conf", "service [234] /usr/sbin/httpd -f /etc/httpd.conf\n")

	l := NewLoader(primary, dropins, nil)
	snap, err := l.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Services) != 1 {
		t.Fatalf("expected drop-in to override same identity, got %d services", len(snap.Services))
	}
	svc := snap.Services[0]
	if !svc.Levels.Has(3) || len(svc.Args) != 2 {
		t.Fatalf("expected drop-in's declaration to win, got %+v", svc)
	}
}

func TestUnrecognizedDirectiveIsSkipped(t *testing.T) {
	dir := t.TempDir()
	primary := writeFile(t, dir, "finit.conf", "bogus directive here\nhost real\n")
	l := NewLoader(primary, filepath.Join(dir, "missing"), nil)
	snap, err := l.Load()
	if err != nil {
		t.Fatal(err)
	}
	if snap.Hostname != "real" {
		t.Fatalf("expected parse to continue past bad line, got hostname %q", snap.Hostname)
	}
}

func TestServiceDisableEnvVar(t *testing.T) {
	dir := t.TempDir()
	primary := writeFile(t, dir, "finit.conf", "service [2] /usr/sbin/httpd\n")
	t.Setenv("DISABLE_HTTPD", "true")

	l := NewLoader(primary, filepath.Join(dir, "missing"), nil)
	snap, err := l.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Services) != 0 {
		t.Fatalf("expected httpd to be disabled via env var, got %v", snap.Services)
	}
}

func TestRunlevelDirectiveClampsIllegalValues(t *testing.T) {
	dir := t.TempDir()
	primary := writeFile(t, dir, "finit.conf", "runlevel 6\n")
	l := NewLoader(primary, filepath.Join(dir, "missing"), nil)
	snap, err := l.Load()
	if err != nil {
		t.Fatal(err)
	}
	if snap.Runlevel != defaultRunlevel {
		t.Fatalf("expected runlevel 6 to be rejected in favor of default, got %d", snap.Runlevel)
	}
}

func TestServiceSpecQualifiersAndCondition(t *testing.T) {
	spec, err := parseServiceSpec("[234] name:web cond:net/route/default /usr/sbin/httpd -D -- web server", KindService, "root")
	if err != nil {
		t.Fatal(err)
	}
	if spec.Name != "web" {
		t.Fatalf("expected name qualifier to set Name, got %q", spec.Name)
	}
	if spec.Description != "web server" {
		t.Fatalf("expected description, got %q", spec.Description)
	}
	if len(spec.CondExpr) != 1 || spec.CondExpr[0] != "net/route/default" {
		t.Fatalf("expected condition expr, got %v", spec.CondExpr)
	}
	if len(spec.Args) != 1 || spec.Args[0] != "-D" {
		t.Fatalf("expected arg -D, got %v", spec.Args)
	}
}

func TestCrashHandlerQualifier(t *testing.T) {
	spec, err := parseServiceSpec("[234] crash-handler:/etc/finit.d/crash-report.sh /usr/sbin/httpd", KindService, "root")
	if err != nil {
		t.Fatal(err)
	}
	if spec.CrashHandler != "/etc/finit.d/crash-report.sh" {
		t.Fatalf("expected crash-handler qualifier to set CrashHandler, got %q", spec.CrashHandler)
	}
}

func TestNetworkRunPartsAndShutdownDirectives(t *testing.T) {
	dir := t.TempDir()
	primary := writeFile(t, dir, "finit.conf", `
network  /sbin/ifup -a
runparts /etc/finit.d/boot.d
shutdown /usr/sbin/sync-and-log
`)
	l := NewLoader(primary, filepath.Join(dir, "finit.d"), nil)
	snap, err := l.Load()
	if err != nil {
		t.Fatal(err)
	}
	if snap.Network != "/sbin/ifup -a" {
		t.Fatalf("expected network directive recorded, got %q", snap.Network)
	}
	if snap.RunParts != "/etc/finit.d/boot.d" {
		t.Fatalf("expected runparts directive recorded, got %q", snap.RunParts)
	}
	if snap.Shutdown != "/usr/sbin/sync-and-log" {
		t.Fatalf("expected shutdown directive recorded, got %q", snap.Shutdown)
	}
}

func TestResetEnvironmentSetsExpectedVars(t *testing.T) {
	ResetEnvironment("/etc/fstab")

	if os.Getenv("PATH") != defaultPath {
		t.Fatalf("PATH = %q, want %q", os.Getenv("PATH"), defaultPath)
	}
	if os.Getenv("SHELL") != defaultShell {
		t.Fatalf("SHELL = %q, want %q", os.Getenv("SHELL"), defaultShell)
	}
	if os.Getenv("FSTAB_FILE") != "/etc/fstab" {
		t.Fatalf("FSTAB_FILE = %q, want /etc/fstab", os.Getenv("FSTAB_FILE"))
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	primary := writeFile(t, dir, "finit.conf", "host rt\nservice [2] /bin/sleep 100\n")
	l := NewLoader(primary, filepath.Join(dir, "missing"), nil)
	snap, err := l.Load()
	if err != nil {
		t.Fatal(err)
	}
	data, err := snap.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	snap2, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if snap2.Hostname != snap.Hostname || len(snap2.Services) != len(snap.Services) {
		t.Fatalf("round trip mismatch: %+v vs %+v", snap, snap2)
	}
}

func TestSaveLoadCache(t *testing.T) {
	dir := t.TempDir()
	snap := Snapshot{Hostname: "cached", Services: []ServiceSpec{{Name: "x", Path: "/bin/true", Kind: KindRun}}}
	path := filepath.Join(dir, "snapshot.json")
	if err := snap.SaveCache(path); err != nil {
		t.Fatal(err)
	}
	got, err := LoadCache(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Hostname != "cached" || len(got.Services) != 1 {
		t.Fatalf("unexpected cache round trip: %+v", got)
	}
}

func TestReconcileAddedRemovedModified(t *testing.T) {
	old := Snapshot{Services: []ServiceSpec{
		{Name: "a", Path: "/bin/a"},
		{Name: "b", Path: "/bin/b"},
	}}
	next := Snapshot{Services: []ServiceSpec{
		{Name: "a", Path: "/bin/a", Args: []string{"--flag"}},
		{Name: "c", Path: "/bin/c"},
	}}
	d := Reconcile(old, next)
	if len(d.Added) != 1 || d.Added[0].Name != "c" {
		t.Fatalf("expected c added, got %v", d.Added)
	}
	if len(d.Removed) != 1 || d.Removed[0].Name != "b" {
		t.Fatalf("expected b removed, got %v", d.Removed)
	}
	if len(d.Modified) != 1 || d.Modified[0].Name != "a" {
		t.Fatalf("expected a modified, got %v", d.Modified)
	}
}

func TestReconcileNoChangeIsIdempotent(t *testing.T) {
	snap := Snapshot{Services: []ServiceSpec{{Name: "a", Path: "/bin/a"}}}
	d := Reconcile(snap, snap)
	if len(d.Added) != 0 || len(d.Removed) != 0 || len(d.Modified) != 0 {
		t.Fatalf("expected no-op reconcile, got %+v", d)
	}
	if len(d.Unchanged) != 1 {
		t.Fatalf("expected 1 unchanged identity, got %d", len(d.Unchanged))
	}
}

func TestManagerReloadInvokesCallback(t *testing.T) {
	dir := t.TempDir()
	primary := writeFile(t, dir, "finit.conf", "host one\n")
	m := NewManager(primary, filepath.Join(dir, "missing"), nil)

	var calls int
	m.OnReload(func(prev, next Snapshot) { calls++ })

	if err := m.Reload(); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 reload callback, got %d", calls)
	}
	if m.Current().Hostname != "one" {
		t.Fatalf("expected current snapshot to reflect reload, got %q", m.Current().Hostname)
	}
}
