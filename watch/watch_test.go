package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAddMissingPathIsNoop(t *testing.T) {
	w, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	id, err := w.Add(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatal(err)
	}
	if id != 0 {
		t.Fatalf("expected zero id for missing path, got %d", id)
	}
}

func TestAddDelFindRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	id, err := w.Add(dir)
	if err != nil {
		t.Fatal(err)
	}
	if id == 0 {
		t.Fatal("expected non-zero watch id for existing directory")
	}
	if p, ok := w.FindByID(id); !ok || p != dir {
		t.Fatalf("FindByID mismatch: %q %v", p, ok)
	}
	if gotID, ok := w.FindByPath(dir); !ok || gotID != id {
		t.Fatalf("FindByPath mismatch: %v %v", gotID, ok)
	}
	if err := w.Del(id); err != nil {
		t.Fatal(err)
	}
	if _, ok := w.FindByID(id); ok {
		t.Fatal("expected watch to be gone after Del")
	}
}

func TestChangeEventDelivered(t *testing.T) {
	dir := t.TempDir()
	w, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if _, err := w.Add(dir); err != nil {
		t.Fatal(err)
	}

	fname := filepath.Join(dir, "dropin.conf")
	if err := os.WriteFile(fname, []byte("service [2] /bin/sleep 100\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-w.Events():
		if evt.Path != fname {
			t.Fatalf("expected event for %s, got %s", fname, evt.Path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
}
