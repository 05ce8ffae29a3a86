package control

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/az143/finit/loop"
)

func TestServerRoundTripSameUID(t *testing.T) {
	l := loop.New()
	go l.Run()
	t.Cleanup(l.Stop)

	sockPath := filepath.Join(t.TempDir(), "control.sock")
	srv := NewServer(sockPath, l, nil)
	srv.AllowGroup(os.Getgid())
	srv.SetHandler(func(cmd Cmd, payload []byte) (Status, []byte) {
		if cmd != CmdVersion {
			return StatusUnknownCommand, nil
		}
		return StatusOK, []byte("1.0")
	})
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	conn, err := net.DialTimeout("unix", sockPath, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	req := Request{Cmd: CmdVersion}
	if err := req.Write(conn); err != nil {
		t.Fatalf("Write request: %v", err)
	}

	var resp Response
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := resp.Read(conn); err != nil {
		t.Fatalf("Read response: %v", err)
	}
	if resp.Status != StatusOK {
		t.Fatalf("status = %v, want StatusOK", resp.Status)
	}
	if string(resp.Payload) != "1.0" {
		t.Fatalf("payload = %q, want %q", resp.Payload, "1.0")
	}
}

func TestServerRejectsWithoutHandler(t *testing.T) {
	l := loop.New()
	go l.Run()
	t.Cleanup(l.Stop)

	sockPath := filepath.Join(t.TempDir(), "control.sock")
	srv := NewServer(sockPath, l, nil)
	srv.AllowGroup(os.Getgid())
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	conn, err := net.DialTimeout("unix", sockPath, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	req := Request{Cmd: CmdStatus}
	if err := req.Write(conn); err != nil {
		t.Fatalf("Write request: %v", err)
	}

	var resp Response
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := resp.Read(conn); err != nil {
		t.Fatalf("Read response: %v", err)
	}
	if resp.Status != StatusUnknownCommand {
		t.Fatalf("status = %v, want StatusUnknownCommand", resp.Status)
	}
}

func TestServerCloseStopsAccepting(t *testing.T) {
	l := loop.New()
	go l.Run()
	t.Cleanup(l.Stop)

	sockPath := filepath.Join(t.TempDir(), "control.sock")
	srv := NewServer(sockPath, l, nil)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := net.DialTimeout("unix", sockPath, 200*time.Millisecond); err == nil {
		t.Fatal("expected dial to fail after Close")
	}
}
