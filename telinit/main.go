// Command telinit is the non-PID-1 client for the supervisor's control
// socket: it translates the classic telinit argument style (a runlevel
// digit, q/Q for reload, s/S for single-user) into one control request.
package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/az143/finit/control"
)

const defaultSocketPath = "/run/finit/control.sock"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: telinit {0-9|q|Q|s|S}")
		os.Exit(2)
	}

	req, err := translate(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "telinit:", err)
		os.Exit(2)
	}

	sockPath := os.Getenv("FINIT_SOCKET")
	if sockPath == "" {
		sockPath = defaultSocketPath
	}

	if err := send(sockPath, req); err != nil {
		fmt.Fprintln(os.Stderr, "telinit:", err)
		os.Exit(1)
	}
}

func translate(arg string) (control.Request, error) {
	switch arg {
	case "q":
		return control.Request{Cmd: control.CmdReload}, nil
	case "Q":
		return control.Request{Cmd: control.CmdReload}, nil
	case "s", "S":
		return control.Request{Cmd: control.CmdRunlevel, Payload: []byte("1")}, nil
	}
	if len(arg) == 1 && arg[0] >= '0' && arg[0] <= '9' {
		return control.Request{Cmd: control.CmdRunlevel, Payload: []byte(arg)}, nil
	}
	return control.Request{}, fmt.Errorf("unrecognized argument %q", arg)
}

func send(sockPath string, req control.Request) error {
	conn, err := net.DialTimeout("unix", sockPath, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", sockPath, err)
	}
	defer conn.Close()

	if err := req.Write(conn); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}

	var resp control.Response
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := resp.Read(conn); err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.Status != control.StatusOK {
		return fmt.Errorf("request failed: status=%d %s", resp.Status, resp.Payload)
	}
	return nil
}
