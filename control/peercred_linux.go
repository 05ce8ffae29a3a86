//go:build linux

package control

import (
	"net"

	"golang.org/x/sys/unix"
)

// authorized enforces the control API's authorization rule: the
// connecting peer must be uid 0 or in the configured group.
func (s *Server) authorized(conn *net.UnixConn) bool {
	raw, err := conn.SyscallConn()
	if err != nil {
		return false
	}

	var uid, gid uint32
	var credErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		uc, err := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err != nil {
			credErr = err
			return
		}
		uid, gid = uc.Uid, uc.Gid
	})
	if ctrlErr != nil || credErr != nil {
		return false
	}
	if uid == 0 {
		return true
	}
	return s.hasGID && gid == uint32(s.allowedGID)
}
