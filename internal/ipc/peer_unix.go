//go:build linux || darwin

package ipc

import (
	"fmt"
	"net"
)

// withFD runs fn against the socket behind a unix connection.
func withFD(conn net.Conn, fn func(fd int) error) error {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return ErrNoPeerCredentials
	}
	rc, err := uc.SyscallConn()
	if err != nil {
		return fmt.Errorf("ipc: syscall conn: %w", err)
	}
	var fnErr error
	if err := rc.Control(func(fd uintptr) { fnErr = fn(int(fd)) }); err != nil {
		return fmt.Errorf("ipc: control: %w", err)
	}
	return fnErr
}
