package ipc

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

func DefaultControlAddress() string {
	return "unix:///var/run/breeze/updater.sock"
}

func peerOf(conn net.Conn) (Peer, error) {
	var p Peer
	err := withFD(conn, func(fd int) error {
		cred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err != nil {
			return fmt.Errorf("ipc: SO_PEERCRED: %w", err)
		}
		p = Peer{UID: cred.Uid, PID: int(cred.Pid)}
		return nil
	})
	return p, err
}
