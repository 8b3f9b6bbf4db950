package ipc

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// localPeerPID is LOCAL_PEERPID from <sys/un.h>.
const localPeerPID = 0x002

func DefaultControlAddress() string {
	return "unix:///Library/Application Support/Breeze/updater.sock"
}

func peerOf(conn net.Conn) (Peer, error) {
	var p Peer
	err := withFD(conn, func(fd int) error {
		xcred, err := unix.GetsockoptXucred(fd, unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
		if err != nil {
			return fmt.Errorf("ipc: LOCAL_PEERCRED: %w", err)
		}
		p.UID = xcred.Uid
		// The pid is informational; older kernels lack LOCAL_PEERPID.
		if pid, err := unix.GetsockoptInt(fd, unix.SOL_LOCAL, localPeerPID); err == nil {
			p.PID = pid
		}
		return nil
	})
	return p, err
}
