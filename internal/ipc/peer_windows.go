package ipc

import "net"

func DefaultControlAddress() string { return "npipe://breeze-updater" }

// Named pipe clients are admitted by the pipe DACL and the control key.
func peerOf(net.Conn) (Peer, error) { return Peer{}, ErrNoPeerCredentials }
