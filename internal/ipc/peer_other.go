//go:build !linux && !darwin && !windows

package ipc

import "net"

func DefaultControlAddress() string { return "tcp://127.0.0.1:47811" }

func peerOf(net.Conn) (Peer, error) { return Peer{}, ErrNoPeerCredentials }
