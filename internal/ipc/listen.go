package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

const pipePrefix = `\\.\pipe\`

// ErrNoPeerCredentials is returned when the kernel cannot vouch for a peer,
// e.g. on TCP connections.
var ErrNoPeerCredentials = errors.New("ipc: peer credentials unavailable")

// ParseAddress splits "unix:///path", "tcp://host:port", "npipe://name", a
// bare pipe path (\\.\pipe\name) or a bare socket path into a network and
// address. TCP addresses must be loopback.
func ParseAddress(addr string) (network, address string, err error) {
	switch {
	case strings.HasPrefix(addr, "npipe://"):
		name := strings.TrimPrefix(addr, "npipe://")
		if name == "" || strings.ContainsAny(name, `\/`) {
			return "", "", fmt.Errorf("ipc: bad pipe name in %q", addr)
		}
		return "npipe", pipePrefix + name, nil
	case strings.HasPrefix(addr, pipePrefix):
		network, address = "npipe", addr
	case strings.HasPrefix(addr, "unix://"):
		network, address = "unix", strings.TrimPrefix(addr, "unix://")
	case strings.HasPrefix(addr, "tcp://"):
		network, address = "tcp", strings.TrimPrefix(addr, "tcp://")
	case addr == "":
		return ParseAddress(DefaultControlAddress())
	default:
		network, address = "unix", addr
	}

	if network == "tcp" {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return "", "", fmt.Errorf("ipc: bad control address %q: %w", addr, err)
		}
		ip := net.ParseIP(host)
		if host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			return "", "", fmt.Errorf("ipc: control address %q is not loopback", addr)
		}
	}
	if address == "" || address == pipePrefix {
		return "", "", fmt.Errorf("ipc: empty control address %q", addr)
	}
	return network, address, nil
}

// Listen opens the control listener. A stale unix socket is replaced and the
// new one is restricted to its owner.
func Listen(addr string) (net.Listener, error) {
	network, address, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	if network == "unix" {
		if err := os.MkdirAll(filepath.Dir(address), 0o755); err != nil {
			return nil, fmt.Errorf("ipc: create socket dir: %w", err)
		}
		if err := os.Remove(address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("ipc: remove stale socket: %w", err)
		}
	}
	if network == "npipe" {
		return listenPipe(address)
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen %s: %w", addr, err)
	}
	if network == "unix" {
		if err := os.Chmod(address, 0o600); err != nil {
			ln.Close()
			return nil, fmt.Errorf("ipc: chmod socket: %w", err)
		}
	}
	return ln, nil
}

func dial(ctx context.Context, addr string) (net.Conn, error) {
	network, address, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	if network == "npipe" {
		return dialPipe(ctx, address)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("ipc: connect %s: %w", addr, err)
	}
	return conn, nil
}
