//go:build !windows

package ipc

import (
	"context"
	"errors"
	"net"
)

var errNoPipes = errors.New("ipc: named pipes are only available on Windows")

func listenPipe(string) (net.Listener, error) { return nil, errNoPipes }

func dialPipe(context.Context, string) (net.Conn, error) { return nil, errNoPipes }
