package ipc

import "strconv"

// Peer is the kernel-verified identity of a local control client.
type Peer struct {
	UID uint32
	PID int
}

// Identity keys rate limiting; peers sharing a uid share a budget.
func (p Peer) Identity() string {
	return "uid:" + strconv.FormatUint(uint64(p.UID), 10)
}
