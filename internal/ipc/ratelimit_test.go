package ipc

import (
	"fmt"
	"testing"
	"time"
)

func TestRateLimiterBurstPerIdentity(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	for _, id := range []string{"uid:0", "uid:501", "S-1-5-18"} {
		for i := 0; i < 2; i++ {
			if !rl.Allow(id) {
				t.Fatalf("%s attempt %d refused", id, i+1)
			}
		}
		if rl.Allow(id) {
			t.Fatalf("%s allowed past its burst", id)
		}
	}
}

func TestRateLimiterRefills(t *testing.T) {
	rl := NewRateLimiter(2, 100*time.Millisecond)
	rl.Allow("uid:0")
	rl.Allow("uid:0")
	if rl.Allow("uid:0") {
		t.Fatal("third attempt allowed")
	}
	time.Sleep(120 * time.Millisecond)
	if !rl.Allow("uid:0") {
		t.Fatal("bucket did not refill")
	}
}

func TestRateLimiterSweepsIdlePeers(t *testing.T) {
	rl := NewRateLimiter(1, time.Millisecond)
	for i := 0; i < idlePeers; i++ {
		rl.Allow(fmt.Sprintf("uid:%d", i))
	}
	time.Sleep(5 * time.Millisecond)
	rl.Allow("uid:fresh")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.peers) != 1 {
		t.Fatalf("peers = %d after sweep, want 1", len(rl.peers))
	}
}
