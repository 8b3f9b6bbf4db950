package ipc

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idlePeers is the map size past which idle peers are swept on Allow.
const idlePeers = 256

// RateLimiter gives every peer identity a token bucket of burst attempts
// refilled evenly over window.
type RateLimiter struct {
	every rate.Limit
	burst int
	idle  time.Duration

	mu    sync.Mutex
	peers map[string]*peerLimit
}

type peerLimit struct {
	lim  *rate.Limiter
	seen time.Time
}

func NewRateLimiter(burst int, window time.Duration) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		every: rate.Every(window / time.Duration(burst)),
		burst: burst,
		idle:  window,
		peers: make(map[string]*peerLimit),
	}
}

// Allow reports whether identity may proceed, consuming a token if so.
func (r *RateLimiter) Allow(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if len(r.peers) >= idlePeers {
		for id, p := range r.peers {
			if now.Sub(p.seen) > r.idle {
				delete(r.peers, id)
			}
		}
	}
	p, ok := r.peers[identity]
	if !ok {
		p = &peerLimit{lim: rate.NewLimiter(r.every, r.burst)}
		r.peers[identity] = p
	}
	p.seen = now
	return p.lim.AllowN(now, 1)
}
