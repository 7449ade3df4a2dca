package listener

import (
	"sync"

	"golang.org/x/time/rate"
)

const maxTrackedPeers = 10000

// peerLimiter throttles new connections per peer host.
type peerLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newPeerLimiter(r rate.Limit, burst int) *peerLimiter {
	if r <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &peerLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

func (pl *peerLimiter) allow(peer string) bool {
	if pl == nil {
		return true
	}
	key := hostKey(peer)
	pl.mu.Lock()
	l, ok := pl.limiters[key]
	if !ok {
		l = rate.NewLimiter(pl.rate, pl.burst)
		pl.limiters[key] = l
	}
	pl.mu.Unlock()
	return l.Allow()
}

// sweep forgets limiters that are back at full burst, and everything when the
// table grew past maxTrackedPeers.
func (pl *peerLimiter) sweep() int {
	if pl == nil {
		return 0
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if len(pl.limiters) > maxTrackedPeers {
		n := len(pl.limiters)
		pl.limiters = make(map[string]*rate.Limiter)
		return n
	}
	n := 0
	for k, l := range pl.limiters {
		if l.Tokens() >= float64(pl.burst) {
			delete(pl.limiters, k)
			n++
		}
	}
	return n
}
