// Package ratelimiter throttles repeated activity from a single source
// address with a token bucket. The listener and the LAN beacon each use
// their own instance, per source IP: the beacon sends no reply to a sender
// over budget, and the listener terminates a link from a source over budget
// once link.Listen has completed its handshake, before the router sees it.
// The handshake itself is not rate-limited.
package ratelimiter

import (
	"net/netip"
	"sync"
	"time"
)

// DefaultPacketsPerSecond and DefaultBurst are the rate applied when a base
// doesn't override them in its config (cmd/spider's "rate_limit_per_sec" /
// "rate_limit_burst" keys).
const (
	DefaultPacketsPerSecond = 20
	DefaultBurst            = 5
	garbageCollectTime      = time.Second
)

type RatelimiterEntry struct {
	mu       sync.Mutex
	lastTime time.Time
	tokens   int64
}

// Ratelimiter is a per-source-address token bucket. Rate and burst are
// per-instance so each base can size its own budget.
type Ratelimiter struct {
	mu      sync.RWMutex
	timeNow func() time.Time

	packetCost int64
	maxTokens  int64

	stopReset chan struct{} // send to reset, close to stop
	table     map[netip.Addr]*RatelimiterEntry
}

func (rate *Ratelimiter) Close() {
	rate.mu.Lock()
	defer rate.mu.Unlock()

	if rate.stopReset != nil {
		close(rate.stopReset)
	}
}

// Init (re)starts the limiter at ratePerSecond tokens/sec with room for
// burst extra packets in one burst. A zero or negative value for either
// falls back to the package default.
func (rate *Ratelimiter) Init(ratePerSecond, burst int) {
	rate.mu.Lock()
	defer rate.mu.Unlock()

	if ratePerSecond <= 0 {
		ratePerSecond = DefaultPacketsPerSecond
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	rate.packetCost = int64(time.Second) / int64(ratePerSecond)
	rate.maxTokens = rate.packetCost * int64(burst)

	if rate.timeNow == nil {
		rate.timeNow = time.Now
	}

	// stop any ongoing garbage collection routine
	if rate.stopReset != nil {
		close(rate.stopReset)
	}

	rate.stopReset = make(chan struct{})
	rate.table = make(map[netip.Addr]*RatelimiterEntry)

	stopReset := rate.stopReset // store in case Init is called again.

	// Start garbage collection routine.
	go func() {
		ticker := time.NewTicker(time.Second)
		ticker.Stop()
		for {
			select {
			case _, ok := <-stopReset:
				ticker.Stop()
				if !ok {
					return
				}
				ticker = time.NewTicker(time.Second)
			case <-ticker.C:
				if rate.cleanup() {
					ticker.Stop()
				}
			}
		}
	}()
}

func (rate *Ratelimiter) cleanup() (empty bool) {
	rate.mu.Lock()
	defer rate.mu.Unlock()

	for key, entry := range rate.table {
		entry.mu.Lock()
		if rate.timeNow().Sub(entry.lastTime) > garbageCollectTime {
			delete(rate.table, key)
		}
		entry.mu.Unlock()
	}

	return len(rate.table) == 0
}

// Allow reports whether ip still has budget: a fresh token bucket per
// source address, refilled continuously up to the configured burst and
// spent one packetCost per call.
func (rate *Ratelimiter) Allow(ip netip.Addr) bool {
	rate.mu.RLock()
	entry := rate.table[ip]
	maxTokens := rate.maxTokens
	packetCost := rate.packetCost
	rate.mu.RUnlock()

	// make new entry if not found
	if entry == nil {
		entry = new(RatelimiterEntry)
		entry.tokens = maxTokens - packetCost
		entry.lastTime = rate.timeNow()
		rate.mu.Lock()
		rate.table[ip] = entry
		if len(rate.table) == 1 {
			rate.stopReset <- struct{}{}
		}
		rate.mu.Unlock()
		return true
	}

	// add tokens to entry
	entry.mu.Lock()
	now := rate.timeNow()
	entry.tokens += now.Sub(entry.lastTime).Nanoseconds()
	entry.lastTime = now
	if entry.tokens > maxTokens {
		entry.tokens = maxTokens
	}

	// subtract cost of packet
	if entry.tokens > packetCost {
		entry.tokens -= packetCost
		entry.mu.Unlock()
		return true
	}
	entry.mu.Unlock()
	return false
}

// Tracked reports how many distinct source addresses are currently tracked
// (including ones still within budget); the listener logs it whenever it
// drops a link for being over the limit.
func (rate *Ratelimiter) Tracked() int {
	rate.mu.RLock()
	defer rate.mu.RUnlock()
	return len(rate.table)
}
