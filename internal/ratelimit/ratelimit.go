// Package ratelimit throttles PIN_PAIRING_INIT attempts per remote IP, so a
// host on the LAN can't brute-force the 6-digit PIN by flooding the pairing
// port with fresh sessions. Adapted from the teacher's handshake
// ratelimiter (ratelimiter/ratelimiter.go), which used the same
// token-bucket-per-address/garbage-collector shape to bound how often a
// single IP could initiate a Noise handshake.
package ratelimit

import (
	"net"
	"sync"
	"time"
)

const (
	attemptsPerSecond  = 5
	attemptsBurstable  = 3
	garbageCollectTime = 10 * time.Second
	attemptCost        = int64(time.Second) / attemptsPerSecond
	maxTokens          = attemptCost * attemptsBurstable
)

type entry struct {
	mu       sync.Mutex
	lastTime time.Time
	tokens   int64
}

// Limiter is a per-IP token bucket gating PIN_PAIRING_INIT requests.
type Limiter struct {
	mu        sync.RWMutex
	stop      chan struct{}
	tableIPv4 map[[net.IPv4len]byte]*entry
	tableIPv6 map[[net.IPv6len]byte]*entry
}

// New starts a Limiter and its background garbage collector.
func New() *Limiter {
	l := &Limiter{
		stop:      make(chan struct{}),
		tableIPv4: make(map[[net.IPv4len]byte]*entry),
		tableIPv6: make(map[[net.IPv6len]byte]*entry),
	}
	go l.collectGarbage()
	return l
}

func (l *Limiter) collectGarbage() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			for key, e := range l.tableIPv4 {
				e.mu.Lock()
				if time.Since(e.lastTime) > garbageCollectTime {
					delete(l.tableIPv4, key)
				}
				e.mu.Unlock()
			}
			for key, e := range l.tableIPv6 {
				e.mu.Lock()
				if time.Since(e.lastTime) > garbageCollectTime {
					delete(l.tableIPv6, key)
				}
				e.mu.Unlock()
			}
			l.mu.Unlock()
		}
	}
}

// Close stops the garbage collector. Safe to call once.
func (l *Limiter) Close() {
	close(l.stop)
}

// Allow reports whether ip may start another pairing attempt right now,
// spending a token from its bucket if so.
func (l *Limiter) Allow(ip net.IP) bool {
	var keyIPv4 [net.IPv4len]byte
	var keyIPv6 [net.IPv6len]byte
	ipv4 := ip.To4()

	l.mu.RLock()
	var e *entry
	if ipv4 != nil {
		copy(keyIPv4[:], ipv4)
		e = l.tableIPv4[keyIPv4]
	} else {
		copy(keyIPv6[:], ip.To16())
		e = l.tableIPv6[keyIPv6]
	}
	l.mu.RUnlock()

	if e == nil {
		e = &entry{tokens: maxTokens - attemptCost, lastTime: time.Now()}
		l.mu.Lock()
		if ipv4 != nil {
			l.tableIPv4[keyIPv4] = e
		} else {
			l.tableIPv6[keyIPv6] = e
		}
		l.mu.Unlock()
		return true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	e.tokens += now.Sub(e.lastTime).Nanoseconds()
	e.lastTime = now
	if e.tokens > maxTokens {
		e.tokens = maxTokens
	}
	if e.tokens > attemptCost {
		e.tokens -= attemptCost
		return true
	}
	return false
}
