package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultIdleTimeout is how long a session may sit without traffic before
// the sweeper reclaims its slot. The base protocol has no teardown
// handshake, so idle expiry is the only path that frees slots for peers
// that simply vanish.
const DefaultIdleTimeout = 5 * time.Minute

// GC periodically sweeps the session table for idle sessions.
type GC struct {
	table       *Table
	interval    time.Duration
	idleTimeout time.Duration
	onEvict     func(Session)

	mu        sync.Mutex
	lastSweep time.Duration
	swept     uint64
}

// NewGC creates a session sweeper. onEvict may be nil.
func NewGC(table *Table, interval, idleTimeout time.Duration, onEvict func(Session)) *GC {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &GC{
		table:       table,
		interval:    interval,
		idleTimeout: idleTimeout,
		onEvict:     onEvict,
	}
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (gc *GC) Run(ctx context.Context) {
	slog.Info("session GC started",
		"interval", gc.interval, "idle_timeout", gc.idleTimeout)
	ticker := time.NewTicker(gc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("session GC stopped")
			return
		case <-ticker.C:
			gc.sweep()
		}
	}
}

func (gc *GC) sweep() {
	start := time.Now()
	n := gc.table.sweepIdle(gc.idleTimeout, start, gc.onEvict)
	elapsed := time.Since(start)

	gc.mu.Lock()
	gc.lastSweep = elapsed
	gc.swept += uint64(n)
	gc.mu.Unlock()

	if n > 0 {
		slog.Info("idle sessions reclaimed", "count", n, "elapsed", elapsed)
	}
}

// Stats returns the last sweep duration and lifetime evicted-by-GC count.
func (gc *GC) Stats() (lastSweep time.Duration, swept uint64) {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.lastSweep, gc.swept
}
