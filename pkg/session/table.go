// Package session implements the fixed-capacity table of per-client
// connection records, keyed by (client IP, client port), and the idle
// sweeper that reclaims abandoned slots.
package session

import (
	"fmt"
	"sync"
	"time"
)

const (
	// MaxSessions is the fixed capacity of the session table.
	MaxSessions = 5

	// InitialSeq is the server's initial send sequence number for every
	// new session. Fixed by the wire protocol; there is no ISN clock.
	InitialSeq = 1000
)

// ErrTableFull is returned by Create when every slot is active.
var ErrTableFull = fmt.Errorf("session: table full (max %d)", MaxSessions)

// Session is the server-side state for one conceptual connection.
// Identity is (ClientIP, ClientPort). The packet-processing goroutine
// mutates the other fields through Table.Update so the sweeper, the
// API, and the console can copy them under the same lock.
type Session struct {
	ClientIP   uint32
	ClientPort uint16

	Seq uint32 // next sequence number we will send
	Ack uint32 // next sequence number we expect from the peer

	Authenticated bool // transitions false->true once, never back
	Active        bool
	Username      string

	CreatedAt    time.Time
	LastActivity time.Time
}

// Table is a linear-scan fixed-capacity session set. A mutex guards slot
// allocation and release because the sweeper, the API, and the console
// read the table concurrently with the poll loop.
type Table struct {
	mu       sync.RWMutex
	sessions [MaxSessions]Session
	count    int

	created uint64 // lifetime counters for observability
	evicted uint64
}

// NewTable returns an empty session table.
func NewTable() *Table {
	return &Table{}
}

// Find returns the active session for (ip, port), or nil.
func (t *Table) Find(ip uint32, port uint16) *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := range t.sessions {
		s := &t.sessions[i]
		if s.Active && s.ClientIP == ip && s.ClientPort == port {
			return s
		}
	}
	return nil
}

// Create allocates a session for (ip, port) in the first free slot.
// peerSeq is the client's advertised sequence number; the session
// acknowledges peerSeq+1 per the SYN convention.
func (t *Table) Create(ip uint32, port uint16, peerSeq uint32) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count >= MaxSessions {
		return nil, ErrTableFull
	}
	now := time.Now()
	for i := range t.sessions {
		s := &t.sessions[i]
		if s.Active {
			continue
		}
		*s = Session{
			ClientIP:     ip,
			ClientPort:   port,
			Seq:          InitialSeq,
			Ack:          peerSeq + 1,
			Active:       true,
			CreatedAt:    now,
			LastActivity: now,
		}
		t.count++
		t.created++
		return s, nil
	}
	return nil, ErrTableFull
}

// Release frees the slot for (ip, port). Returns the released session
// copy and true if one was active.
func (t *Table) Release(ip uint32, port uint16) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.sessions {
		s := &t.sessions[i]
		if s.Active && s.ClientIP == ip && s.ClientPort == port {
			released := *s
			s.Active = false
			t.count--
			t.evicted++
			return released, true
		}
	}
	return Session{}, false
}

// Update runs fn on s under the table lock. It returns false without
// calling fn when the slot has already been released, which can happen
// when the sweeper or an operator clear runs between lookup and update.
func (t *Table) Update(s *Session, fn func(*Session)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !s.Active {
		return false
	}
	fn(s)
	return true
}

// Touch records activity on the session so the idle sweeper spares it.
func (t *Table) Touch(s *Session) {
	t.mu.Lock()
	s.LastActivity = time.Now()
	t.mu.Unlock()
}

// Clear releases every active session and returns how many were freed.
func (t *Table) Clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i := range t.sessions {
		if t.sessions[i].Active {
			t.sessions[i].Active = false
			t.evicted++
			n++
		}
	}
	t.count = 0
	return n
}

// Count returns the number of active sessions.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Snapshot returns copies of all active sessions in slot order.
func (t *Table) Snapshot() []Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Session, 0, t.count)
	for i := range t.sessions {
		if t.sessions[i].Active {
			out = append(out, t.sessions[i])
		}
	}
	return out
}

// Stats reports lifetime creation/eviction counters.
func (t *Table) Stats() (created, evicted uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.created, t.evicted
}

// sweepIdle releases sessions idle longer than timeout. Used by the GC.
func (t *Table) sweepIdle(timeout time.Duration, now time.Time, onEvict func(Session)) int {
	t.mu.Lock()
	var expired []Session
	for i := range t.sessions {
		s := &t.sessions[i]
		if s.Active && now.Sub(s.LastActivity) > timeout {
			expired = append(expired, *s)
			s.Active = false
			t.count--
			t.evicted++
		}
	}
	t.mu.Unlock()

	if onEvict != nil {
		for _, s := range expired {
			onEvict(s)
		}
	}
	return len(expired)
}
