// Package logging keeps a bounded in-memory ring of recent pipeline
// events (session lifecycle, authentication outcomes, command execution,
// drops) for the operator console, the HTTP API, and SSE streaming.
package logging

import (
	"strings"
	"sync"
	"time"
)

// Event types.
const (
	EventSessionOpen  = "SESSION_OPEN"
	EventSessionClose = "SESSION_CLOSE"
	EventAuthOK       = "AUTH_OK"
	EventAuthFail     = "AUTH_FAIL"
	EventCmdExec      = "CMD_EXEC"
	EventDrop         = "DROP"
)

// EventRecord is one formatted event stored in the buffer.
type EventRecord struct {
	Time       time.Time `json:"time"`
	Type       string    `json:"type"`
	ClientAddr string    `json:"client_addr,omitempty"` // "10.0.0.1:40000"
	Username   string    `json:"username,omitempty"`
	Detail     string    `json:"detail,omitempty"` // drop reason, command text, etc.
}

// EventBuffer is a thread-safe circular buffer of recent events.
type EventBuffer struct {
	mu    sync.RWMutex
	buf   []EventRecord
	size  int
	head  int // next write position
	count int

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}
}

// Subscription receives new events from an EventBuffer.
type Subscription struct {
	C  chan EventRecord
	eb *EventBuffer
}

// Close unsubscribes and stops delivery.
func (s *Subscription) Close() {
	s.eb.unsubscribe(s)
}

// NewEventBuffer creates an event buffer holding up to size records.
func NewEventBuffer(size int) *EventBuffer {
	if size < 1 {
		size = 1
	}
	return &EventBuffer{
		buf:  make([]EventRecord, size),
		size: size,
		subs: make(map[*Subscription]struct{}),
	}
}

// Add appends an event, overwriting the oldest when full. Subscribers are
// notified without blocking; slow subscribers lose events.
func (eb *EventBuffer) Add(rec EventRecord) {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}

	eb.mu.Lock()
	eb.buf[eb.head] = rec
	eb.head = (eb.head + 1) % eb.size
	if eb.count < eb.size {
		eb.count++
	}
	eb.mu.Unlock()

	eb.subMu.RLock()
	for sub := range eb.subs {
		select {
		case sub.C <- rec:
		default:
		}
	}
	eb.subMu.RUnlock()
}

// Subscribe returns a Subscription whose channel receives new events.
func (eb *EventBuffer) Subscribe(bufSize int) *Subscription {
	if bufSize < 1 {
		bufSize = 64
	}
	sub := &Subscription{
		C:  make(chan EventRecord, bufSize),
		eb: eb,
	}
	eb.subMu.Lock()
	eb.subs[sub] = struct{}{}
	eb.subMu.Unlock()
	return sub
}

func (eb *EventBuffer) unsubscribe(sub *Subscription) {
	eb.subMu.Lock()
	delete(eb.subs, sub)
	eb.subMu.Unlock()
}

// Latest returns the most recent n events, newest first.
func (eb *EventBuffer) Latest(n int) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if n > eb.count {
		n = eb.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]EventRecord, n)
	for i := 0; i < n; i++ {
		idx := (eb.head - 1 - i + eb.size) % eb.size
		out[i] = eb.buf[idx]
	}
	return out
}

// LatestByType returns up to n most recent events whose type contains
// the given substring (case-insensitive), newest first.
func (eb *EventBuffer) LatestByType(n int, typ string) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if n <= 0 {
		return nil
	}
	typ = strings.ToLower(typ)
	var out []EventRecord
	for i := 0; i < eb.count && len(out) < n; i++ {
		idx := (eb.head - 1 - i + eb.size) % eb.size
		if typ == "" || strings.Contains(strings.ToLower(eb.buf[idx].Type), typ) {
			out = append(out, eb.buf[idx])
		}
	}
	return out
}
