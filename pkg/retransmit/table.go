package retransmit

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrPending is returned by Add when the key already has an entry.
	ErrPending = errors.New("retransmit: request already pending")
)

// Entry is a request awaiting its response.
type Entry[K comparable] struct {
	// Key identifies the request (e.g. a STUN transaction ID).
	Key K

	// Payload is the encoded request, resent verbatim.
	Payload []byte

	// SendCount is the number of times the request has been sent.
	// Starts at 1 for the initial transmission.
	SendCount int

	// Started is when the first transmission happened.
	Started time.Time

	timer    *time.Timer
	callback func()
}

// Stop cancels the retransmission timer if running.
func (e *Entry[K]) Stop() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// Table tracks requests awaiting responses and fires a timeout callback per
// attempt. Safe for concurrent use.
type Table[K comparable] struct {
	entries map[K]*Entry[K]
	backoff *Backoff

	// MaxTransmissions bounds SendCount; zero means unbounded.
	maxTransmissions int

	mu sync.Mutex
}

// NewTable creates a table using backoff and allowing at most
// maxTransmissions sends per request.
func NewTable[K comparable](backoff *Backoff, maxTransmissions int) *Table[K] {
	return &Table[K]{
		entries:          make(map[K]*Entry[K]),
		backoff:          backoff,
		maxTransmissions: maxTransmissions,
	}
}

// Add records a freshly sent request. onTimeout runs on the timer goroutine
// whenever the current attempt expires; it normally calls ScheduleRetransmit
// and resends, or gives up.
func (t *Table[K]) Add(key K, payload []byte, onTimeout func(entry *Entry[K])) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[key]; exists {
		return ErrPending
	}

	entry := &Entry[K]{
		Key:       key,
		Payload:   payload,
		SendCount: 1,
		Started:   time.Now(),
	}
	entry.callback = func() {
		if onTimeout != nil {
			onTimeout(entry)
		}
	}
	entry.timer = time.AfterFunc(t.backoff.Calculate(0), entry.callback)

	t.entries[key] = entry
	return nil
}

// Ack removes and returns the entry for key, or nil if there is none.
func (t *Table[K]) Ack(key K) *Entry[K] {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key]
	if !ok {
		return nil
	}
	entry.Stop()
	delete(t.entries, key)
	return entry
}

// ScheduleRetransmit bumps the send count and rearms the timer.
// It returns false, removing the entry, once the transmission budget is spent.
func (t *Table[K]) ScheduleRetransmit(key K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key]
	if !ok {
		return false
	}

	if t.maxTransmissions > 0 && entry.SendCount >= t.maxTransmissions {
		entry.Stop()
		delete(t.entries, key)
		return false
	}

	entry.SendCount++
	entry.Stop()
	entry.timer = time.AfterFunc(t.backoff.Calculate(entry.SendCount-1), entry.callback)
	return true
}

// Get returns the entry for key.
func (t *Table[K]) Get(key K) (*Entry[K], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key]
	return entry, ok
}

// Count returns the number of pending entries.
func (t *Table[K]) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Clear stops and removes every entry and returns them. Used for shutdown.
func (t *Table[K]) Clear() []*Entry[K] {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Entry[K], 0, len(t.entries))
	for key, entry := range t.entries {
		entry.Stop()
		delete(t.entries, key)
		out = append(out, entry)
	}
	return out
}
