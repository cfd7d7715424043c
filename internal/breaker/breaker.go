// Package breaker implements a per-service-key circuit breaker (C2, §4.2).
// Keys group endpoints by failure domain so a rate storm on one does not
// trip another. The map-of-keyed-state idiom follows the teacher's
// partitionCache in internal/repository/partitions.go: a mutex-guarded map,
// here with one lock held for both the lookup and the insert.
package breaker

import (
	"sync"
	"time"
)

type state int

const (
	closed state = iota
	open
	halfOpen
)

const (
	failureThreshold = 5
	resetTimeout     = 30 * time.Second
)

// ErrOpen is returned when a call is short-circuited by an OPEN breaker.
type ErrOpen struct{ Key string }

func (e *ErrOpen) Error() string { return "breaker: circuit open for " + e.Key }

type entry struct {
	mu           sync.Mutex
	state        state
	failures     int
	lastFailure  time.Time
	halfOpenBusy bool
}

// Table is the process-wide map of circuit breakers, one long-lived mutable
// object alongside the rate limiter (§5 "Shared resources").
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewTable() *Table {
	return &Table{entries: make(map[string]*entry)}
}

func (t *Table) get(key string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{}
		t.entries[key] = e
	}
	return e
}

// Allow reports whether a call against key may proceed, transitioning
// OPEN -> HALF_OPEN once resetTimeout has elapsed since the last failure.
// In HALF_OPEN exactly one probe is admitted at a time.
func (t *Table) Allow(key string) error {
	e := t.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case closed:
		return nil
	case open:
		if time.Since(e.lastFailure) >= resetTimeout {
			e.state = halfOpen
			e.halfOpenBusy = true
			return nil
		}
		return &ErrOpen{Key: key}
	case halfOpen:
		if e.halfOpenBusy {
			return &ErrOpen{Key: key}
		}
		e.halfOpenBusy = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess clears the failure counter and, from HALF_OPEN, closes the
// breaker.
func (t *Table) RecordSuccess(key string) {
	e := t.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = 0
	e.state = closed
	e.halfOpenBusy = false
}

// RecordFailure increments the failure counter if shouldCount is true
// (§4.2's only policy lever) and trips the breaker at failureThreshold, or
// immediately from HALF_OPEN.
func (t *Table) RecordFailure(key string, shouldCount bool) {
	e := t.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastFailure = time.Now()
	e.halfOpenBusy = false

	if e.state == halfOpen {
		e.state = open
		return
	}
	if !shouldCount {
		return
	}
	e.failures++
	if e.failures >= failureThreshold {
		e.state = open
	}
}
