package lifecycle

import (
	"sync"
	"time"
)

// ledger tracks refresh attempts per user and drives exponential backoff:
// delay = baseDelay * 2^(attempt-1). Entries are cleared on success or
// once the attempt cap is exceeded.
type ledger struct {
	mu       sync.Mutex
	base     time.Duration
	attempts map[string]*attemptState
}

type attemptState struct {
	count int
	last  time.Time
}

func newLedger(base time.Duration) *ledger {
	return &ledger{base: base, attempts: make(map[string]*attemptState)}
}

// delayFor computes the exponential delay after the given attempt count.
func (l *ledger) delayFor(attempt int) time.Duration {
	if attempt <= 1 {
		return l.base
	}
	// Shift saturates well before overflow for any realistic cap.
	return l.base << uint(attempt-1)
}

// remaining returns how long the user must still wait before the next
// attempt, or zero if backoff has elapsed (or no attempts are recorded).
func (l *ledger) remaining(userID string, now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.attempts[userID]
	if !ok {
		return 0
	}
	wait := state.last.Add(l.delayFor(state.count)).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// record notes a failed attempt and returns the new attempt count.
func (l *ledger) record(userID string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.attempts[userID]
	if !ok {
		state = &attemptState{}
		l.attempts[userID] = state
	}
	state.count++
	state.last = now
	return state.count
}

// count returns the recorded attempt count for a user.
func (l *ledger) count(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if state, ok := l.attempts[userID]; ok {
		return state.count
	}
	return 0
}

// clear removes the user's entry.
func (l *ledger) clear(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, userID)
}
