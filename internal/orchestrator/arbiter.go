package orchestrator

import (
	"sync"
	"time"

	"engine-broker/internal/clock"
	"engine-broker/internal/session"
)

const spamThreshold = 3

// Arbiter is the cross-user spam-collision lock. When at least two distinct
// users spam concurrently, hint priority is locked to the longest-waiting
// spammer for a short window; clicks from everyone else are suppressed for
// the duration.
type Arbiter struct {
	mu        sync.Mutex
	clk       clock.Clock
	window    time.Duration
	lockedFor string
	expiresAt time.Time
}

// NewArbiter builds an arbiter with the given lock window.
func NewArbiter(clk clock.Clock, window time.Duration) *Arbiter {
	return &Arbiter{clk: clk, window: window}
}

// Admit decides whether a click from userID may proceed to evaluation.
func (a *Arbiter) Admit(userID string, sessions *session.Manager) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clk.Now()
	if a.lockedFor != "" && now.After(a.expiresAt) {
		a.lockedFor = ""
	}

	if a.lockedFor == "" {
		spammers := sessions.Spammers(spamThreshold)
		if len(spammers) >= 2 {
			// Lock for the longest-waiting spammer.
			holder := spammers[0]
			for _, s := range spammers[1:] {
				if s.LastActionAt.Before(holder.LastActionAt) {
					holder = s
				}
			}
			a.lockedFor = holder.UserID
			a.expiresAt = now.Add(a.window)
		}
	}

	return a.lockedFor == "" || a.lockedFor == userID
}

// Holder returns the current lock holder, or "" when unlocked.
func (a *Arbiter) Holder() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lockedFor != "" && a.clk.Now().After(a.expiresAt) {
		a.lockedFor = ""
	}
	return a.lockedFor
}
