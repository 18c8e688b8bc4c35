// Package session tracks per-user ephemeral behavior state consumed by the
// agent evaluators.
package session

import (
	"log"
	"sync"
	"time"

	"engine-broker/internal/clock"
	"engine-broker/internal/models"
)

const (
	spamWindow    = time.Second
	actionWindow  = 100 // retained actions per user
	trailingCount = 10
)

// UserState is the per-user behavior tracker. SpamCount is recomputed from
// the trailing one-second click window on every click and reset by any other
// action type.
type UserState struct {
	UserID       string
	Actions      []models.Action
	IsIdle       bool
	SpamCount    int
	LastActionAt time.Time

	idleTimer clock.Timer
}

// Trailing returns a copy of the most recent n actions.
func (s *UserState) Trailing(n int) []models.Action {
	if n > len(s.Actions) {
		n = len(s.Actions)
	}
	out := make([]models.Action, n)
	copy(out, s.Actions[len(s.Actions)-n:])
	return out
}

// Spammer pairs a user with the age of their spam run, used by the
// collision arbiter to pick the longest-waiting spammer.
type Spammer struct {
	UserID       string
	LastActionAt time.Time
}

// Manager owns the user-state registry. States are created lazily and
// evicted after a TTL of inactivity.
type Manager struct {
	mu     sync.Mutex
	states map[string]*UserState

	clk       clock.Clock
	idleAfter time.Duration
	ttl       time.Duration
	onIdle    func(userID string)

	sweep clock.Timer
}

// NewManager builds a registry. onIdle is invoked (on a timer goroutine)
// when a user crosses the idle threshold; it may be nil.
func NewManager(clk clock.Clock, idleAfter, ttl time.Duration, onIdle func(userID string)) *Manager {
	m := &Manager{
		states:    make(map[string]*UserState),
		clk:       clk,
		idleAfter: idleAfter,
		ttl:       ttl,
		onIdle:    onIdle,
	}
	if ttl > 0 {
		m.armSweep()
	}
	return m
}

// Ensure returns the state for a user, creating it on first sight.
func (m *Manager) Ensure(userID string) *UserState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLocked(userID)
}

func (m *Manager) ensureLocked(userID string) *UserState {
	st, ok := m.states[userID]
	if !ok {
		st = &UserState{UserID: userID, LastActionAt: m.clk.Now()}
		m.states[userID] = st
	}
	return st
}

// Get returns the state for a user, or nil if none exists.
func (m *Manager) Get(userID string) *UserState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[userID]
}

// RecordAction applies one action to the user's window: appends it, clears
// the idle flag, recomputes the spam counter, and re-arms the idle timer.
func (m *Manager) RecordAction(action models.Action) *UserState {
	m.mu.Lock()
	st := m.ensureLocked(action.UserID)
	now := m.clk.Now()
	if action.Timestamp.IsZero() {
		action.Timestamp = now
	}

	st.Actions = append(st.Actions, action)
	if len(st.Actions) > actionWindow {
		st.Actions = st.Actions[len(st.Actions)-actionWindow:]
	}
	st.IsIdle = false
	st.LastActionAt = now

	if action.Type == models.ActionClick {
		// Drop clicks that fell out of the one-second window, then count
		// what remains.
		kept := st.Actions[:0]
		clicks := 0
		for _, a := range st.Actions {
			if a.Type == models.ActionClick && now.Sub(a.Timestamp) > spamWindow {
				continue
			}
			kept = append(kept, a)
			if a.Type == models.ActionClick {
				clicks++
			}
		}
		st.Actions = kept
		st.SpamCount = clicks
	} else {
		st.SpamCount = 0
	}

	m.armIdleLocked(st)
	m.mu.Unlock()
	return st
}

// MarkIdle flags a user idle without waiting for the timer (driven by an
// explicit presence report).
func (m *Manager) MarkIdle(userID string) *UserState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.ensureLocked(userID)
	st.IsIdle = true
	return st
}

// Touch refreshes activity without recording an action (connects, presence).
func (m *Manager) Touch(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.ensureLocked(userID)
	st.LastActionAt = m.clk.Now()
	st.IsIdle = false
	m.armIdleLocked(st)
}

// Spammers lists users whose spam counter is at or above min.
func (m *Manager) Spammers(min int) []Spammer {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Spammer
	for _, st := range m.states {
		if st.SpamCount >= min {
			out = append(out, Spammer{UserID: st.UserID, LastActionAt: st.LastActionAt})
		}
	}
	return out
}

func (m *Manager) armIdleLocked(st *UserState) {
	if m.idleAfter <= 0 {
		return
	}
	if st.idleTimer != nil {
		st.idleTimer.Stop()
	}
	userID := st.UserID
	st.idleTimer = m.clk.AfterFunc(m.idleAfter, func() {
		m.mu.Lock()
		cur, ok := m.states[userID]
		if !ok || cur.IsIdle {
			m.mu.Unlock()
			return
		}
		cur.IsIdle = true
		m.mu.Unlock()
		if m.onIdle != nil {
			m.onIdle(userID)
		}
	})
}

func (m *Manager) armSweep() {
	m.sweep = m.clk.AfterFunc(m.ttl/2, func() {
		m.evictStale()
		m.mu.Lock()
		defer m.mu.Unlock()
		m.armSweep()
	})
}

// evictStale drops states idle past the TTL and cancels their timers.
func (m *Manager) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.clk.Now().Add(-m.ttl)
	for id, st := range m.states {
		if st.LastActionAt.Before(cutoff) {
			if st.idleTimer != nil {
				st.idleTimer.Stop()
			}
			delete(m.states, id)
			log.Printf("[SESSION] evicted stale state user=%s", id)
		}
	}
}

// Stop cancels all timers owned by the manager.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sweep != nil {
		m.sweep.Stop()
	}
	for _, st := range m.states {
		if st.idleTimer != nil {
			st.idleTimer.Stop()
		}
	}
}
