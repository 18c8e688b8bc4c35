// Package bus fans accepted actions out to subscribers with deterministic
// registration-order delivery, keeping a small capped log for inspection.
package bus

import (
	"sync"
	"time"

	"engine-broker/internal/models"
)

const defaultMaxLog = 200

// Bus delivers actions synchronously to subscribers in registration order.
type Bus struct {
	mu     sync.Mutex
	subs   []func(models.Action)
	log    []models.Action
	maxLog int
	now    func() time.Time
}

// New builds a bus keeping up to maxLog recent actions (0 = default cap).
func New(maxLog int) *Bus {
	if maxLog <= 0 {
		maxLog = defaultMaxLog
	}
	return &Bus{maxLog: maxLog, now: time.Now}
}

// Subscribe registers a handler for every future action.
func (b *Bus) Subscribe(fn func(models.Action)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// Publish validates minimally, stamps the action, logs it, and delivers it
// to every subscriber in order. Delivery runs outside the bus lock.
func (b *Bus) Publish(action models.Action) {
	if action.Type == "" || action.UserID == "" {
		return
	}
	b.mu.Lock()
	if action.Timestamp.IsZero() {
		action.Timestamp = b.now()
	}
	b.log = append(b.log, action)
	if len(b.log) > b.maxLog {
		b.log = b.log[len(b.log)-b.maxLog:]
	}
	subs := b.subs
	b.mu.Unlock()

	for _, fn := range subs {
		fn(action)
	}
}

// Log returns the retained actions, newest first.
func (b *Bus) Log() []models.Action {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Action, len(b.log))
	for i, a := range b.log {
		out[len(b.log)-1-i] = a
	}
	return out
}
