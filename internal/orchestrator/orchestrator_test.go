package orchestrator

import (
	"testing"
	"time"

	"engine-broker/internal/agents"
	"engine-broker/internal/clock"
	"engine-broker/internal/models"
	"engine-broker/internal/session"
)

func click(userID string, ts time.Time) models.Action {
	return models.Action{UserID: userID, Type: models.ActionClick, Timestamp: ts}
}

func burst(m *session.Manager, fc *clock.Fake, userID string, n int) {
	for i := 0; i < n; i++ {
		m.RecordAction(click(userID, fc.Now()))
	}
}

func TestHighestPriorityAgentWins(t *testing.T) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	m := newSessions(fc)
	defer m.Stop()
	orch := New(m, nil)

	// A click burst fires HintAgent, PredictAgent, and RuleAgent at once;
	// the fixed order must pick HintAgent.
	burst(m, fc, "u1", 6)
	rec, deprioritized := orch.Orchestrate(click("u1", fc.Now()))
	if deprioritized {
		t.Fatalf("unexpected suppression without an arbiter")
	}
	if rec == nil || rec.Agent != agents.NameHint {
		t.Fatalf("expected HintAgent to win, got %+v", rec)
	}
	if rec.Reason != "rapid_clicks" {
		t.Fatalf("expected rapid_clicks, got %s", rec.Reason)
	}
	if rec.UserID != "u1" {
		t.Fatalf("winner not stamped with user, got %+v", rec)
	}
}

func TestNoStateSkipsEvaluation(t *testing.T) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	m := newSessions(fc)
	defer m.Stop()
	orch := New(m, nil)

	rec, deprioritized := orch.Orchestrate(models.Action{UserID: "ghost", Type: models.ActionNavigate, Timestamp: fc.Now()})
	if rec != nil || deprioritized {
		t.Fatalf("expected nil result for unknown user, got %+v dep=%v", rec, deprioritized)
	}
}

func TestSpamCollisionLocksForLongestWaiting(t *testing.T) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	m := newSessions(fc)
	defer m.Stop()
	arb := NewArbiter(fc, 300*time.Millisecond)
	orch := New(m, arb)

	// userA starts spamming first, then userB.
	burst(m, fc, "userA", 4)
	fc.Advance(50 * time.Millisecond)
	burst(m, fc, "userB", 4)

	recB, depB := orch.Orchestrate(click("userB", fc.Now()))
	if !depB || recB != nil {
		t.Fatalf("expected userB suppressed, got rec=%+v dep=%v", recB, depB)
	}
	if arb.Holder() != "userA" {
		t.Fatalf("expected lock held for userA, got %q", arb.Holder())
	}

	recA, depA := orch.Orchestrate(click("userA", fc.Now()))
	if depA || recA == nil || recA.Agent != agents.NameHint {
		t.Fatalf("expected userA admitted with a hint, got rec=%+v dep=%v", recA, depA)
	}
}

func TestSpamCollisionLockExpires(t *testing.T) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	m := newSessions(fc)
	defer m.Stop()
	arb := NewArbiter(fc, 300*time.Millisecond)
	orch := New(m, arb)

	burst(m, fc, "userA", 4)
	fc.Advance(50 * time.Millisecond)
	burst(m, fc, "userB", 4)

	if _, dep := orch.Orchestrate(click("userB", fc.Now())); !dep {
		t.Fatalf("expected userB suppressed inside the window")
	}

	// Past the window the lock clears. userA's burst has aged out of the
	// one-second spam window by now, so no new lock forms.
	fc.Advance(2 * time.Second)
	m.RecordAction(click("userB", fc.Now()))
	rec, dep := orch.Orchestrate(click("userB", fc.Now()))
	if dep {
		t.Fatalf("expected lock released after the window")
	}
	if rec == nil || rec.Agent != agents.NameHint {
		t.Fatalf("expected a hint for userB, got %+v", rec)
	}
}

func TestSingleSpammerIsNotLocked(t *testing.T) {
	fc := clock.NewFake(time.Unix(1700000000, 0))
	m := newSessions(fc)
	defer m.Stop()
	arb := NewArbiter(fc, 300*time.Millisecond)
	orch := New(m, arb)

	burst(m, fc, "solo", 5)
	rec, dep := orch.Orchestrate(click("solo", fc.Now()))
	if dep {
		t.Fatalf("a lone spammer must not trigger the collision lock")
	}
	if rec == nil || rec.Reason != "rapid_clicks" {
		t.Fatalf("expected rapid_clicks, got %+v", rec)
	}
	if arb.Holder() != "" {
		t.Fatalf("expected no lock holder, got %q", arb.Holder())
	}
}

// newSessions builds a session manager with idle and TTL sweeps off.
func newSessions(fc *clock.Fake) *session.Manager {
	return session.NewManager(fc, 0, 0, nil)
}
