// Package agents holds the independent rule units the orchestrator consults.
// Evaluators are pure functions of (action, state) and never mutate state.
package agents

import (
	"time"

	"engine-broker/internal/models"
	"engine-broker/internal/session"
)

// Agent names, in fixed priority order (highest first).
const (
	NameHint    = "HintAgent"
	NameNav     = "NavAgent"
	NamePredict = "PredictAgent"
	NameRule    = "RuleAgent"
)

// Priority is the static conflict-resolution order.
var Priority = []string{NameHint, NameNav, NamePredict, NameRule}

// Recommendation is the output of one evaluator. Produced fresh per call,
// never mutated.
type Recommendation struct {
	Agent     string    `json:"agent"`
	Reason    string    `json:"reason"`
	Message   string    `json:"message"`
	UserID    string    `json:"userId,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Agent evaluates one action against a user's state. A nil result means the
// agent has nothing to say.
type Agent interface {
	Name() string
	Evaluate(action models.Action, state *session.UserState) *Recommendation
}

// All returns the evaluator set in priority order.
func All() []Agent {
	return []Agent{HintAgent{}, NavAgent{}, PredictAgent{}, RuleAgent{}}
}

const spamThreshold = 3

// HintAgent reacts to click bursts. A spamming user gets a slow-down hint;
// any other click gets a benign nudge.
type HintAgent struct{}

func (HintAgent) Name() string { return NameHint }

func (HintAgent) Evaluate(action models.Action, state *session.UserState) *Recommendation {
	if action.Type != models.ActionClick {
		return nil
	}
	if state.SpamCount >= spamThreshold {
		return &Recommendation{
			Agent:   NameHint,
			Reason:  "rapid_clicks",
			Message: "Hint: Slow down and check the details.",
		}
	}
	return &Recommendation{
		Agent:   NameHint,
		Reason:  "single_click",
		Message: "Hint: You can explore more options!",
	}
}

// NavAgent watches the idle trend: a server-detected idle state, an idle-heavy
// recent window, or an explicit navigation.
type NavAgent struct{}

func (NavAgent) Name() string { return NameNav }

func (NavAgent) Evaluate(action models.Action, state *session.UserState) *Recommendation {
	idleCount := 0
	for _, a := range state.Trailing(10) {
		if a.Type == models.ActionIdle {
			idleCount++
		}
	}
	if state.IsIdle || idleCount >= 3 {
		return &Recommendation{
			Agent:   NameNav,
			Reason:  "user_idle",
			Message: "Navigation Tip: You've been inactive. Explore the next section.",
		}
	}
	if action.Type == models.ActionNavigate {
		return &Recommendation{
			Agent:   NameNav,
			Reason:  "user_navigation",
			Message: "Navigation Tip: Check nearby options for quicker access.",
		}
	}
	return nil
}

// PredictAgent runs three independent pattern checks over the trailing ten
// actions; the first match wins.
type PredictAgent struct{}

func (PredictAgent) Name() string { return NamePredict }

func (PredictAgent) Evaluate(action models.Action, state *session.UserState) *Recommendation {
	recent := state.Trailing(10)

	clicks := 0
	for _, a := range recent {
		if a.Type == models.ActionClick {
			clicks++
		}
	}
	if clicks >= 5 {
		return &Recommendation{
			Agent:   NamePredict,
			Reason:  "rapid_click_pattern",
			Message: "Prediction: User likely to continue rapid interaction.",
		}
	}

	if len(recent) >= 3 {
		allIdle := true
		for _, a := range recent[len(recent)-3:] {
			if a.Type != models.ActionIdle {
				allIdle = false
				break
			}
		}
		if allIdle {
			return &Recommendation{
				Agent:   NamePredict,
				Reason:  "idle_pattern",
				Message: "Prediction: User likely to remain idle.",
			}
		}
	}

	if len(recent) >= 2 {
		gap := recent[len(recent)-1].Timestamp.Sub(recent[len(recent)-2].Timestamp)
		if gap > 4*time.Second {
			return &Recommendation{
				Agent:   NamePredict,
				Reason:  "slow_browsing",
				Message: "Prediction: User is browsing slowly.",
			}
		}
	}
	return nil
}

// RuleAgent fires on interaction frequency, with an idle-trend fallback.
type RuleAgent struct{}

func (RuleAgent) Name() string { return NameRule }

func (RuleAgent) Evaluate(action models.Action, state *session.UserState) *Recommendation {
	recent := state.Trailing(10)
	interactions := 0
	idles := 0
	for _, a := range recent {
		if a.Type == models.ActionIdle {
			idles++
		} else {
			interactions++
		}
	}

	if interactions >= 5 {
		return &Recommendation{
			Agent:   NameRule,
			Reason:  "high_interaction_frequency",
			Message: "You're interacting often — need help navigating?",
		}
	}
	if state.IsIdle || idles >= 3 {
		return &Recommendation{
			Agent:   NameRule,
			Reason:  "user_idle",
			Message: "You've been idle — maybe try exploring something new.",
		}
	}
	return nil
}
