// Package orchestrator runs every agent evaluator over one action and
// resolves conflicting recommendations by fixed priority, with a cross-user
// spam-collision arbiter applied upstream for click actions.
package orchestrator

import (
	"log"
	"sort"

	"engine-broker/internal/agents"
	"engine-broker/internal/models"
	"engine-broker/internal/session"
	"engine-broker/internal/telemetry"
)

// Orchestrator evaluates actions against the agent set.
type Orchestrator struct {
	sessions *session.Manager
	agents   []agents.Agent
	arbiter  *Arbiter
	rank     map[string]int
}

// New builds an orchestrator over the given session registry.
func New(sessions *session.Manager, arb *Arbiter) *Orchestrator {
	rank := make(map[string]int, len(agents.Priority))
	for i, name := range agents.Priority {
		rank[name] = i
	}
	return &Orchestrator{
		sessions: sessions,
		agents:   agents.All(),
		arbiter:  arb,
		rank:     rank,
	}
}

// Orchestrate evaluates one action. It returns the winning recommendation,
// or nil when no agent fired. deprioritized reports that the action was
// suppressed by the spam-collision lock; the caller should notify the user
// instead of surfacing a recommendation.
func (o *Orchestrator) Orchestrate(action models.Action) (rec *agents.Recommendation, deprioritized bool) {
	if action.Type == models.ActionClick && o.arbiter != nil {
		if !o.arbiter.Admit(action.UserID, o.sessions) {
			log.Printf("[ORCHESTRATOR] deprioritized click user=%s (spam collision lock)", action.UserID)
			return nil, true
		}
	}

	state := o.sessions.Get(action.UserID)
	if state == nil {
		log.Printf("[ORCHESTRATOR] no state for user=%s, skipping evaluation", action.UserID)
		return nil, false
	}

	var fired []*agents.Recommendation
	for _, agent := range o.agents {
		out := agent.Evaluate(action, state)
		if out == nil {
			continue
		}
		out.UserID = action.UserID
		out.Timestamp = action.Timestamp
		fired = append(fired, out)
	}
	if len(fired) == 0 {
		return nil, false
	}

	sort.SliceStable(fired, func(i, j int) bool {
		return o.rank[fired[i].Agent] < o.rank[fired[j].Agent]
	})
	winner := fired[0]
	telemetry.AgentDecisions.WithLabelValues(winner.Agent).Inc()
	return winner, false
}
