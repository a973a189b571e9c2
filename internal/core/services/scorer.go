package services

import (
	"sort"
	"strings"
	"time"

	"staydesk.handoff/internal/core/domain"
)

// ScoringWeights are the coefficients of the availability score.
type ScoringWeights struct {
	Available   float64
	Busy        float64
	Away        float64
	LoadPenalty float64
	SkillBonus  float64
}

func DefaultWeights() ScoringWeights {
	return ScoringWeights{Available: 100, Busy: 40, Away: 10, LoadPenalty: 50, SkillBonus: 15}
}

// RankedAgent is a scored candidate. Agent is a snapshot copy.
type RankedAgent struct {
	Agent         domain.Agent `json:"agent"`
	Score         float64      `json:"score"`
	MatchedSkills int          `json:"matched_skills"`
	// CrossDepartment is set when an emergency fell back outside the requested department.
	CrossDepartment bool `json:"cross_department,omitempty"`
}

// Scorer ranks agents for a transfer request. It holds no state besides its configuration.
type Scorer struct {
	weights          ScoringWeights
	heartbeatTimeout time.Duration
}

func NewScorer(weights ScoringWeights, heartbeatTimeout time.Duration) *Scorer {
	return &Scorer{weights: weights, heartbeatTimeout: heartbeatTimeout}
}

// Reachable reports whether the agent's last heartbeat is inside the timeout.
func (s *Scorer) Reachable(a *domain.Agent, now time.Time) bool {
	return !a.LastHeartbeat.IsZero() && now.Sub(a.LastHeartbeat) < s.heartbeatTimeout
}

// Rank returns eligible candidates best first. An empty result is not an error.
func (s *Scorer) Rank(candidates []domain.Agent, req *domain.TransferRequest, now time.Time) []RankedAgent {
	ranked := s.rank(candidates, req, now, true)
	if len(ranked) == 0 && req.Priority == domain.PriorityEmergency && req.Department != "" {
		ranked = s.rank(candidates, req, now, false)
		for i := range ranked {
			ranked[i].CrossDepartment = true
		}
	}
	return ranked
}

func (s *Scorer) rank(candidates []domain.Agent, req *domain.TransferRequest, now time.Time, matchDepartment bool) []RankedAgent {
	ranked := make([]RankedAgent, 0, len(candidates))
	for i := range candidates {
		a := &candidates[i]
		if !s.Eligible(a, req, now) {
			continue
		}
		if matchDepartment && req.Department != "" && !strings.EqualFold(a.Department, req.Department) {
			continue
		}
		ranked = append(ranked, s.score(a, req))
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return better(&ranked[i], &ranked[j])
	})
	return ranked
}

// Eligible applies every filter except the department match.
func (s *Scorer) Eligible(a *domain.Agent, req *domain.TransferRequest, now time.Time) bool {
	if a.PropertyID != req.PropertyID {
		return false
	}
	if !a.State.Accepting() || !s.Reachable(a, now) {
		return false
	}
	return a.Capacity > 0 && a.Workload < a.Capacity
}

func (s *Scorer) score(a *domain.Agent, req *domain.TransferRequest) RankedAgent {
	matched := 0
	for _, skill := range req.Skills {
		if a.HasSkill(skill) {
			matched++
		}
	}

	score := s.stateWeight(a.State)
	score -= s.weights.LoadPenalty * float64(a.Workload) / float64(a.Capacity)
	score += s.weights.SkillBonus * float64(matched)

	return RankedAgent{Agent: *a, Score: score, MatchedSkills: matched}
}

func (s *Scorer) stateWeight(state domain.AgentState) float64 {
	switch state {
	case domain.AgentStateAvailable:
		return s.weights.Available
	case domain.AgentStateBusy:
		return s.weights.Busy
	case domain.AgentStateAway:
		return s.weights.Away
	default:
		return 0
	}
}

// better orders by score, then lowest workload, then longest idle (never assigned first), then ID.
func better(a, b *RankedAgent) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Agent.Workload != b.Agent.Workload {
		return a.Agent.Workload < b.Agent.Workload
	}
	la, lb := a.Agent.LastAssignedAt, b.Agent.LastAssignedAt
	switch {
	case la == nil && lb != nil:
		return true
	case la != nil && lb == nil:
		return false
	case la != nil && lb != nil && !la.Equal(*lb):
		return la.Before(*lb)
	}
	return a.Agent.ID < b.Agent.ID
}
