package domain

import (
	"strings"
	"time"
)

type AgentState string

const (
	AgentStateAvailable    AgentState = "available"
	AgentStateBusy         AgentState = "busy"
	AgentStateAway         AgentState = "away"
	AgentStateDoNotDisturb AgentState = "dnd"
	AgentStateOffline      AgentState = "offline"
)

// ParseAgentState accepts the wire names plus a few aliases used by older consoles.
func ParseAgentState(s string) (AgentState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "available", "online":
		return AgentStateAvailable, nil
	case "busy":
		return AgentStateBusy, nil
	case "away":
		return AgentStateAway, nil
	case "dnd", "do_not_disturb", "donotdisturb":
		return AgentStateDoNotDisturb, nil
	case "offline":
		return AgentStateOffline, nil
	}
	return "", Validationf("unknown agent state %q", s)
}

// Accepting reports whether the state allows new assignments at all.
func (s AgentState) Accepting() bool {
	return s == AgentStateAvailable || s == AgentStateBusy || s == AgentStateAway
}

type Agent struct {
	ID               string     `json:"id" gorm:"primaryKey"`
	PropertyID       string     `json:"property_id" gorm:"index"`
	Name             string     `json:"name"`
	Email            string     `json:"email"`
	Department       string     `json:"department" gorm:"index"`
	Skills           []string   `json:"skills" gorm:"serializer:json"`
	Capacity         int        `json:"capacity"`
	Workload         int        `json:"workload" gorm:"-"` // live, owned by the presence tracker
	State            AgentState `json:"state"`
	StatusMessage    string     `json:"status_message"`
	LastHeartbeat    time.Time  `json:"last_heartbeat"`
	SessionStartedAt *time.Time `json:"session_started_at,omitempty"`
	LastAssignedAt   *time.Time `json:"last_assigned_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (Agent) TableName() string {
	return "agents"
}

// HasSkill matches case-insensitively.
func (a *Agent) HasSkill(skill string) bool {
	for _, s := range a.Skills {
		if strings.EqualFold(s, skill) {
			return true
		}
	}
	return false
}

// AgentSession is the liveness record kept next to the durable Agent.
type AgentSession struct {
	AgentID             string    `json:"agent_id"`
	StartedAt           time.Time `json:"started_at"`
	LastHeartbeat       time.Time `json:"last_heartbeat"`
	Heartbeats          int64     `json:"heartbeats"`
	ActiveConversations int       `json:"active_conversations"`
}

// Workload is the capacity view returned by the presence tracker.
type Workload struct {
	AgentID  string  `json:"agent_id"`
	Active   int     `json:"active"`
	Capacity int     `json:"capacity"`
	Free     int     `json:"free"`
	Ratio    float64 `json:"utilization"`
}
