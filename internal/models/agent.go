package models

import (
	"strings"
	"time"
)

// AgentType is the closed set of agent personas a project can configure.
type AgentType string

const (
	AgentModerator AgentType = "moderator"
	AgentArchitect AgentType = "architect"
	AgentAnalyst   AgentType = "analyst"
	AgentPM        AgentType = "pm"
	AgentTechnical AgentType = "technical"
	AgentCustom    AgentType = "custom"
)

// AgentTypes lists every type in declaration order. Routing ties are broken by this order.
var AgentTypes = []AgentType{
	AgentModerator,
	AgentArchitect,
	AgentAnalyst,
	AgentPM,
	AgentTechnical,
	AgentCustom,
}

// ParseAgentType normalizes s and reports whether it names a known type.
func ParseAgentType(s string) (AgentType, bool) {
	t := AgentType(strings.ToLower(strings.TrimSpace(s)))
	return t, t.Rank() >= 0
}

// Rank returns the declaration index of t, or -1 for unknown types.
func (t AgentType) Rank() int {
	for i, known := range AgentTypes {
		if known == t {
			return i
		}
	}
	return -1
}

func (t AgentType) Valid() bool {
	return t.Rank() >= 0
}

type Agent struct {
	ID           int64      `json:"id"`
	ProjectID    int64      `json:"project_id"`
	Type         AgentType  `json:"type"`
	Name         string     `json:"name"`
	Instructions string     `json:"instructions"`
	Model        string     `json:"model,omitempty"`
	Tools        []string   `json:"tools"`
	IsDefault    bool       `json:"is_default"`
	IsActive     bool       `json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// AgentPatch carries a partial update; nil fields are left untouched.
type AgentPatch struct {
	Name         *string   `json:"name"`
	Instructions *string   `json:"instructions"`
	Model        *string   `json:"model"`
	Tools        *[]string `json:"tools"`
	IsActive     *bool     `json:"is_active"`
}
