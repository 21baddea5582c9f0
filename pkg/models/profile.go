package models

import (
	"time"
)

// ToolPolicy controls which tools an agent profile may propose and
// whether proposals wait for human approval.
type ToolPolicy struct {
	// Mode is "off", "suggest" or "act". Off disables proposals entirely;
	// suggest surfaces them read-only; act enqueues them for approval.
	Mode string `json:"mode"`

	// RequireApproval forces the approval queue even in act mode.
	RequireApproval bool `json:"require_approval"`

	// AllowedTools is the closed set of proposable tool names. Empty or
	// missing means no tools are allowed.
	AllowedTools []string `json:"allowed_tools"`
}

// AllowsTool reports whether the policy permits proposing the named tool.
func (p ToolPolicy) AllowsTool(name string) bool {
	for _, t := range p.AllowedTools {
		if t == name {
			return true
		}
	}
	return false
}

// MemoryPolicy selects which memory scopes ground this profile's prompts.
type MemoryPolicy struct {
	Scopes []MemoryScope `json:"scopes"`
}

// RouteTarget names the provider and model a task class resolves to.
type RouteTarget struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// RoutingPolicy maps task classes (chat, code_analysis, rerank, ...) to
// route targets.
type RoutingPolicy struct {
	Routes map[string]RouteTarget `json:"routes"`
}

// AgentProfile is a persisted agent configuration. One JSON file per
// profile lives under agents/profiles/<id>.json; Version increases by one
// on every save so peers can spot stale copies.
type AgentProfile struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Description   string        `json:"description,omitempty"`
	SystemPrompt  string        `json:"system_prompt,omitempty"`
	ToolPolicy    ToolPolicy    `json:"tool_policy"`
	MemoryPolicy  MemoryPolicy  `json:"memory_policy"`
	RoutingPolicy RoutingPolicy `json:"routing_policy"`
	CreatedBy     string        `json:"created_by,omitempty"`
	UpdatedBy     string        `json:"updated_by,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Version       int           `json:"version"`
}

// RouteFor returns the configured target for a task class, if any.
func (p *AgentProfile) RouteFor(taskClass string) (RouteTarget, bool) {
	rt, ok := p.RoutingPolicy.Routes[taskClass]
	return rt, ok
}

// MemoryScopes returns the profile's memory scopes, defaulting to every
// scope when the policy is empty.
func (p *AgentProfile) MemoryScopes() []MemoryScope {
	if len(p.MemoryPolicy.Scopes) == 0 {
		return AllMemoryScopes
	}
	return p.MemoryPolicy.Scopes
}
