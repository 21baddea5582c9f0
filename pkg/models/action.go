package models

import (
	"time"
)

// ActionStatus is the lifecycle state of a tool action.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionApproved  ActionStatus = "approved"
	ActionDenied    ActionStatus = "denied"
	ActionRunning   ActionStatus = "running"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
	ActionExpired   ActionStatus = "expired"
)

// Terminal reports whether the status can never transition again.
func (s ActionStatus) Terminal() bool {
	switch s {
	case ActionDenied, ActionCompleted, ActionFailed, ActionExpired:
		return true
	default:
		return false
	}
}

// RiskLevel grades how much damage an action could do if approved.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ToolAction is an approval-gated tool invocation proposed by the AI.
//
// Lifecycle: pending → approved → running → completed|failed, or
// pending → denied, or pending → expired on TTL. Terminal states are
// never re-entered. Every transition appends a row to the actions audit
// log, and the in-memory map is rebuilt from that log on startup.
type ToolAction struct {
	ActionID       string         `json:"action_id"`
	TS             time.Time      `json:"ts"`
	User           string         `json:"user"`
	AgentProfile   string         `json:"agent_profile"`
	Tool           string         `json:"tool"`
	Summary        string         `json:"summary"`
	CommandPreview string         `json:"command_preview"`
	RiskLevel      RiskLevel      `json:"risk_level"`
	Status         ActionStatus   `json:"status"`
	Inputs         map[string]any `json:"inputs"`
	RequestID      string         `json:"request_id,omitempty"`
	Room           string         `json:"room,omitempty"`
	ExpiresAt      time.Time      `json:"expires_at"`
	TTLSeconds     int            `json:"ttl_seconds"`
}

// PastTTL reports whether the action's approval window has closed.
func (a *ToolAction) PastTTL(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt)
}

// ActionResult captures one execution attempt of an approved action.
type ActionResult struct {
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	Truncated  bool   `json:"truncated"`
	Output     string `json:"output"`
	Err        string `json:"error,omitempty"`
}
