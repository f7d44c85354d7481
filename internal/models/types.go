package models

import (
	"time"
)

// State is the lifecycle state of an Action.
type State string

const (
	StatePending   State = "pending"
	StateApproved  State = "approved"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateRejected  State = "rejected"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StatePending, StateApproved, StateRunning, StateCompleted, StateFailed, StateCancelled, StateRejected,
}

// Terminal reports whether no further transitions are allowed out of s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateRejected:
		return true
	}
	return false
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateApproved, StateRunning, StateCompleted, StateFailed, StateCancelled, StateRejected:
		return true
	}
	return false
}

// RiskTier is the static impact classification of an action type.
type RiskTier string

const (
	RiskLow      RiskTier = "low"
	RiskMedium   RiskTier = "medium"
	RiskHigh     RiskTier = "high"
	RiskCritical RiskTier = "critical"
)

// Rank orders tiers from least to most dangerous; unknown tiers rank highest.
func (r RiskTier) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	default:
		return 3
	}
}

// AutonomyLevel is the team-scoped policy knob consulted by the policy engine.
type AutonomyLevel string

const (
	AutonomySupervised     AutonomyLevel = "supervised"
	AutonomySemiAutonomous AutonomyLevel = "semi_autonomous"
	AutonomyAutonomous     AutonomyLevel = "autonomous"
)

// ParseAutonomyLevel validates a raw autonomy level string.
func ParseAutonomyLevel(s string) (AutonomyLevel, error) {
	switch l := AutonomyLevel(s); l {
	case AutonomySupervised, AutonomySemiAutonomous, AutonomyAutonomous:
		return l, nil
	}
	return "", Validationf("unknown autonomy level %q", s)
}

// Tier is a workspace subscription tier. It only drives the concurrency ceiling here.
type Tier string

const (
	TierFree         Tier = "free"
	TierStarter      Tier = "starter"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// Tiers lists tiers in ascending order.
var Tiers = []Tier{TierFree, TierStarter, TierProfessional, TierEnterprise}

// ParseTier validates a raw tier string.
func ParseTier(s string) (Tier, error) {
	for _, t := range Tiers {
		if string(t) == s {
			return t, nil
		}
	}
	return "", Validationf("unknown subscription tier %q", s)
}

// Priority of a task request. Higher values are served first from the approval queue.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

// ParsePriority accepts the textual priority names; empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "", "normal", "medium":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent", "critical":
		return PriorityUrgent, nil
	}
	return 0, Validationf("unknown priority %q", s)
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	}
	return "unknown"
}

// AgentStatus is the operational status of an agent.
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentInactive AgentStatus = "inactive"
)

// Agent is a routable worker registered in a workspace.
type Agent struct {
	ID             string       `json:"id" yaml:"id"`
	WorkspaceID    string       `json:"workspace_id" yaml:"workspace_id"`
	Name           string       `json:"name" yaml:"name"`
	Capabilities   []Capability `json:"capabilities" yaml:"capabilities"`
	TeamID         string       `json:"team_id,omitempty" yaml:"team_id"`
	Status         AgentStatus  `json:"status" yaml:"status"`
	RunningCount   int          `json:"running_count" yaml:"-"`
	ExecutionCount int64        `json:"execution_count" yaml:"-"`
	LastExecutedAt *time.Time   `json:"last_executed_at,omitempty" yaml:"-"`
}

// Team groups agents under one autonomy level.
type Team struct {
	ID            string        `json:"id" yaml:"id"`
	WorkspaceID   string        `json:"workspace_id" yaml:"workspace_id"`
	Department    string        `json:"department" yaml:"department"`
	AutonomyLevel AutonomyLevel `json:"autonomy_level" yaml:"autonomy_level"`
	ApprovedToday int           `json:"approved_today" yaml:"-"`
	RejectedToday int           `json:"rejected_today" yaml:"-"`
	CountersDate  string        `json:"counters_date,omitempty" yaml:"-"`
}

// SystemActor is recorded as the decision actor for automatic decisions.
const SystemActor = "system"

// Action is one unit of agent work moving through routing, approval and execution.
type Action struct {
	ID           string     `json:"id" db:"id"`
	WorkspaceID  string     `json:"workspace_id" db:"workspace_id"`
	TeamID       string     `json:"team_id,omitempty" db:"team_id"`
	AgentID      string     `json:"agent_id" db:"agent_id"`
	ActionType   string     `json:"action_type" db:"action_type"`
	TaskType     string     `json:"task_type,omitempty" db:"task_type"`
	Description  string     `json:"description,omitempty" db:"description"`
	RiskTier     RiskTier   `json:"risk_tier" db:"risk_tier"`
	Priority     Priority   `json:"priority" db:"priority"`
	Payload      JSONMap    `json:"payload,omitempty" db:"payload"`
	State        State      `json:"state" db:"state"`
	WasAutomatic bool       `json:"was_automatic" db:"was_automatic"`
	DecidedBy    string     `json:"decided_by,omitempty" db:"decided_by"`
	Reason       string     `json:"reason,omitempty" db:"reason"`
	Confidence   float64    `json:"routing_confidence" db:"routing_confidence"`
	RouteReason  string     `json:"routing_reason,omitempty" db:"routing_reason"`
	Deadline     *time.Time `json:"deadline,omitempty" db:"deadline"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
	DecidedAt    *time.Time `json:"decided_at,omitempty" db:"decided_at"`
	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	DurationMs   *int64     `json:"duration_ms,omitempty" db:"duration_ms"`
	Version      int        `json:"version" db:"version"`
}

// Clone returns a deep copy so callers can mutate without racing stored state.
func (a *Action) Clone() *Action {
	if a == nil {
		return nil
	}
	c := *a
	if a.Payload != nil {
		c.Payload = make(JSONMap, len(a.Payload))
		for k, v := range a.Payload {
			c.Payload[k] = v
		}
	}
	c.Deadline = cloneTime(a.Deadline)
	c.DecidedAt = cloneTime(a.DecidedAt)
	c.StartedAt = cloneTime(a.StartedAt)
	c.CompletedAt = cloneTime(a.CompletedAt)
	if a.DurationMs != nil {
		d := *a.DurationMs
		c.DurationMs = &d
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
