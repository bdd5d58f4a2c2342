package model

import "time"

// Workflow status constants.
const (
	WorkflowStatusDraft     = "draft"
	WorkflowStatusActive    = "active"
	WorkflowStatusPaused    = "paused"
	WorkflowStatusCompleted = "completed"
	WorkflowStatusArchived  = "archived"
)

// Instance status constants.
const (
	InstanceStatusRunning   = "running"
	InstanceStatusPaused    = "paused"
	InstanceStatusCompleted = "completed"
	InstanceStatusFailed    = "failed"
	InstanceStatusCancelled = "cancelled"
)

// State type constants.
const (
	StateTypeStart    = "start"
	StateTypeAction   = "action"
	StateTypeDecision = "decision"
	StateTypeParallel = "parallel"
	StateTypeWait     = "wait"
	StateTypeEnd      = "end"
)

// Trigger type constants.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
	TriggerEvent     = "event"
	TriggerWebhook   = "webhook"
)

// Log event names.
const (
	LogWorkflowStarted   = "workflow_started"
	LogStateExecuted     = "state_executed"
	LogStateTransition   = "state_transition"
	LogWorkflowPaused    = "workflow_paused"
	LogWorkflowResumed   = "workflow_resumed"
	LogWorkflowCancelled = "workflow_cancelled"
	LogWorkflowCompleted = "workflow_completed"
	LogWorkflowFailed    = "workflow_failed"
)

// Log status constants.
const (
	LogStatusSuccess = "success"
	LogStatusFailed  = "failed"
	LogStatusSkipped = "skipped"
	LogStatusPending = "pending"
)

// IsTerminalInstanceStatus reports whether status ends an instance's life.
func IsTerminalInstanceStatus(status string) bool {
	switch status {
	case InstanceStatusCompleted, InstanceStatusFailed, InstanceStatusCancelled:
		return true
	}
	return false
}

// IsValidStateType reports whether t is a known state type.
func IsValidStateType(t string) bool {
	switch t {
	case StateTypeStart, StateTypeAction, StateTypeDecision, StateTypeParallel, StateTypeWait, StateTypeEnd:
		return true
	}
	return false
}

// Trigger describes how a workflow is started.
type Trigger struct {
	Type   string         `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// Workflow is a reusable definition of states and transitions.
type Workflow struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id,omitempty"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status"`
	Trigger     Trigger        `json:"trigger"`
	Version     int            `json:"version"`
	IsTemplate  bool           `json:"is_template"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// WorkflowDetail is a workflow together with everything it owns.
type WorkflowDetail struct {
	Workflow
	States      []WorkflowState      `json:"states"`
	Transitions []WorkflowTransition `json:"transitions"`
	Schedules   []WorkflowSchedule   `json:"schedules"`
}

// Position is the visual placement of a state in an editor.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// WorkflowState is a node in a workflow graph. IDs are unique within the
// owning workflow.
type WorkflowState struct {
	ID                string         `json:"id"`
	WorkflowID        string         `json:"workflow_id"`
	Name              string         `json:"name"`
	StateType         string         `json:"state_type"`
	ActionType        string         `json:"action_type,omitempty"`
	ActionConfig      map[string]any `json:"action_config,omitempty"`
	Position          Position       `json:"position"`
	TimeoutSeconds    int            `json:"timeout_seconds"`
	RetryCount        int            `json:"retry_count"`
	RetryDelaySeconds int            `json:"retry_delay_seconds"`
	CreatedAt         time.Time      `json:"created_at"`
}

// WorkflowTransition is a directed, optionally guarded edge between two
// states of the same workflow.
type WorkflowTransition struct {
	ID                  string          `json:"id"`
	WorkflowID          string          `json:"workflow_id"`
	FromStateID         string          `json:"from_state_id"`
	ToStateID           string          `json:"to_state_id"`
	Condition           ConditionConfig `json:"condition"`
	ConditionExpression string          `json:"condition_expression,omitempty"`
	Priority            int             `json:"priority"`
	Routing             map[string]any  `json:"routing,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// Guard returns the condition that decides whether the transition is taken.
// A structured condition wins over the raw expression; neither means always.
func (t WorkflowTransition) Guard() Condition {
	if !t.Condition.IsZero() {
		return t.Condition.Condition
	}
	if t.ConditionExpression != "" {
		return ExpressionCondition{Expression: t.ConditionExpression}
	}
	return nil
}

// WorkflowSchedule starts a workflow on a fixed interval.
type WorkflowSchedule struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflow_id"`
	IntervalSeconds int            `json:"interval_seconds"`
	Input           map[string]any `json:"input,omitempty"`
	IsActive        bool           `json:"is_active"`
	NextRunAt       time.Time      `json:"next_run_at"`
	LastRunAt       *time.Time     `json:"last_run_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// WorkflowInstance is one execution of a workflow.
type WorkflowInstance struct {
	ID             string           `json:"id"`
	WorkflowID     string           `json:"workflow_id"`
	UserID         string           `json:"user_id,omitempty"`
	Status         string           `json:"status"`
	CurrentStateID string           `json:"current_state_id,omitempty"`
	Context        ExecutionContext `json:"context"`
	InputData      map[string]any   `json:"input_data,omitempty"`
	OutputData     map[string]any   `json:"output_data,omitempty"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	TriggerSource  string           `json:"trigger_source,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at"`
	Version        int              `json:"version"`
}

// WorkflowLog is an append-only audit record for an instance.
type WorkflowLog struct {
	ID           string         `json:"id"`
	Seq          int64          `json:"seq"`
	InstanceID   string         `json:"instance_id"`
	StateID      string         `json:"state_id,omitempty"`
	TransitionID string         `json:"transition_id,omitempty"`
	Action       string         `json:"action"`
	Status       string         `json:"status"`
	Input        map[string]any `json:"input,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	Error        string         `json:"error,omitempty"`
	DurationMs   int64          `json:"duration_ms"`
	CreatedAt    time.Time      `json:"created_at"`
}
