package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/autoflow/model"
)

// WorkflowStore persists workflow definitions, instances and their logs.
//
// Lookups of absent records return NOT_FOUND envelopes. Compare-and-set
// misses return CONFLICT. Driver failures are returned wrapped.
type WorkflowStore interface {
	// CreateWorkflow persists a new workflow. Returns CONFLICT if the ID is
	// taken.
	CreateWorkflow(ctx context.Context, wf model.Workflow) error

	// GetWorkflow retrieves a workflow by ID.
	GetWorkflow(ctx context.Context, id string) (model.Workflow, error)

	// ListWorkflows returns workflows matching the filter, newest first.
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]model.Workflow, error)

	// UpdateWorkflowStatus sets a workflow's status.
	UpdateWorkflowStatus(ctx context.Context, id, status string) error

	// CreateState persists a state. State IDs are unique within a workflow.
	CreateState(ctx context.Context, st model.WorkflowState) error

	// GetState retrieves a state of a workflow.
	GetState(ctx context.Context, workflowID, stateID string) (model.WorkflowState, error)

	// ListStates returns every state of a workflow in creation order.
	ListStates(ctx context.Context, workflowID string) ([]model.WorkflowState, error)

	// CreateTransition persists a transition.
	CreateTransition(ctx context.Context, tr model.WorkflowTransition) error

	// ListTransitions returns every transition of a workflow.
	ListTransitions(ctx context.Context, workflowID string) ([]model.WorkflowTransition, error)

	// ListTransitionsFrom returns the transitions leaving a state ordered by
	// priority descending, then created_at and id ascending.
	ListTransitionsFrom(ctx context.Context, workflowID, stateID string) ([]model.WorkflowTransition, error)

	// CreateSchedule persists a schedule.
	CreateSchedule(ctx context.Context, sc model.WorkflowSchedule) error

	// ListSchedules returns the schedules of a workflow.
	ListSchedules(ctx context.Context, workflowID string) ([]model.WorkflowSchedule, error)

	// ListDueSchedules returns up to limit active schedules whose next run is
	// at or before now, earliest first.
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]model.WorkflowSchedule, error)

	// MarkScheduleRun records a run and moves the schedule to nextRunAt.
	MarkScheduleRun(ctx context.Context, id string, ranAt, nextRunAt time.Time) error

	// CreateInstance persists a new instance.
	CreateInstance(ctx context.Context, inst model.WorkflowInstance) error

	// GetInstance retrieves an instance by ID.
	GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error)

	// ListInstances returns instances matching the filter, newest first.
	ListInstances(ctx context.Context, filter InstanceFilter) ([]model.WorkflowInstance, error)

	// SaveInstanceProgress stores the current state and context of an
	// instance that is running or paused. Returns CONFLICT for any other
	// status.
	SaveInstanceProgress(ctx context.Context, id, currentStateID string, ec model.ExecutionContext) error

	// TransitionInstanceStatus moves an instance to change.To if its status
	// is one of change.From. Returns CONFLICT otherwise.
	TransitionInstanceStatus(ctx context.Context, id string, change InstanceStatusChange) error

	// AppendLog adds a record to an instance's audit trail. The store assigns
	// the sequence number.
	AppendLog(ctx context.Context, log model.WorkflowLog) error

	// ListLogs returns the most recent limit records of an instance in
	// insertion order.
	ListLogs(ctx context.Context, instanceID string, limit int) ([]model.WorkflowLog, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}

// WorkflowFilter are optional filters for listing workflows.
type WorkflowFilter struct {
	UserID      string
	Status      string
	TriggerType string
	Templates   *bool
	Limit       int
	Offset      int
}

// InstanceFilter are optional filters for listing instances.
type InstanceFilter struct {
	WorkflowID string
	UserID     string
	Status     string
	Limit      int
	Offset     int
}

// InstanceStatusChange describes a compare-and-set status update.
type InstanceStatusChange struct {
	From         []string
	To           string
	ErrorMessage string
	CompletedAt  *time.Time
	OutputData   map[string]any
}

func (c InstanceStatusChange) allows(status string) bool {
	for _, s := range c.From {
		if s == status {
			return true
		}
	}
	return false
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
