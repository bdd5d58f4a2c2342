package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/autoflow/model"
)

type stateKey struct {
	workflowID string
	stateID    string
}

// MemoryWorkflowStore is an in-memory WorkflowStore for tests and single
// process deployments. Stored documents are copied on the way in and out.
type MemoryWorkflowStore struct {
	mu          sync.RWMutex
	workflows   map[string]model.Workflow
	states      map[stateKey]model.WorkflowState
	stateOrder  map[string][]string // key: workflow ID
	transitions map[string][]model.WorkflowTransition
	schedules   map[string]model.WorkflowSchedule
	instances   map[string]model.WorkflowInstance
	logs        map[string][]model.WorkflowLog
	seq         int64
	now         func() time.Time
}

// NewMemoryWorkflowStore creates a new in-memory workflow store.
func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{
		workflows:   make(map[string]model.Workflow),
		states:      make(map[stateKey]model.WorkflowState),
		stateOrder:  make(map[string][]string),
		transitions: make(map[string][]model.WorkflowTransition),
		schedules:   make(map[string]model.WorkflowSchedule),
		instances:   make(map[string]model.WorkflowInstance),
		logs:        make(map[string][]model.WorkflowLog),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateWorkflow persists a new workflow.
func (s *MemoryWorkflowStore) CreateWorkflow(_ context.Context, wf model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[wf.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("workflow %q already exists", wf.ID))
	}
	s.workflows[wf.ID] = cloneWorkflow(wf)
	return nil
}

// GetWorkflow retrieves a workflow by ID.
func (s *MemoryWorkflowStore) GetWorkflow(_ context.Context, id string) (model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, exists := s.workflows[id]
	if !exists {
		return model.Workflow{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}
	return cloneWorkflow(wf), nil
}

// ListWorkflows returns workflows matching the filter, newest first.
func (s *MemoryWorkflowStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.Workflow{}
	for _, wf := range s.workflows {
		if filter.UserID != "" && wf.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && wf.Status != filter.Status {
			continue
		}
		if filter.TriggerType != "" && wf.Trigger.Type != filter.TriggerType {
			continue
		}
		if filter.Templates != nil && wf.IsTemplate != *filter.Templates {
			continue
		}
		result = append(result, cloneWorkflow(wf))
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return paginate(result, filter.Offset, filter.Limit), nil
}

// UpdateWorkflowStatus sets a workflow's status.
func (s *MemoryWorkflowStore) UpdateWorkflowStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, exists := s.workflows[id]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}
	wf.Status = status
	wf.UpdatedAt = s.now()
	s.workflows[id] = wf
	return nil
}

// CreateState persists a state.
func (s *MemoryWorkflowStore) CreateState(_ context.Context, st model.WorkflowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[st.WorkflowID]; !exists {
		return model.NewNotFoundError(fmt.Sprintf("workflow %q not found", st.WorkflowID))
	}
	key := stateKey{st.WorkflowID, st.ID}
	if _, exists := s.states[key]; exists {
		return model.NewConflictError(fmt.Sprintf("state %q already exists in workflow %q", st.ID, st.WorkflowID))
	}
	st.ActionConfig = model.CloneDocument(st.ActionConfig)
	s.states[key] = st
	s.stateOrder[st.WorkflowID] = append(s.stateOrder[st.WorkflowID], st.ID)
	return nil
}

// GetState retrieves a state of a workflow.
func (s *MemoryWorkflowStore) GetState(_ context.Context, workflowID, stateID string) (model.WorkflowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, exists := s.states[stateKey{workflowID, stateID}]
	if !exists {
		return model.WorkflowState{}, model.NewNotFoundError(
			fmt.Sprintf("state %q not found in workflow %q", stateID, workflowID),
		)
	}
	st.ActionConfig = model.CloneDocument(st.ActionConfig)
	return st, nil
}

// ListStates returns every state of a workflow in creation order.
func (s *MemoryWorkflowStore) ListStates(_ context.Context, workflowID string) ([]model.WorkflowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.WorkflowState, 0, len(s.stateOrder[workflowID]))
	for _, id := range s.stateOrder[workflowID] {
		st := s.states[stateKey{workflowID, id}]
		st.ActionConfig = model.CloneDocument(st.ActionConfig)
		result = append(result, st)
	}
	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// CreateTransition persists a transition.
func (s *MemoryWorkflowStore) CreateTransition(_ context.Context, tr model.WorkflowTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.transitions[tr.WorkflowID] {
		if existing.ID == tr.ID {
			return model.NewConflictError(fmt.Sprintf("transition %q already exists", tr.ID))
		}
	}
	tr.Routing = model.CloneDocument(tr.Routing)
	s.transitions[tr.WorkflowID] = append(s.transitions[tr.WorkflowID], tr)
	return nil
}

// ListTransitions returns every transition of a workflow in creation order.
func (s *MemoryWorkflowStore) ListTransitions(_ context.Context, workflowID string) ([]model.WorkflowTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.WorkflowTransition, len(s.transitions[workflowID]))
	copy(result, s.transitions[workflowID])
	return result, nil
}

// ListTransitionsFrom returns the transitions leaving a state in evaluation
// order.
func (s *MemoryWorkflowStore) ListTransitionsFrom(_ context.Context, workflowID, stateID string) ([]model.WorkflowTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.WorkflowTransition{}
	for _, tr := range s.transitions[workflowID] {
		if tr.FromStateID == stateID {
			result = append(result, tr)
		}
	}
	sortTransitions(result)
	return result, nil
}

// CreateSchedule persists a schedule.
func (s *MemoryWorkflowStore) CreateSchedule(_ context.Context, sc model.WorkflowSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[sc.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("schedule %q already exists", sc.ID))
	}
	sc.Input = model.CloneDocument(sc.Input)
	s.schedules[sc.ID] = sc
	return nil
}

// ListSchedules returns the schedules of a workflow.
func (s *MemoryWorkflowStore) ListSchedules(_ context.Context, workflowID string) ([]model.WorkflowSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.WorkflowSchedule{}
	for _, sc := range s.schedules {
		if sc.WorkflowID == workflowID {
			sc.Input = model.CloneDocument(sc.Input)
			result = append(result, sc)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// ListDueSchedules returns active schedules due at now, earliest first.
func (s *MemoryWorkflowStore) ListDueSchedules(_ context.Context, now time.Time, limit int) ([]model.WorkflowSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.WorkflowSchedule{}
	for _, sc := range s.schedules {
		if sc.IsActive && !sc.NextRunAt.After(now) {
			sc.Input = model.CloneDocument(sc.Input)
			result = append(result, sc)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].NextRunAt.Equal(result[j].NextRunAt) {
			return result[i].NextRunAt.Before(result[j].NextRunAt)
		}
		return result[i].ID < result[j].ID
	})
	return paginate(result, 0, limit), nil
}

// MarkScheduleRun records a run and moves the schedule to nextRunAt.
func (s *MemoryWorkflowStore) MarkScheduleRun(_ context.Context, id string, ranAt, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, exists := s.schedules[id]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("schedule %q not found", id))
	}
	ran := ranAt.UTC()
	sc.LastRunAt = &ran
	sc.NextRunAt = nextRunAt.UTC()
	s.schedules[id] = sc
	return nil
}

// CreateInstance persists a new instance.
func (s *MemoryWorkflowStore) CreateInstance(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
	}
	if inst.Version == 0 {
		inst.Version = 1
	}
	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *MemoryWorkflowStore) GetInstance(_ context.Context, id string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[id]
	if !exists {
		return model.WorkflowInstance{}, model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", id))
	}
	return cloneInstance(inst), nil
}

// ListInstances returns instances matching the filter, newest first.
func (s *MemoryWorkflowStore) ListInstances(_ context.Context, filter InstanceFilter) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.WorkflowInstance{}
	for _, inst := range s.instances {
		if filter.WorkflowID != "" && inst.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.UserID != "" && inst.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		result = append(result, cloneInstance(inst))
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].StartedAt.After(result[j].StartedAt)
		}
		return result[i].ID < result[j].ID
	})
	return paginate(result, filter.Offset, filter.Limit), nil
}

// SaveInstanceProgress stores the current state and context of a live
// instance.
func (s *MemoryWorkflowStore) SaveInstanceProgress(_ context.Context, id, currentStateID string, ec model.ExecutionContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, exists := s.instances[id]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", id))
	}
	if inst.Status != model.InstanceStatusRunning && inst.Status != model.InstanceStatusPaused {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q is %s", id, inst.Status),
		)
	}

	inst.CurrentStateID = currentStateID
	inst.Context = cloneContext(ec)
	inst.Version++
	inst.UpdatedAt = s.now()
	s.instances[id] = inst
	return nil
}

// TransitionInstanceStatus performs a compare-and-set on the status.
func (s *MemoryWorkflowStore) TransitionInstanceStatus(_ context.Context, id string, change InstanceStatusChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, exists := s.instances[id]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", id))
	}
	if !change.allows(inst.Status) {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q is %s, cannot become %s", id, inst.Status, change.To),
		)
	}

	inst.Status = change.To
	if change.ErrorMessage != "" {
		inst.ErrorMessage = change.ErrorMessage
	}
	if change.CompletedAt != nil {
		at := change.CompletedAt.UTC()
		inst.CompletedAt = &at
	}
	if change.OutputData != nil {
		inst.OutputData = model.CloneDocument(change.OutputData)
	}
	inst.Version++
	inst.UpdatedAt = s.now()
	s.instances[id] = inst
	return nil
}

// AppendLog adds a record to an instance's audit trail.
func (s *MemoryWorkflowStore) AppendLog(_ context.Context, log model.WorkflowLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	log.Seq = s.seq
	log.Input = model.CloneDocument(log.Input)
	log.Output = model.CloneDocument(log.Output)
	s.logs[log.InstanceID] = append(s.logs[log.InstanceID], log)
	return nil
}

// ListLogs returns the most recent limit records of an instance in
// insertion order.
func (s *MemoryWorkflowStore) ListLogs(_ context.Context, instanceID string, limit int) ([]model.WorkflowLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := s.logs[instanceID]
	if limit > 0 && len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	result := make([]model.WorkflowLog, len(logs))
	copy(result, logs)
	return result, nil
}

// Ping always succeeds.
func (s *MemoryWorkflowStore) Ping(context.Context) error {
	return nil
}

// sortTransitions orders transitions by priority descending, then
// created_at and id ascending.
func sortTransitions(ts []model.WorkflowTransition) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].Priority != ts[j].Priority {
			return ts[i].Priority > ts[j].Priority
		}
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}

func cloneWorkflow(wf model.Workflow) model.Workflow {
	wf.Metadata = model.CloneDocument(wf.Metadata)
	wf.Trigger.Config = model.CloneDocument(wf.Trigger.Config)
	return wf
}

func cloneContext(ec model.ExecutionContext) model.ExecutionContext {
	out := model.ExecutionContext{
		Variables: model.CloneDocument(ec.Variables),
		Outputs:   model.CloneDocument(ec.Outputs),
	}
	if out.Variables == nil {
		out.Variables = map[string]any{}
	}
	if out.Outputs == nil {
		out.Outputs = map[string]any{}
	}
	return out
}

func cloneInstance(inst model.WorkflowInstance) model.WorkflowInstance {
	inst.Context = cloneContext(inst.Context)
	inst.InputData = model.CloneDocument(inst.InputData)
	inst.OutputData = model.CloneDocument(inst.OutputData)
	if inst.CompletedAt != nil {
		at := *inst.CompletedAt
		inst.CompletedAt = &at
	}
	return inst
}
