package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/autoflow/internal/action"
	"github.com/pitabwire/autoflow/internal/condition"
	"github.com/pitabwire/autoflow/internal/observability"
	"github.com/pitabwire/autoflow/model"
)

const (
	defaultMaxSteps  = 10000
	defaultLogLimit  = 100
	maxLogLimit      = 1000
	recoverPageSize  = 200
	triggerManual    = model.TriggerManual
	cloneSourceField = "cloned_from"
)

// StepExecutor runs the action of one state.
type StepExecutor interface {
	Execute(ctx context.Context, state model.WorkflowState, inst model.WorkflowInstance) (map[string]any, error)
}

// Engine manages the lifecycle of workflow instances. Each started or
// resumed instance is advanced by its own runner goroutine.
type Engine struct {
	store     WorkflowStore
	executor  StepExecutor
	evaluator *condition.Evaluator
	claimer   Claimer
	logger    *zap.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
	maxSteps  int
	now       func() time.Time
	audit     *auditLog

	baseCtx context.Context
	stop    context.CancelFunc
	runners sync.WaitGroup

	stampMu   sync.Mutex
	lastStamp time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithExecutor sets the step executor. The default dispatches actions with
// action.NewDispatcher.
func WithExecutor(x StepExecutor) Option {
	return func(e *Engine) { e.executor = x }
}

// WithEvaluator sets the transition guard evaluator.
func WithEvaluator(ev *condition.Evaluator) Option {
	return func(e *Engine) { e.evaluator = ev }
}

// WithClaimer sets the instance claimer. The default is a LocalClaimer.
func WithClaimer(c Claimer) Option {
	return func(e *Engine) { e.claimer = c }
}

// WithLogger sets the engine's logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer sets the tracer used for step spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithMaxSteps bounds the number of steps one runner takes before failing
// the instance.
func WithMaxSteps(n int) Option {
	return func(e *Engine) { e.maxSteps = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a new workflow engine on store.
func NewEngine(store WorkflowStore, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		maxSteps: defaultMaxSteps,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.evaluator == nil {
		e.evaluator = condition.NewEvaluator(e.logger)
	}
	if e.executor == nil {
		e.executor = action.NewExecutor(
			action.NewDispatcher(action.WithLogger(e.logger), action.WithMetrics(e.metrics)),
			action.WithExecutorLogger(e.logger),
			action.WithExecutorMetrics(e.metrics),
		)
	}
	if e.claimer == nil {
		e.claimer = NewLocalClaimer()
	}
	if e.tracer == nil {
		e.tracer = observability.Tracer()
	}
	if e.maxSteps <= 0 {
		e.maxSteps = defaultMaxSteps
	}
	e.baseCtx, e.stop = context.WithCancel(context.Background())
	e.audit = &auditLog{store: store, logger: e.logger, metrics: e.metrics, now: e.now}
	return e
}

// StartRequest describes a new instance.
type StartRequest struct {
	WorkflowID    string
	UserID        string
	Input         map[string]any
	TriggerSource string
}

// Start creates a running instance at the workflow's start state and
// launches its runner. The returned instance reflects the initial state;
// execution continues asynchronously.
func (e *Engine) Start(ctx context.Context, req StartRequest) (model.WorkflowInstance, error) {
	wf, err := e.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return model.WorkflowInstance{}, storeError("get workflow", err)
	}
	if wf.Status != model.WorkflowStatusActive && wf.Status != model.WorkflowStatusDraft {
		return model.WorkflowInstance{}, model.NewInvalidStateError(
			fmt.Sprintf("workflow %q is %s and cannot be started", wf.ID, wf.Status),
		)
	}

	states, err := e.store.ListStates(ctx, wf.ID)
	if err != nil {
		return model.WorkflowInstance{}, storeError("list states", err)
	}
	start := findStartState(states)
	if start == nil {
		return model.WorkflowInstance{}, model.NewMissingStartStateError(wf.ID)
	}

	trigger := req.TriggerSource
	if trigger == "" {
		trigger = triggerManual
	}
	now := e.now()
	inst := model.WorkflowInstance{
		ID:             uuid.New().String(),
		WorkflowID:     wf.ID,
		UserID:         req.UserID,
		Status:         model.InstanceStatusRunning,
		CurrentStateID: start.ID,
		Context:        model.NewExecutionContext(req.Input),
		InputData:      model.CloneDocument(req.Input),
		TriggerSource:  trigger,
		StartedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return model.WorkflowInstance{}, storeError("create instance", err)
	}

	e.metrics.RecordWorkflowStart(wf.ID, trigger)
	e.audit.record(ctx, model.WorkflowLog{
		InstanceID: inst.ID,
		StateID:    start.ID,
		Action:     model.LogWorkflowStarted,
		Status:     model.LogStatusSuccess,
		Input:      inst.InputData,
	})
	e.logger.Info("workflow started",
		zap.String("workflow_id", wf.ID),
		zap.String("instance_id", inst.ID),
		zap.String("trigger", trigger),
	)

	e.launch(inst.ID)
	return inst, nil
}

// Pause stops a running instance before its next step.
func (e *Engine) Pause(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, storeError("get instance", err)
	}
	if inst.Status != model.InstanceStatusRunning {
		return model.WorkflowInstance{}, model.NewInvalidStateError(
			fmt.Sprintf("workflow instance %q is %s, cannot pause", instanceID, inst.Status),
		)
	}

	err = e.store.TransitionInstanceStatus(ctx, instanceID, InstanceStatusChange{
		From: []string{model.InstanceStatusRunning},
		To:   model.InstanceStatusPaused,
	})
	if err != nil {
		return model.WorkflowInstance{}, casError(err, instanceID, "pause")
	}

	e.audit.lifecycle(ctx, inst, model.LogWorkflowPaused)
	return e.reload(ctx, instanceID)
}

// Resume continues a paused instance from its current state.
func (e *Engine) Resume(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, storeError("get instance", err)
	}
	if inst.Status != model.InstanceStatusPaused {
		return model.WorkflowInstance{}, model.NewInvalidStateError(
			fmt.Sprintf("workflow instance %q is %s, cannot resume", instanceID, inst.Status),
		)
	}

	err = e.store.TransitionInstanceStatus(ctx, instanceID, InstanceStatusChange{
		From: []string{model.InstanceStatusPaused},
		To:   model.InstanceStatusRunning,
	})
	if err != nil {
		return model.WorkflowInstance{}, casError(err, instanceID, "resume")
	}

	e.audit.lifecycle(ctx, inst, model.LogWorkflowResumed)
	e.launch(instanceID)
	return e.reload(ctx, instanceID)
}

// Cancel ends a running or paused instance.
func (e *Engine) Cancel(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, storeError("get instance", err)
	}
	if model.IsTerminalInstanceStatus(inst.Status) {
		return model.WorkflowInstance{}, model.NewInvalidStateError(
			fmt.Sprintf("workflow instance %q is %s, cannot cancel", instanceID, inst.Status),
		)
	}

	now := e.now()
	err = e.store.TransitionInstanceStatus(ctx, instanceID, InstanceStatusChange{
		From:        []string{model.InstanceStatusRunning, model.InstanceStatusPaused},
		To:          model.InstanceStatusCancelled,
		CompletedAt: &now,
	})
	if err != nil {
		return model.WorkflowInstance{}, casError(err, instanceID, "cancel")
	}

	e.metrics.RecordWorkflowCompletion(inst.WorkflowID, model.InstanceStatusCancelled)
	e.audit.lifecycle(ctx, inst, model.LogWorkflowCancelled)
	return e.reload(ctx, instanceID)
}

// GetWorkflow returns a workflow with its states, transitions and schedules.
func (e *Engine) GetWorkflow(ctx context.Context, id string) (model.WorkflowDetail, error) {
	wf, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return model.WorkflowDetail{}, storeError("get workflow", err)
	}
	states, err := e.store.ListStates(ctx, id)
	if err != nil {
		return model.WorkflowDetail{}, storeError("list states", err)
	}
	transitions, err := e.store.ListTransitions(ctx, id)
	if err != nil {
		return model.WorkflowDetail{}, storeError("list transitions", err)
	}
	schedules, err := e.store.ListSchedules(ctx, id)
	if err != nil {
		return model.WorkflowDetail{}, storeError("list schedules", err)
	}
	return model.WorkflowDetail{
		Workflow:    wf,
		States:      states,
		Transitions: transitions,
		Schedules:   schedules,
	}, nil
}

// ListWorkflows returns workflows matching filter.
func (e *Engine) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]model.Workflow, error) {
	wfs, err := e.store.ListWorkflows(ctx, filter)
	if err != nil {
		return nil, storeError("list workflows", err)
	}
	return wfs, nil
}

// GetInstance returns an instance.
func (e *Engine) GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return model.WorkflowInstance{}, storeError("get instance", err)
	}
	return inst, nil
}

// ListInstances returns instances matching filter.
func (e *Engine) ListInstances(ctx context.Context, filter InstanceFilter) ([]model.WorkflowInstance, error) {
	insts, err := e.store.ListInstances(ctx, filter)
	if err != nil {
		return nil, storeError("list instances", err)
	}
	return insts, nil
}

// GetInstanceLogs returns the most recent limit log records of an instance
// in insertion order. Non-positive limits use the default of 100; limits
// above 1000 are capped.
func (e *Engine) GetInstanceLogs(ctx context.Context, instanceID string, limit int) ([]model.WorkflowLog, error) {
	if _, err := e.store.GetInstance(ctx, instanceID); err != nil {
		return nil, storeError("get instance", err)
	}
	switch {
	case limit <= 0:
		limit = defaultLogLimit
	case limit > maxLogLimit:
		limit = maxLogLimit
	}
	logs, err := e.store.ListLogs(ctx, instanceID, limit)
	if err != nil {
		return nil, storeError("list logs", err)
	}
	return logs, nil
}

// --- Definition management ---

// CreateWorkflow persists a new workflow. Missing ids are generated and the
// status defaults to draft.
func (e *Engine) CreateWorkflow(ctx context.Context, wf model.Workflow) (model.Workflow, error) {
	if wf.Name == "" {
		return model.Workflow{}, model.NewValidationError([]model.FieldError{
			{Field: "name", Code: "REQUIRED", Message: "name is required"},
		})
	}
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	if wf.Status == "" {
		wf.Status = model.WorkflowStatusDraft
	}
	if wf.Trigger.Type == "" {
		wf.Trigger.Type = model.TriggerManual
	}
	if wf.Version <= 0 {
		wf.Version = 1
	}
	now := e.stamp()
	wf.CreatedAt = now
	wf.UpdatedAt = now

	if err := e.store.CreateWorkflow(ctx, wf); err != nil {
		return model.Workflow{}, storeError("create workflow", err)
	}
	return wf, nil
}

// AddState adds a state to a workflow. A workflow holds at most one start
// state.
func (e *Engine) AddState(ctx context.Context, st model.WorkflowState) (model.WorkflowState, error) {
	if st.ID == "" {
		return model.WorkflowState{}, model.NewBadRequestError("state id is required")
	}
	if !model.IsValidStateType(st.StateType) {
		return model.WorkflowState{}, model.NewBadRequestError(fmt.Sprintf("unknown state type %q", st.StateType))
	}
	if _, err := model.ParseAction(st.ActionType, st.ActionConfig); err != nil {
		return model.WorkflowState{}, model.NewBadRequestError(fmt.Sprintf("state %q: %v", st.ID, err))
	}
	if _, err := e.store.GetWorkflow(ctx, st.WorkflowID); err != nil {
		return model.WorkflowState{}, storeError("get workflow", err)
	}

	if st.StateType == model.StateTypeStart {
		states, err := e.store.ListStates(ctx, st.WorkflowID)
		if err != nil {
			return model.WorkflowState{}, storeError("list states", err)
		}
		if existing := findStartState(states); existing != nil {
			return model.WorkflowState{}, model.NewInvalidStateError(
				fmt.Sprintf("workflow %q already has start state %q", st.WorkflowID, existing.ID),
			)
		}
	}

	if st.Name == "" {
		st.Name = st.ID
	}
	st.CreatedAt = e.stamp()
	if err := e.store.CreateState(ctx, st); err != nil {
		return model.WorkflowState{}, storeError("create state", err)
	}
	return st, nil
}

// AddTransition adds an edge between two existing states of a workflow.
func (e *Engine) AddTransition(ctx context.Context, tr model.WorkflowTransition) (model.WorkflowTransition, error) {
	for _, id := range []string{tr.FromStateID, tr.ToStateID} {
		if _, err := e.store.GetState(ctx, tr.WorkflowID, id); err != nil {
			return model.WorkflowTransition{}, storeError("get state", err)
		}
	}
	if tr.ID == "" {
		tr.ID = uuid.New().String()
	}
	tr.CreatedAt = e.stamp()
	if err := e.store.CreateTransition(ctx, tr); err != nil {
		return model.WorkflowTransition{}, storeError("create transition", err)
	}
	return tr, nil
}

// AddSchedule adds an interval schedule to a workflow. The first run is one
// interval from now unless NextRunAt is set.
func (e *Engine) AddSchedule(ctx context.Context, sc model.WorkflowSchedule) (model.WorkflowSchedule, error) {
	if sc.IntervalSeconds <= 0 {
		return model.WorkflowSchedule{}, model.NewBadRequestError("interval_seconds must be positive")
	}
	if _, err := e.store.GetWorkflow(ctx, sc.WorkflowID); err != nil {
		return model.WorkflowSchedule{}, storeError("get workflow", err)
	}
	if sc.ID == "" {
		sc.ID = uuid.New().String()
	}
	if sc.NextRunAt.IsZero() {
		sc.NextRunAt = e.now().Truncate(time.Microsecond).Add(time.Duration(sc.IntervalSeconds) * time.Second)
	}
	sc.CreatedAt = e.stamp()
	if err := e.store.CreateSchedule(ctx, sc); err != nil {
		return model.WorkflowSchedule{}, storeError("create schedule", err)
	}
	return sc, nil
}

// ImportDefinition creates a workflow with its states, transitions and
// schedules from a definition. A workflow whose id already exists is left
// untouched and returned with created=false.
func (e *Engine) ImportDefinition(ctx context.Context, def model.WorkflowDefinition) (wf model.Workflow, created bool, err error) {
	if def.ID != "" {
		existing, err := e.store.GetWorkflow(ctx, def.ID)
		if err == nil {
			return existing, false, nil
		}
		if !model.IsCode(err, model.ErrNotFound) {
			return model.Workflow{}, false, storeError("get workflow", err)
		}
	}

	wf, err = e.CreateWorkflow(ctx, model.Workflow{
		ID:          def.ID,
		UserID:      def.UserID,
		Name:        def.Name,
		Description: def.Description,
		Status:      def.Status,
		Trigger:     model.Trigger{Type: def.Trigger.Type, Config: def.Trigger.Config},
		IsTemplate:  def.IsTemplate,
		Metadata:    def.Metadata,
	})
	if err != nil {
		return model.Workflow{}, false, err
	}

	for _, sd := range def.States {
		_, err := e.AddState(ctx, model.WorkflowState{
			ID:                sd.ID,
			WorkflowID:        wf.ID,
			Name:              sd.Name,
			StateType:         sd.Type,
			ActionType:        sd.Action,
			ActionConfig:      sd.Config,
			Position:          sd.Position,
			TimeoutSeconds:    sd.TimeoutSeconds,
			RetryCount:        sd.Retry.Count,
			RetryDelaySeconds: sd.Retry.DelaySeconds,
		})
		if err != nil {
			return model.Workflow{}, false, err
		}
	}

	for i, td := range def.Transitions {
		cond, err := model.ConditionFromMap(td.Condition)
		if err != nil {
			return model.Workflow{}, false, model.NewBadRequestError(fmt.Sprintf("transitions[%d].condition: %v", i, err))
		}
		_, err = e.AddTransition(ctx, model.WorkflowTransition{
			WorkflowID:          wf.ID,
			FromStateID:         td.From,
			ToStateID:           td.To,
			Condition:           model.ConditionConfig{Condition: cond},
			ConditionExpression: td.Expression,
			Priority:            td.Priority,
			Routing:             td.Routing,
		})
		if err != nil {
			return model.Workflow{}, false, err
		}
	}

	for _, sd := range def.Schedules {
		_, err := e.AddSchedule(ctx, model.WorkflowSchedule{
			WorkflowID:      wf.ID,
			IntervalSeconds: sd.IntervalSeconds,
			Input:           sd.Input,
			IsActive:        !sd.Disabled,
		})
		if err != nil {
			return model.Workflow{}, false, err
		}
	}

	e.logger.Info("workflow imported",
		zap.String("workflow_id", wf.ID),
		zap.Int("states", len(def.States)),
		zap.Int("transitions", len(def.Transitions)),
	)
	return wf, true, nil
}

// CloneTemplate copies a template into a new draft workflow owned by
// userID. State ids are kept; transitions get new ids. Schedules are not
// copied.
func (e *Engine) CloneTemplate(ctx context.Context, templateID, userID string) (model.WorkflowDetail, error) {
	src, err := e.GetWorkflow(ctx, templateID)
	if err != nil {
		return model.WorkflowDetail{}, err
	}
	if !src.IsTemplate {
		return model.WorkflowDetail{}, model.NewInvalidStateError(
			fmt.Sprintf("workflow %q is not a template", templateID),
		)
	}

	metadata := model.CloneDocument(src.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata[cloneSourceField] = src.ID

	wf, err := e.CreateWorkflow(ctx, model.Workflow{
		UserID:      userID,
		Name:        src.Name,
		Description: src.Description,
		Status:      model.WorkflowStatusDraft,
		Trigger:     model.Trigger{Type: src.Trigger.Type, Config: model.CloneDocument(src.Trigger.Config)},
		Metadata:    metadata,
	})
	if err != nil {
		return model.WorkflowDetail{}, err
	}

	for _, st := range src.States {
		st.WorkflowID = wf.ID
		st.ActionConfig = model.CloneDocument(st.ActionConfig)
		if _, err := e.AddState(ctx, st); err != nil {
			return model.WorkflowDetail{}, err
		}
	}
	for _, tr := range src.Transitions {
		tr.ID = ""
		tr.WorkflowID = wf.ID
		tr.Routing = model.CloneDocument(tr.Routing)
		if _, err := e.AddTransition(ctx, tr); err != nil {
			return model.WorkflowDetail{}, err
		}
	}
	return e.GetWorkflow(ctx, wf.ID)
}

// ActivateWorkflow makes a workflow eligible for scheduled, event and
// webhook triggers.
func (e *Engine) ActivateWorkflow(ctx context.Context, id string) error {
	return e.setWorkflowStatus(ctx, id, model.WorkflowStatusActive)
}

// ArchiveWorkflow soft-deletes a workflow. Archived workflows cannot be
// started; their instances and logs are kept.
func (e *Engine) ArchiveWorkflow(ctx context.Context, id string) error {
	return e.setWorkflowStatus(ctx, id, model.WorkflowStatusArchived)
}

func (e *Engine) setWorkflowStatus(ctx context.Context, id, status string) error {
	wf, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return storeError("get workflow", err)
	}
	if wf.Status == model.WorkflowStatusArchived && status != model.WorkflowStatusArchived {
		return model.NewInvalidStateError(fmt.Sprintf("workflow %q is archived", id))
	}
	if err := e.store.UpdateWorkflowStatus(ctx, id, status); err != nil {
		return storeError("update workflow status", err)
	}
	return nil
}

// --- Recovery and shutdown ---

// RecoverRunning launches a runner for every running instance. It is meant
// to be called once at process start and returns the number relaunched.
func (e *Engine) RecoverRunning(ctx context.Context) (int, error) {
	var ids []string
	for offset := 0; ; offset += recoverPageSize {
		page, err := e.store.ListInstances(ctx, InstanceFilter{
			Status: model.InstanceStatusRunning,
			Limit:  recoverPageSize,
			Offset: offset,
		})
		if err != nil {
			return 0, storeError("list instances", err)
		}
		for _, inst := range page {
			ids = append(ids, inst.ID)
		}
		if len(page) < recoverPageSize {
			break
		}
	}

	for _, id := range ids {
		e.launch(id)
	}
	if len(ids) > 0 {
		e.logger.Info("recovered running instances", zap.Int("count", len(ids)))
	}
	return len(ids), nil
}

// Wait blocks until every runner has returned.
func (e *Engine) Wait() {
	e.runners.Wait()
}

// Shutdown stops all runners and waits for them, bounded by ctx. Instances
// interrupted mid-run stay running and are picked up by RecoverRunning.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stop()
	done := make(chan struct{})
	go func() {
		e.runners.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("workflow runners did not stop: %w", ctx.Err())
	}
}

// --- Helpers ---

func (e *Engine) reload(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, storeError("get instance", err)
	}
	return inst, nil
}

// stamp returns a creation time strictly after the previous one at
// microsecond resolution, so records created in sequence sort in that
// sequence in every store.
func (e *Engine) stamp() time.Time {
	e.stampMu.Lock()
	defer e.stampMu.Unlock()
	t := e.now().Truncate(time.Microsecond)
	if !t.After(e.lastStamp) {
		t = e.lastStamp.Add(time.Microsecond)
	}
	e.lastStamp = t
	return t
}

func findStartState(states []model.WorkflowState) *model.WorkflowState {
	for i := range states {
		if states[i].StateType == model.StateTypeStart {
			return &states[i]
		}
	}
	return nil
}

// storeError passes envelopes from the store through and wraps driver
// failures as STORE_ERROR.
func storeError(op string, err error) error {
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return err
	}
	return model.NewStoreError(op, err)
}

// casError reports a lost compare-and-set as INVALID_STATE.
func casError(err error, instanceID, op string) error {
	if model.IsCode(err, model.ErrConflict) {
		return model.NewInvalidStateError(
			fmt.Sprintf("workflow instance %q changed status, cannot %s", instanceID, op),
		)
	}
	return storeError(op+" instance", err)
}
