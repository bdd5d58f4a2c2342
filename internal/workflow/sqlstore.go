package workflow

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mattn/go-sqlite3"

	"github.com/pitabwire/autoflow/model"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// rowScanner is the common surface of pgx.Row and *sql.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

type rowIterator interface {
	rowScanner
	Next() bool
	Err() error
	Close()
}

// sqlDriver adapts a database handle to the statements SQLWorkflowStore
// issues. Queries use $N placeholders.
type sqlDriver interface {
	exec(ctx context.Context, query string, args ...any) (int64, error)
	queryRow(ctx context.Context, query string, args ...any) rowScanner
	query(ctx context.Context, query string, args ...any) (rowIterator, error)
	ping(ctx context.Context) error
	isNoRows(err error) bool
	isDuplicate(err error) bool
	schema() string
	close()
}

// SQLWorkflowStore is a WorkflowStore backed by PostgreSQL or SQLite.
type SQLWorkflowStore struct {
	db  sqlDriver
	now func() time.Time
}

// NewPgWorkflowStore creates a PostgreSQL workflow store using pgx/v5.
func NewPgWorkflowStore(pool *pgxpool.Pool) *SQLWorkflowStore {
	return newSQLWorkflowStore(pgDriver{pool: pool})
}

// NewSQLiteWorkflowStore creates a SQLite workflow store on a database
// opened with the "sqlite3" driver.
func NewSQLiteWorkflowStore(db *sql.DB) *SQLWorkflowStore {
	return newSQLWorkflowStore(sqliteDriver{db: db})
}

func newSQLWorkflowStore(db sqlDriver) *SQLWorkflowStore {
	return &SQLWorkflowStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Migrate creates the tables and indexes if they do not exist.
func (s *SQLWorkflowStore) Migrate(ctx context.Context) error {
	raw, err := schemaFS.ReadFile("schema/" + s.db.schema())
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	for _, stmt := range strings.Split(string(raw), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying connections.
func (s *SQLWorkflowStore) Close() {
	s.db.close()
}

// Ping verifies the database is reachable.
func (s *SQLWorkflowStore) Ping(ctx context.Context) error {
	return s.db.ping(ctx)
}

// --- Workflows ---

const workflowColumns = `id, user_id, name, description, status, trigger_config,
	version, is_template, metadata, created_at, updated_at`

// CreateWorkflow inserts a new workflow.
func (s *SQLWorkflowStore) CreateWorkflow(ctx context.Context, wf model.Workflow) error {
	trigger, err := json.Marshal(wf.Trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	metadata, err := jsonArg(wf.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.exec(ctx, `
		INSERT INTO workflows (
			id, user_id, name, description, status, trigger_type, trigger_config,
			version, is_template, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		wf.ID, nullString(wf.UserID), wf.Name, wf.Description, wf.Status, wf.Trigger.Type, string(trigger),
		wf.Version, wf.IsTemplate, metadata, wf.CreatedAt.UTC(), wf.UpdatedAt.UTC(),
	)
	if err != nil {
		if s.db.isDuplicate(err) {
			return model.NewConflictError(fmt.Sprintf("workflow %q already exists", wf.ID))
		}
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

// GetWorkflow retrieves a workflow by ID.
func (s *SQLWorkflowStore) GetWorkflow(ctx context.Context, id string) (model.Workflow, error) {
	wf, err := scanWorkflow(s.db.queryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id))
	if s.db.isNoRows(err) {
		return model.Workflow{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}
	if err != nil {
		return model.Workflow{}, fmt.Errorf("query workflow: %w", err)
	}
	return wf, nil
}

// ListWorkflows returns workflows matching the filter, newest first.
func (s *SQLWorkflowStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]model.Workflow, error) {
	var q queryBuilder
	q.where("user_id", filter.UserID)
	q.where("status", filter.Status)
	q.where("trigger_type", filter.TriggerType)
	if filter.Templates != nil {
		q.whereValue("is_template", *filter.Templates)
	}

	rows, err := s.db.query(ctx,
		`SELECT `+workflowColumns+` FROM workflows`+q.clause()+
			` ORDER BY created_at DESC, id ASC`+q.page(filter.Limit, filter.Offset),
		q.args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()

	result := []model.Workflow{}
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		result = append(result, wf)
	}
	return result, rows.Err()
}

// UpdateWorkflowStatus sets a workflow's status.
func (s *SQLWorkflowStore) UpdateWorkflowStatus(ctx context.Context, id, status string) error {
	n, err := s.db.exec(ctx,
		`UPDATE workflows SET status = $1, updated_at = $2 WHERE id = $3`,
		status, s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("update workflow status: %w", err)
	}
	if n == 0 {
		return model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}
	return nil
}

func scanWorkflow(row rowScanner) (model.Workflow, error) {
	var (
		wf                model.Workflow
		userID            *string
		trigger, metadata []byte
	)
	err := row.Scan(
		&wf.ID, &userID, &wf.Name, &wf.Description, &wf.Status, &trigger,
		&wf.Version, &wf.IsTemplate, &metadata, &wf.CreatedAt, &wf.UpdatedAt,
	)
	if err != nil {
		return model.Workflow{}, err
	}
	if userID != nil {
		wf.UserID = *userID
	}
	if err := unmarshalJSON(trigger, &wf.Trigger); err != nil {
		return model.Workflow{}, fmt.Errorf("unmarshal trigger: %w", err)
	}
	if err := unmarshalJSON(metadata, &wf.Metadata); err != nil {
		return model.Workflow{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	wf.CreatedAt = wf.CreatedAt.UTC()
	wf.UpdatedAt = wf.UpdatedAt.UTC()
	return wf, nil
}

// --- States ---

const stateColumns = `workflow_id, id, name, state_type, action_type, action_config,
	position, timeout_seconds, retry_count, retry_delay_seconds, created_at`

// CreateState inserts a state.
func (s *SQLWorkflowStore) CreateState(ctx context.Context, st model.WorkflowState) error {
	config, err := jsonArg(st.ActionConfig)
	if err != nil {
		return fmt.Errorf("marshal action config: %w", err)
	}
	position, err := json.Marshal(st.Position)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}

	_, err = s.db.exec(ctx, `
		INSERT INTO workflow_states (`+stateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		st.WorkflowID, st.ID, st.Name, st.StateType, st.ActionType, config,
		string(position), st.TimeoutSeconds, st.RetryCount, st.RetryDelaySeconds, st.CreatedAt.UTC(),
	)
	if err != nil {
		if s.db.isDuplicate(err) {
			return model.NewConflictError(fmt.Sprintf("state %q already exists in workflow %q", st.ID, st.WorkflowID))
		}
		return fmt.Errorf("insert state: %w", err)
	}
	return nil
}

// GetState retrieves a state of a workflow.
func (s *SQLWorkflowStore) GetState(ctx context.Context, workflowID, stateID string) (model.WorkflowState, error) {
	st, err := scanState(s.db.queryRow(ctx,
		`SELECT `+stateColumns+` FROM workflow_states WHERE workflow_id = $1 AND id = $2`,
		workflowID, stateID,
	))
	if s.db.isNoRows(err) {
		return model.WorkflowState{}, model.NewNotFoundError(
			fmt.Sprintf("state %q not found in workflow %q", stateID, workflowID),
		)
	}
	if err != nil {
		return model.WorkflowState{}, fmt.Errorf("query state: %w", err)
	}
	return st, nil
}

// ListStates returns every state of a workflow in creation order.
func (s *SQLWorkflowStore) ListStates(ctx context.Context, workflowID string) ([]model.WorkflowState, error) {
	rows, err := s.db.query(ctx,
		`SELECT `+stateColumns+` FROM workflow_states WHERE workflow_id = $1 ORDER BY created_at ASC, id ASC`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("query states: %w", err)
	}
	defer rows.Close()

	result := []model.WorkflowState{}
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

func scanState(row rowScanner) (model.WorkflowState, error) {
	var (
		st               model.WorkflowState
		config, position []byte
	)
	err := row.Scan(
		&st.WorkflowID, &st.ID, &st.Name, &st.StateType, &st.ActionType, &config,
		&position, &st.TimeoutSeconds, &st.RetryCount, &st.RetryDelaySeconds, &st.CreatedAt,
	)
	if err != nil {
		return model.WorkflowState{}, err
	}
	if err := unmarshalJSON(config, &st.ActionConfig); err != nil {
		return model.WorkflowState{}, fmt.Errorf("unmarshal action config: %w", err)
	}
	if err := unmarshalJSON(position, &st.Position); err != nil {
		return model.WorkflowState{}, fmt.Errorf("unmarshal position: %w", err)
	}
	st.CreatedAt = st.CreatedAt.UTC()
	return st, nil
}

// --- Transitions ---

const transitionColumns = `id, workflow_id, from_state_id, to_state_id, condition,
	condition_expression, priority, routing, created_at`

// CreateTransition inserts a transition.
func (s *SQLWorkflowStore) CreateTransition(ctx context.Context, tr model.WorkflowTransition) error {
	var condition any
	if !tr.Condition.IsZero() {
		raw, err := json.Marshal(tr.Condition)
		if err != nil {
			return fmt.Errorf("marshal condition: %w", err)
		}
		condition = string(raw)
	}
	routing, err := jsonArg(tr.Routing)
	if err != nil {
		return fmt.Errorf("marshal routing: %w", err)
	}

	_, err = s.db.exec(ctx, `
		INSERT INTO workflow_transitions (`+transitionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		tr.ID, tr.WorkflowID, tr.FromStateID, tr.ToStateID, condition,
		tr.ConditionExpression, tr.Priority, routing, tr.CreatedAt.UTC(),
	)
	if err != nil {
		if s.db.isDuplicate(err) {
			return model.NewConflictError(fmt.Sprintf("transition %q already exists", tr.ID))
		}
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// ListTransitions returns every transition of a workflow.
func (s *SQLWorkflowStore) ListTransitions(ctx context.Context, workflowID string) ([]model.WorkflowTransition, error) {
	return s.queryTransitions(ctx,
		`SELECT `+transitionColumns+` FROM workflow_transitions
		WHERE workflow_id = $1 ORDER BY created_at ASC, id ASC`,
		workflowID,
	)
}

// ListTransitionsFrom returns the transitions leaving a state in evaluation
// order.
func (s *SQLWorkflowStore) ListTransitionsFrom(ctx context.Context, workflowID, stateID string) ([]model.WorkflowTransition, error) {
	return s.queryTransitions(ctx,
		`SELECT `+transitionColumns+` FROM workflow_transitions
		WHERE workflow_id = $1 AND from_state_id = $2
		ORDER BY priority DESC, created_at ASC, id ASC`,
		workflowID, stateID,
	)
}

func (s *SQLWorkflowStore) queryTransitions(ctx context.Context, query string, args ...any) ([]model.WorkflowTransition, error) {
	rows, err := s.db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	result := []model.WorkflowTransition{}
	for rows.Next() {
		var (
			tr                 model.WorkflowTransition
			condition, routing []byte
		)
		err := rows.Scan(
			&tr.ID, &tr.WorkflowID, &tr.FromStateID, &tr.ToStateID, &condition,
			&tr.ConditionExpression, &tr.Priority, &routing, &tr.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		cond, err := model.ParseCondition(condition)
		if err != nil {
			return nil, fmt.Errorf("transition %q: %w", tr.ID, err)
		}
		tr.Condition = model.ConditionConfig{Condition: cond}
		if err := unmarshalJSON(routing, &tr.Routing); err != nil {
			return nil, fmt.Errorf("unmarshal routing: %w", err)
		}
		tr.CreatedAt = tr.CreatedAt.UTC()
		result = append(result, tr)
	}
	return result, rows.Err()
}

// --- Schedules ---

const scheduleColumns = `id, workflow_id, interval_seconds, input, is_active,
	next_run_at, last_run_at, created_at`

// CreateSchedule inserts a schedule.
func (s *SQLWorkflowStore) CreateSchedule(ctx context.Context, sc model.WorkflowSchedule) error {
	input, err := jsonArg(sc.Input)
	if err != nil {
		return fmt.Errorf("marshal schedule input: %w", err)
	}
	_, err = s.db.exec(ctx, `
		INSERT INTO workflow_schedules (`+scheduleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sc.ID, sc.WorkflowID, sc.IntervalSeconds, input, sc.IsActive,
		sc.NextRunAt.UTC(), utcPtr(sc.LastRunAt), sc.CreatedAt.UTC(),
	)
	if err != nil {
		if s.db.isDuplicate(err) {
			return model.NewConflictError(fmt.Sprintf("schedule %q already exists", sc.ID))
		}
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// ListSchedules returns the schedules of a workflow.
func (s *SQLWorkflowStore) ListSchedules(ctx context.Context, workflowID string) ([]model.WorkflowSchedule, error) {
	return s.querySchedules(ctx,
		`SELECT `+scheduleColumns+` FROM workflow_schedules
		WHERE workflow_id = $1 ORDER BY created_at ASC, id ASC`,
		workflowID,
	)
}

// ListDueSchedules returns active schedules due at now, earliest first.
func (s *SQLWorkflowStore) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]model.WorkflowSchedule, error) {
	var q queryBuilder
	q.args = append(q.args, true, now.UTC())
	return s.querySchedules(ctx,
		`SELECT `+scheduleColumns+` FROM workflow_schedules
		WHERE is_active = $1 AND next_run_at <= $2
		ORDER BY next_run_at ASC, id ASC`+q.page(limit, 0),
		q.args...,
	)
}

// MarkScheduleRun records a run and moves the schedule to nextRunAt.
func (s *SQLWorkflowStore) MarkScheduleRun(ctx context.Context, id string, ranAt, nextRunAt time.Time) error {
	n, err := s.db.exec(ctx,
		`UPDATE workflow_schedules SET last_run_at = $1, next_run_at = $2 WHERE id = $3`,
		ranAt.UTC(), nextRunAt.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if n == 0 {
		return model.NewNotFoundError(fmt.Sprintf("schedule %q not found", id))
	}
	return nil
}

func (s *SQLWorkflowStore) querySchedules(ctx context.Context, query string, args ...any) ([]model.WorkflowSchedule, error) {
	rows, err := s.db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	result := []model.WorkflowSchedule{}
	for rows.Next() {
		var (
			sc    model.WorkflowSchedule
			input []byte
		)
		err := rows.Scan(
			&sc.ID, &sc.WorkflowID, &sc.IntervalSeconds, &input, &sc.IsActive,
			&sc.NextRunAt, &sc.LastRunAt, &sc.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		if err := unmarshalJSON(input, &sc.Input); err != nil {
			return nil, fmt.Errorf("unmarshal schedule input: %w", err)
		}
		sc.NextRunAt = sc.NextRunAt.UTC()
		sc.CreatedAt = sc.CreatedAt.UTC()
		sc.LastRunAt = utcPtr(sc.LastRunAt)
		result = append(result, sc)
	}
	return result, rows.Err()
}

// --- Instances ---

const instanceColumns = `id, workflow_id, user_id, status, current_state_id, context,
	input_data, output_data, error_message, trigger_source,
	started_at, completed_at, updated_at, version`

// CreateInstance inserts a new instance.
func (s *SQLWorkflowStore) CreateInstance(ctx context.Context, inst model.WorkflowInstance) error {
	execCtx, err := json.Marshal(inst.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	input, err := jsonArg(inst.InputData)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	output, err := jsonArg(inst.OutputData)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	if inst.Version == 0 {
		inst.Version = 1
	}

	_, err = s.db.exec(ctx, `
		INSERT INTO workflow_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		inst.ID, inst.WorkflowID, inst.UserID, inst.Status, inst.CurrentStateID, string(execCtx),
		input, output, inst.ErrorMessage, inst.TriggerSource,
		inst.StartedAt.UTC(), utcPtr(inst.CompletedAt), inst.UpdatedAt.UTC(), inst.Version,
	)
	if err != nil {
		if s.db.isDuplicate(err) {
			return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
		}
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *SQLWorkflowStore) GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error) {
	inst, err := scanInstance(s.db.queryRow(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, id,
	))
	if s.db.isNoRows(err) {
		return model.WorkflowInstance{}, model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", id))
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// ListInstances returns instances matching the filter, newest first.
func (s *SQLWorkflowStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]model.WorkflowInstance, error) {
	var q queryBuilder
	q.where("workflow_id", filter.WorkflowID)
	q.where("user_id", filter.UserID)
	q.where("status", filter.Status)

	rows, err := s.db.query(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances`+q.clause()+
			` ORDER BY started_at DESC, id ASC`+q.page(filter.Limit, filter.Offset),
		q.args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	result := []model.WorkflowInstance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		result = append(result, inst)
	}
	return result, rows.Err()
}

// SaveInstanceProgress stores the current state and context of a live
// instance.
func (s *SQLWorkflowStore) SaveInstanceProgress(ctx context.Context, id, currentStateID string, ec model.ExecutionContext) error {
	execCtx, err := json.Marshal(ec)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	n, err := s.db.exec(ctx, `
		UPDATE workflow_instances SET
			current_state_id = $1,
			context = $2,
			version = version + 1,
			updated_at = $3
		WHERE id = $4 AND status IN ($5, $6)`,
		currentStateID, string(execCtx), s.now(), id,
		model.InstanceStatusRunning, model.InstanceStatusPaused,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance progress: %w", err)
	}
	if n == 0 {
		return s.missedUpdate(ctx, id, "save progress")
	}
	return nil
}

// TransitionInstanceStatus performs a compare-and-set on the status.
func (s *SQLWorkflowStore) TransitionInstanceStatus(ctx context.Context, id string, change InstanceStatusChange) error {
	if len(change.From) == 0 {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q: no source status given", id))
	}
	output, err := jsonArg(change.OutputData)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}

	args := []any{change.To, change.ErrorMessage, utcPtr(change.CompletedAt), output, s.now(), id}
	placeholders := make([]string, len(change.From))
	for i, from := range change.From {
		args = append(args, from)
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}

	n, err := s.db.exec(ctx, `
		UPDATE workflow_instances SET
			status = $1,
			error_message = CASE WHEN $2 = '' THEN error_message ELSE $2 END,
			completed_at = COALESCE($3, completed_at),
			output_data = COALESCE($4, output_data),
			version = version + 1,
			updated_at = $5
		WHERE id = $6 AND status IN (`+strings.Join(placeholders, ", ")+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance status: %w", err)
	}
	if n == 0 {
		return s.missedUpdate(ctx, id, "become "+change.To)
	}
	return nil
}

// missedUpdate distinguishes an absent instance from a status mismatch after
// a conditional update touched no rows.
func (s *SQLWorkflowStore) missedUpdate(ctx context.Context, id, op string) error {
	inst, err := s.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	return model.NewConflictError(fmt.Sprintf("workflow instance %q is %s, cannot %s", id, inst.Status, op))
}

func scanInstance(row rowScanner) (model.WorkflowInstance, error) {
	var (
		inst                   model.WorkflowInstance
		execCtx, input, output []byte
	)
	err := row.Scan(
		&inst.ID, &inst.WorkflowID, &inst.UserID, &inst.Status, &inst.CurrentStateID, &execCtx,
		&input, &output, &inst.ErrorMessage, &inst.TriggerSource,
		&inst.StartedAt, &inst.CompletedAt, &inst.UpdatedAt, &inst.Version,
	)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if err := unmarshalJSON(execCtx, &inst.Context); err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("unmarshal context: %w", err)
	}
	if inst.Context.Variables == nil {
		inst.Context.Variables = map[string]any{}
	}
	if inst.Context.Outputs == nil {
		inst.Context.Outputs = map[string]any{}
	}
	if err := unmarshalJSON(input, &inst.InputData); err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("unmarshal input: %w", err)
	}
	if err := unmarshalJSON(output, &inst.OutputData); err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("unmarshal output: %w", err)
	}
	inst.StartedAt = inst.StartedAt.UTC()
	inst.UpdatedAt = inst.UpdatedAt.UTC()
	inst.CompletedAt = utcPtr(inst.CompletedAt)
	return inst, nil
}

// --- Logs ---

// AppendLog inserts an audit record. The database assigns the sequence.
func (s *SQLWorkflowStore) AppendLog(ctx context.Context, log model.WorkflowLog) error {
	input, err := jsonArg(log.Input)
	if err != nil {
		return fmt.Errorf("marshal log input: %w", err)
	}
	output, err := jsonArg(log.Output)
	if err != nil {
		return fmt.Errorf("marshal log output: %w", err)
	}

	_, err = s.db.exec(ctx, `
		INSERT INTO workflow_logs (
			id, instance_id, state_id, transition_id, event, status,
			input, output, error, duration_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		log.ID, log.InstanceID, log.StateID, log.TransitionID, log.Action, log.Status,
		input, output, log.Error, log.DurationMs, log.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert workflow log: %w", err)
	}
	return nil
}

// ListLogs returns the most recent limit records of an instance in
// insertion order.
func (s *SQLWorkflowStore) ListLogs(ctx context.Context, instanceID string, limit int) ([]model.WorkflowLog, error) {
	var q queryBuilder
	q.args = append(q.args, instanceID)
	rows, err := s.db.query(ctx, `
		SELECT seq, id, instance_id, state_id, transition_id, event, status,
		       input, output, error, duration_ms, created_at
		FROM (
			SELECT * FROM workflow_logs WHERE instance_id = $1
			ORDER BY seq DESC`+q.page(limit, 0)+`
		) recent
		ORDER BY seq ASC`,
		q.args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow logs: %w", err)
	}
	defer rows.Close()

	result := []model.WorkflowLog{}
	for rows.Next() {
		var (
			l             model.WorkflowLog
			input, output []byte
		)
		err := rows.Scan(
			&l.Seq, &l.ID, &l.InstanceID, &l.StateID, &l.TransitionID, &l.Action, &l.Status,
			&input, &output, &l.Error, &l.DurationMs, &l.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan workflow log: %w", err)
		}
		if err := unmarshalJSON(input, &l.Input); err != nil {
			return nil, fmt.Errorf("unmarshal log input: %w", err)
		}
		if err := unmarshalJSON(output, &l.Output); err != nil {
			return nil, fmt.Errorf("unmarshal log output: %w", err)
		}
		l.CreatedAt = l.CreatedAt.UTC()
		result = append(result, l)
	}
	return result, rows.Err()
}

// --- Helpers ---

// queryBuilder accumulates equality filters and their positional args.
type queryBuilder struct {
	conds []string
	args  []any
}

func (q *queryBuilder) where(column, value string) {
	if value == "" {
		return
	}
	q.whereValue(column, value)
}

func (q *queryBuilder) whereValue(column string, value any) {
	q.args = append(q.args, value)
	q.conds = append(q.conds, fmt.Sprintf("%s = $%d", column, len(q.args)))
}

func (q *queryBuilder) clause() string {
	if len(q.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.conds, " AND ")
}

func (q *queryBuilder) page(limit, offset int) string {
	var b strings.Builder
	if limit <= 0 && offset > 0 {
		limit = math.MaxInt32
	}
	if limit > 0 {
		q.args = append(q.args, limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(q.args))
	}
	if offset > 0 {
		q.args = append(q.args, offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(q.args))
	}
	return b.String()
}

// jsonArg encodes a document for a nullable JSON column.
func jsonArg(doc map[string]any) (any, error) {
	if doc == nil {
		return nil, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func unmarshalJSON(raw []byte, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// --- Drivers ---

type pgDriver struct {
	pool *pgxpool.Pool
}

func (d pgDriver) exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := d.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (d pgDriver) queryRow(ctx context.Context, query string, args ...any) rowScanner {
	return d.pool.QueryRow(ctx, query, args...)
}

func (d pgDriver) query(ctx context.Context, query string, args ...any) (rowIterator, error) {
	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (d pgDriver) ping(ctx context.Context) error { return d.pool.Ping(ctx) }

func (d pgDriver) isNoRows(err error) bool { return errors.Is(err, pgx.ErrNoRows) }

func (d pgDriver) isDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (d pgDriver) schema() string { return "postgres.sql" }

func (d pgDriver) close() { d.pool.Close() }

type sqliteDriver struct {
	db *sql.DB
}

// placeholderPattern matches $N placeholders, which SQLite spells ?N.
var placeholderPattern = regexp.MustCompile(`\$(\d+)`)

func rebind(query string) string {
	return placeholderPattern.ReplaceAllString(query, "?$1")
}

func (d sqliteDriver) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := d.db.ExecContext(ctx, rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (d sqliteDriver) queryRow(ctx context.Context, query string, args ...any) rowScanner {
	return d.db.QueryRowContext(ctx, rebind(query), args...)
}

func (d sqliteDriver) query(ctx context.Context, query string, args ...any) (rowIterator, error) {
	rows, err := d.db.QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

func (d sqliteDriver) ping(ctx context.Context) error { return d.db.PingContext(ctx) }

func (d sqliteDriver) isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }

func (d sqliteDriver) isDuplicate(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func (d sqliteDriver) schema() string { return "sqlite.sql" }

func (d sqliteDriver) close() { d.db.Close() }

// sqlRows adapts *sql.Rows to rowIterator.
type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() { r.Rows.Close() }
