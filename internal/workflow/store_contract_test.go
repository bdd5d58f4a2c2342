package workflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pitabwire/autoflow/model"
)

var contractEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// testStoreContract runs the behaviour every WorkflowStore must share.
// newStore must return an empty store.
func testStoreContract(t *testing.T, newStore func(t *testing.T) WorkflowStore) {
	t.Run("workflow create and get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		wf := contractWorkflow("wf-1", "user-1", contractEpoch)
		wf.Metadata = map[string]any{"team": "ops"}
		wf.Trigger = model.Trigger{Type: model.TriggerEvent, Config: map[string]any{"event": "order.created"}}

		if err := s.CreateWorkflow(ctx, wf); err != nil {
			t.Fatalf("CreateWorkflow error: %v", err)
		}
		got, err := s.GetWorkflow(ctx, "wf-1")
		if err != nil {
			t.Fatalf("GetWorkflow error: %v", err)
		}
		if got.Name != wf.Name || got.UserID != "user-1" || got.Status != wf.Status {
			t.Errorf("GetWorkflow = %+v, want %+v", got, wf)
		}
		if got.Trigger.Type != model.TriggerEvent || got.Trigger.Config["event"] != "order.created" {
			t.Errorf("Trigger = %+v", got.Trigger)
		}
		if got.Metadata["team"] != "ops" {
			t.Errorf("Metadata = %v", got.Metadata)
		}
		if !got.CreatedAt.Equal(contractEpoch) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, contractEpoch)
		}

		err = s.CreateWorkflow(ctx, wf)
		if !model.IsCode(err, model.ErrConflict) {
			t.Errorf("duplicate CreateWorkflow error = %v, want CONFLICT", err)
		}
		if _, err := s.GetWorkflow(ctx, "missing"); !model.IsCode(err, model.ErrNotFound) {
			t.Errorf("GetWorkflow(missing) error = %v, want NOT_FOUND", err)
		}
	})

	t.Run("shared template has no owner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		wf := contractWorkflow("tpl", "", contractEpoch)
		wf.IsTemplate = true
		mustCreateWorkflow(t, s, wf)

		got, err := s.GetWorkflow(ctx, "tpl")
		if err != nil {
			t.Fatalf("GetWorkflow error: %v", err)
		}
		if got.UserID != "" || !got.IsTemplate {
			t.Errorf("UserID = %q, IsTemplate = %v", got.UserID, got.IsTemplate)
		}
	})

	t.Run("list workflows", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i, user := range []string{"alice", "bob", "alice"} {
			wf := contractWorkflow(fmt.Sprintf("wf-%d", i), user, contractEpoch.Add(time.Duration(i)*time.Minute))
			if i == 2 {
				wf.Status = model.WorkflowStatusActive
				wf.Trigger.Type = model.TriggerWebhook
				wf.IsTemplate = true
			}
			mustCreateWorkflow(t, s, wf)
		}

		all, err := s.ListWorkflows(ctx, WorkflowFilter{})
		if err != nil {
			t.Fatalf("ListWorkflows error: %v", err)
		}
		if ids := workflowIDs(all); fmt.Sprint(ids) != "[wf-2 wf-1 wf-0]" {
			t.Errorf("ListWorkflows ids = %v, want newest first", ids)
		}

		yes := true
		tests := []struct {
			name   string
			filter WorkflowFilter
			want   string
		}{
			{"by user", WorkflowFilter{UserID: "alice"}, "[wf-2 wf-0]"},
			{"by status", WorkflowFilter{Status: model.WorkflowStatusActive}, "[wf-2]"},
			{"by trigger", WorkflowFilter{TriggerType: model.TriggerWebhook}, "[wf-2]"},
			{"templates", WorkflowFilter{Templates: &yes}, "[wf-2]"},
			{"page", WorkflowFilter{Limit: 1, Offset: 1}, "[wf-1]"},
			{"offset only", WorkflowFilter{Offset: 2}, "[wf-0]"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := s.ListWorkflows(ctx, tt.filter)
				if err != nil {
					t.Fatalf("ListWorkflows error: %v", err)
				}
				if ids := fmt.Sprint(workflowIDs(got)); ids != tt.want {
					t.Errorf("ids = %s, want %s", ids, tt.want)
				}
			})
		}
	})

	t.Run("update workflow status", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustCreateWorkflow(t, s, contractWorkflow("wf-1", "u", contractEpoch))

		if err := s.UpdateWorkflowStatus(ctx, "wf-1", model.WorkflowStatusArchived); err != nil {
			t.Fatalf("UpdateWorkflowStatus error: %v", err)
		}
		got, _ := s.GetWorkflow(ctx, "wf-1")
		if got.Status != model.WorkflowStatusArchived {
			t.Errorf("Status = %q, want archived", got.Status)
		}
		if err := s.UpdateWorkflowStatus(ctx, "missing", model.WorkflowStatusActive); !model.IsCode(err, model.ErrNotFound) {
			t.Errorf("UpdateWorkflowStatus(missing) error = %v, want NOT_FOUND", err)
		}
	})

	t.Run("states", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustCreateWorkflow(t, s, contractWorkflow("wf-1", "u", contractEpoch))
		mustCreateWorkflow(t, s, contractWorkflow("wf-2", "u", contractEpoch))

		fetch := model.WorkflowState{
			ID: "fetch", WorkflowID: "wf-1", Name: "Fetch", StateType: model.StateTypeAction,
			ActionType:   model.ActionHTTPRequest,
			ActionConfig: map[string]any{"url": "https://example.com"},
			Position:     model.Position{X: 10, Y: 20},
			RetryCount:   2, RetryDelaySeconds: 1, TimeoutSeconds: 5,
			CreatedAt: contractEpoch.Add(time.Second),
		}
		start := model.WorkflowState{ID: "start", WorkflowID: "wf-1", Name: "Start", StateType: model.StateTypeStart, CreatedAt: contractEpoch}
		// Same id in another workflow is a different state.
		other := model.WorkflowState{ID: "start", WorkflowID: "wf-2", Name: "Start", StateType: model.StateTypeStart, CreatedAt: contractEpoch}
		for _, st := range []model.WorkflowState{fetch, start, other} {
			if err := s.CreateState(ctx, st); err != nil {
				t.Fatalf("CreateState(%s/%s) error: %v", st.WorkflowID, st.ID, err)
			}
		}
		if err := s.CreateState(ctx, start); !model.IsCode(err, model.ErrConflict) {
			t.Errorf("duplicate CreateState error = %v, want CONFLICT", err)
		}

		got, err := s.GetState(ctx, "wf-1", "fetch")
		if err != nil {
			t.Fatalf("GetState error: %v", err)
		}
		if got.ActionConfig["url"] != "https://example.com" || got.Position.X != 10 || got.RetryCount != 2 || got.TimeoutSeconds != 5 {
			t.Errorf("GetState = %+v", got)
		}
		if _, err := s.GetState(ctx, "wf-2", "fetch"); !model.IsCode(err, model.ErrNotFound) {
			t.Errorf("GetState(wf-2/fetch) error = %v, want NOT_FOUND", err)
		}

		states, err := s.ListStates(ctx, "wf-1")
		if err != nil {
			t.Fatalf("ListStates error: %v", err)
		}
		if len(states) != 2 || states[0].ID != "start" || states[1].ID != "fetch" {
			t.Errorf("ListStates = %v, want [start fetch]", stateIDs(states))
		}
	})

	t.Run("transitions ordered for evaluation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustCreateWorkflow(t, s, contractWorkflow("wf-1", "u", contractEpoch))

		cond := model.ConditionConfig{Condition: model.ComparisonCondition{Field: "variables.n", Operator: ">", Value: float64(1)}}
		trs := []model.WorkflowTransition{
			{ID: "t-b", FromStateID: "a", ToStateID: "x", Priority: 0, CreatedAt: contractEpoch},
			{ID: "t-a", FromStateID: "a", ToStateID: "y", Priority: 0, CreatedAt: contractEpoch},
			{ID: "t-high", FromStateID: "a", ToStateID: "z", Priority: 5, Condition: cond, CreatedAt: contractEpoch.Add(time.Hour)},
			{ID: "t-late", FromStateID: "a", ToStateID: "x", Priority: 0, CreatedAt: contractEpoch.Add(time.Minute), ConditionExpression: "true"},
			{ID: "t-other", FromStateID: "b", ToStateID: "x", CreatedAt: contractEpoch},
		}
		for _, tr := range trs {
			tr.WorkflowID = "wf-1"
			if err := s.CreateTransition(ctx, tr); err != nil {
				t.Fatalf("CreateTransition(%s) error: %v", tr.ID, err)
			}
		}

		from, err := s.ListTransitionsFrom(ctx, "wf-1", "a")
		if err != nil {
			t.Fatalf("ListTransitionsFrom error: %v", err)
		}
		var ids []string
		for _, tr := range from {
			ids = append(ids, tr.ID)
		}
		if fmt.Sprint(ids) != "[t-high t-a t-b t-late]" {
			t.Errorf("ListTransitionsFrom ids = %v, want [t-high t-a t-b t-late]", ids)
		}

		cmp, ok := from[0].Condition.Condition.(model.ComparisonCondition)
		if !ok || cmp.Field != "variables.n" || cmp.Operator != ">" || cmp.Value != float64(1) {
			t.Errorf("Condition = %#v", from[0].Condition.Condition)
		}
		if !from[1].Condition.IsZero() {
			t.Errorf("empty condition decoded as %#v", from[1].Condition.Condition)
		}
		if from[3].ConditionExpression != "true" {
			t.Errorf("ConditionExpression = %q", from[3].ConditionExpression)
		}

		all, err := s.ListTransitions(ctx, "wf-1")
		if err != nil {
			t.Fatalf("ListTransitions error: %v", err)
		}
		if len(all) != 5 {
			t.Errorf("ListTransitions len = %d, want 5", len(all))
		}
	})

	t.Run("schedules", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustCreateWorkflow(t, s, contractWorkflow("wf-1", "u", contractEpoch))

		now := contractEpoch.Add(time.Hour)
		schedules := []model.WorkflowSchedule{
			{ID: "due-late", IntervalSeconds: 60, IsActive: true, NextRunAt: now, Input: map[string]any{"k": "v"}},
			{ID: "due-early", IntervalSeconds: 60, IsActive: true, NextRunAt: now.Add(-time.Minute)},
			{ID: "future", IntervalSeconds: 60, IsActive: true, NextRunAt: now.Add(time.Minute)},
			{ID: "inactive", IntervalSeconds: 60, IsActive: false, NextRunAt: now.Add(-time.Hour)},
		}
		for _, sc := range schedules {
			sc.WorkflowID = "wf-1"
			sc.CreatedAt = contractEpoch
			if err := s.CreateSchedule(ctx, sc); err != nil {
				t.Fatalf("CreateSchedule(%s) error: %v", sc.ID, err)
			}
		}

		due, err := s.ListDueSchedules(ctx, now, 10)
		if err != nil {
			t.Fatalf("ListDueSchedules error: %v", err)
		}
		if len(due) != 2 || due[0].ID != "due-early" || due[1].ID != "due-late" {
			t.Fatalf("ListDueSchedules = %+v, want [due-early due-late]", due)
		}
		if due[1].Input["k"] != "v" {
			t.Errorf("Input = %v", due[1].Input)
		}
		if limited, _ := s.ListDueSchedules(ctx, now, 1); len(limited) != 1 {
			t.Errorf("ListDueSchedules(limit 1) len = %d", len(limited))
		}

		if err := s.MarkScheduleRun(ctx, "due-early", now, now.Add(time.Minute)); err != nil {
			t.Fatalf("MarkScheduleRun error: %v", err)
		}
		list, _ := s.ListSchedules(ctx, "wf-1")
		for _, sc := range list {
			if sc.ID != "due-early" {
				continue
			}
			if sc.LastRunAt == nil || !sc.LastRunAt.Equal(now) {
				t.Errorf("LastRunAt = %v, want %v", sc.LastRunAt, now)
			}
			if !sc.NextRunAt.Equal(now.Add(time.Minute)) {
				t.Errorf("NextRunAt = %v", sc.NextRunAt)
			}
		}
		if err := s.MarkScheduleRun(ctx, "missing", now, now); !model.IsCode(err, model.ErrNotFound) {
			t.Errorf("MarkScheduleRun(missing) error = %v, want NOT_FOUND", err)
		}
	})

	t.Run("instance progress", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustCreateWorkflow(t, s, contractWorkflow("wf-1", "u", contractEpoch))
		inst := contractInstance("i-1", "wf-1")
		if err := s.CreateInstance(ctx, inst); err != nil {
			t.Fatalf("CreateInstance error: %v", err)
		}
		if err := s.CreateInstance(ctx, inst); !model.IsCode(err, model.ErrConflict) {
			t.Errorf("duplicate CreateInstance error = %v, want CONFLICT", err)
		}

		ec := inst.Context
		ec.SetOutput("fetch", map[string]any{"count": float64(3)})
		if err := s.SaveInstanceProgress(ctx, "i-1", "review", ec); err != nil {
			t.Fatalf("SaveInstanceProgress error: %v", err)
		}
		got, err := s.GetInstance(ctx, "i-1")
		if err != nil {
			t.Fatalf("GetInstance error: %v", err)
		}
		if got.CurrentStateID != "review" {
			t.Errorf("CurrentStateID = %q, want review", got.CurrentStateID)
		}
		out, _ := got.Context.Outputs["fetch"].(map[string]any)
		if out["count"] != float64(3) {
			t.Errorf("Outputs = %v", got.Context.Outputs)
		}
		if got.Context.Variables["task"] != "triage" {
			t.Errorf("Variables = %v", got.Context.Variables)
		}
		if got.Version != inst.Version+1 {
			t.Errorf("Version = %d, want %d", got.Version, inst.Version+1)
		}

		if err := s.SaveInstanceProgress(ctx, "missing", "x", ec); !model.IsCode(err, model.ErrNotFound) {
			t.Errorf("SaveInstanceProgress(missing) error = %v, want NOT_FOUND", err)
		}
	})

	t.Run("instance status compare-and-set", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustCreateWorkflow(t, s, contractWorkflow("wf-1", "u", contractEpoch))
		if err := s.CreateInstance(ctx, contractInstance("i-1", "wf-1")); err != nil {
			t.Fatalf("CreateInstance error: %v", err)
		}

		err := s.TransitionInstanceStatus(ctx, "i-1", InstanceStatusChange{
			From: []string{model.InstanceStatusPaused},
			To:   model.InstanceStatusRunning,
		})
		if !model.IsCode(err, model.ErrConflict) {
			t.Errorf("mismatched CAS error = %v, want CONFLICT", err)
		}

		done := contractEpoch.Add(time.Hour)
		err = s.TransitionInstanceStatus(ctx, "i-1", InstanceStatusChange{
			From:        []string{model.InstanceStatusRunning, model.InstanceStatusPaused},
			To:          model.InstanceStatusCompleted,
			CompletedAt: &done,
			OutputData:  map[string]any{"fetch": map[string]any{"ok": true}},
		})
		if err != nil {
			t.Fatalf("TransitionInstanceStatus error: %v", err)
		}

		got, _ := s.GetInstance(ctx, "i-1")
		if got.Status != model.InstanceStatusCompleted {
			t.Errorf("Status = %q, want completed", got.Status)
		}
		if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
			t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, done)
		}
		if _, ok := got.OutputData["fetch"]; !ok {
			t.Errorf("OutputData = %v", got.OutputData)
		}
		if got.ErrorMessage != "" {
			t.Errorf("ErrorMessage = %q, want empty", got.ErrorMessage)
		}

		err = s.SaveInstanceProgress(ctx, "i-1", "start", got.Context)
		if !model.IsCode(err, model.ErrConflict) {
			t.Errorf("SaveInstanceProgress on completed error = %v, want CONFLICT", err)
		}
		err = s.TransitionInstanceStatus(ctx, "missing", InstanceStatusChange{
			From: []string{model.InstanceStatusRunning},
			To:   model.InstanceStatusFailed,
		})
		if !model.IsCode(err, model.ErrNotFound) {
			t.Errorf("CAS on missing error = %v, want NOT_FOUND", err)
		}
	})

	t.Run("failure keeps error message", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustCreateWorkflow(t, s, contractWorkflow("wf-1", "u", contractEpoch))
		if err := s.CreateInstance(ctx, contractInstance("i-1", "wf-1")); err != nil {
			t.Fatalf("CreateInstance error: %v", err)
		}
		err := s.TransitionInstanceStatus(ctx, "i-1", InstanceStatusChange{
			From:         []string{model.InstanceStatusRunning},
			To:           model.InstanceStatusFailed,
			ErrorMessage: "No valid transition found",
		})
		if err != nil {
			t.Fatalf("TransitionInstanceStatus error: %v", err)
		}
		got, _ := s.GetInstance(ctx, "i-1")
		if got.ErrorMessage != "No valid transition found" {
			t.Errorf("ErrorMessage = %q", got.ErrorMessage)
		}
	})

	t.Run("list instances", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustCreateWorkflow(t, s, contractWorkflow("wf-1", "u", contractEpoch))
		mustCreateWorkflow(t, s, contractWorkflow("wf-2", "u", contractEpoch))
		for i, wfID := range []string{"wf-1", "wf-2", "wf-1"} {
			inst := contractInstance(fmt.Sprintf("i-%d", i), wfID)
			inst.StartedAt = contractEpoch.Add(time.Duration(i) * time.Minute)
			if i == 1 {
				inst.Status = model.InstanceStatusPaused
				inst.UserID = "other"
			}
			if err := s.CreateInstance(ctx, inst); err != nil {
				t.Fatalf("CreateInstance error: %v", err)
			}
		}

		tests := []struct {
			name   string
			filter InstanceFilter
			want   string
		}{
			{"all newest first", InstanceFilter{}, "[i-2 i-1 i-0]"},
			{"by workflow", InstanceFilter{WorkflowID: "wf-1"}, "[i-2 i-0]"},
			{"by status", InstanceFilter{Status: model.InstanceStatusRunning}, "[i-2 i-0]"},
			{"by user", InstanceFilter{UserID: "other"}, "[i-1]"},
			{"page", InstanceFilter{Limit: 2, Offset: 1}, "[i-1 i-0]"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := s.ListInstances(ctx, tt.filter)
				if err != nil {
					t.Fatalf("ListInstances error: %v", err)
				}
				var ids []string
				for _, inst := range got {
					ids = append(ids, inst.ID)
				}
				if fmt.Sprint(ids) != tt.want {
					t.Errorf("ids = %v, want %s", ids, tt.want)
				}
			})
		}
	})

	t.Run("logs keep insertion order", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustCreateWorkflow(t, s, contractWorkflow("wf-1", "u", contractEpoch))
		if err := s.CreateInstance(ctx, contractInstance("i-1", "wf-1")); err != nil {
			t.Fatalf("CreateInstance error: %v", err)
		}

		for i := 0; i < 5; i++ {
			err := s.AppendLog(ctx, model.WorkflowLog{
				ID:         fmt.Sprintf("log-%d", i),
				InstanceID: "i-1",
				StateID:    "fetch",
				Action:     model.LogStateExecuted,
				Status:     model.LogStatusSuccess,
				Output:     map[string]any{"n": float64(i)},
				DurationMs: int64(i),
				// Identical timestamps: order must come from the sequence.
				CreatedAt: contractEpoch,
			})
			if err != nil {
				t.Fatalf("AppendLog error: %v", err)
			}
		}

		all, err := s.ListLogs(ctx, "i-1", 100)
		if err != nil {
			t.Fatalf("ListLogs error: %v", err)
		}
		if len(all) != 5 {
			t.Fatalf("ListLogs len = %d, want 5", len(all))
		}
		for i := 1; i < len(all); i++ {
			if all[i].Seq <= all[i-1].Seq {
				t.Errorf("Seq not increasing: %d then %d", all[i-1].Seq, all[i].Seq)
			}
		}
		if all[0].ID != "log-0" || all[0].Output["n"] != float64(0) {
			t.Errorf("first log = %+v", all[0])
		}

		recent, err := s.ListLogs(ctx, "i-1", 2)
		if err != nil {
			t.Fatalf("ListLogs error: %v", err)
		}
		if len(recent) != 2 || recent[0].ID != "log-3" || recent[1].ID != "log-4" {
			t.Errorf("ListLogs(limit 2) = %v, want [log-3 log-4]", logIDs(recent))
		}

		none, err := s.ListLogs(ctx, "other", 10)
		if err != nil {
			t.Fatalf("ListLogs error: %v", err)
		}
		if len(none) != 0 {
			t.Errorf("ListLogs(other) len = %d, want 0", len(none))
		}
	})

	t.Run("ping", func(t *testing.T) {
		if err := newStore(t).Ping(context.Background()); err != nil {
			t.Errorf("Ping error: %v", err)
		}
	})
}

func contractWorkflow(id, userID string, created time.Time) model.Workflow {
	return model.Workflow{
		ID:        id,
		UserID:    userID,
		Name:      "Workflow " + id,
		Status:    model.WorkflowStatusDraft,
		Trigger:   model.Trigger{Type: model.TriggerManual},
		Version:   1,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func contractInstance(id, workflowID string) model.WorkflowInstance {
	return model.WorkflowInstance{
		ID:             id,
		WorkflowID:     workflowID,
		UserID:         "user-1",
		Status:         model.InstanceStatusRunning,
		CurrentStateID: "start",
		Context:        model.NewExecutionContext(map[string]any{"task": "triage"}),
		InputData:      map[string]any{"task": "triage"},
		TriggerSource:  model.TriggerManual,
		StartedAt:      contractEpoch,
		UpdatedAt:      contractEpoch,
		Version:        1,
	}
}

func mustCreateWorkflow(t *testing.T, s WorkflowStore, wf model.Workflow) {
	t.Helper()
	if err := s.CreateWorkflow(context.Background(), wf); err != nil {
		t.Fatalf("CreateWorkflow(%s) error: %v", wf.ID, err)
	}
}

func workflowIDs(wfs []model.Workflow) []string {
	ids := make([]string, len(wfs))
	for i, wf := range wfs {
		ids[i] = wf.ID
	}
	return ids
}

func stateIDs(states []model.WorkflowState) []string {
	ids := make([]string, len(states))
	for i, st := range states {
		ids[i] = st.ID
	}
	return ids
}

func logIDs(logs []model.WorkflowLog) []string {
	ids := make([]string, len(logs))
	for i, l := range logs {
		ids[i] = l.ID
	}
	return ids
}
