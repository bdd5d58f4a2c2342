package workflow

import (
	"context"
	"testing"

	"github.com/pitabwire/autoflow/model"
)

func eventDefinition(id, event, status string) model.WorkflowDefinition {
	def := linearDefinition(id)
	def.Status = status
	def.Trigger = model.TriggerDefinition{Type: model.TriggerEvent, Config: map[string]any{"event": event}}
	return def
}

func TestEngine_Emit(t *testing.T) {
	e := newTestEngine(t, nil)
	mustImport(t, e, eventDefinition("on-signup", "user.signup", model.WorkflowStatusActive))
	mustImport(t, e, eventDefinition("also-signup", "user.signup", model.WorkflowStatusActive))
	mustImport(t, e, eventDefinition("on-login", "user.login", model.WorkflowStatusActive))
	mustImport(t, e, eventDefinition("draft-signup", "user.signup", model.WorkflowStatusDraft))

	started, err := e.Emit(context.Background(), "user.signup", map[string]any{"email": "a@example.com"})
	if err != nil {
		t.Fatalf("Emit error: %v", err)
	}
	if len(started) != 2 {
		t.Fatalf("started %d instances, want 2", len(started))
	}
	e.Wait()

	got := map[string]bool{}
	for _, inst := range started {
		got[inst.WorkflowID] = true
		if inst.TriggerSource != "event:user.signup" {
			t.Errorf("TriggerSource = %q", inst.TriggerSource)
		}
		if inst.InputData["email"] != "a@example.com" {
			t.Errorf("InputData = %v", inst.InputData)
		}
		final, _ := e.GetInstance(context.Background(), inst.ID)
		if final.Status != model.InstanceStatusCompleted {
			t.Errorf("instance %s status = %s, want completed", inst.ID, final.Status)
		}
	}
	if !got["on-signup"] || !got["also-signup"] {
		t.Errorf("started workflows = %v", got)
	}
}

func TestEngine_Emit_noSubscribers(t *testing.T) {
	e := newTestEngine(t, nil)
	mustImport(t, e, eventDefinition("on-login", "user.login", model.WorkflowStatusActive))

	started, err := e.Emit(context.Background(), "order.placed", nil)
	if err != nil {
		t.Fatalf("Emit error: %v", err)
	}
	if started == nil || len(started) != 0 {
		t.Errorf("started = %v, want empty slice", started)
	}
}

func TestEngine_Emit_skipsBrokenWorkflows(t *testing.T) {
	e := newTestEngine(t, nil)
	mustImport(t, e, eventDefinition("good", "tick", model.WorkflowStatusActive))
	mustImport(t, e, model.WorkflowDefinition{
		ID: "broken", Name: "broken", Status: model.WorkflowStatusActive,
		Trigger: model.TriggerDefinition{Type: model.TriggerEvent, Config: map[string]any{"event": "tick"}},
		States:  []model.StateDefinition{{ID: "orphan", Type: model.StateTypeAction}},
	})

	started, err := e.Emit(context.Background(), "tick", nil)
	if err != nil {
		t.Fatalf("Emit error: %v", err)
	}
	if len(started) != 1 || started[0].WorkflowID != "good" {
		t.Errorf("started = %v, want only good", started)
	}
}

func TestEngine_Emit_requiresName(t *testing.T) {
	e := newTestEngine(t, nil)
	if _, err := e.Emit(context.Background(), "", nil); !model.IsCode(err, model.ErrBadRequest) {
		t.Errorf("Emit error = %v, want BAD_REQUEST", err)
	}
}

func TestEngine_StartWebhook(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	hook := linearDefinition("hook")
	hook.Status = model.WorkflowStatusActive
	hook.UserID = "owner"
	hook.Trigger = model.TriggerDefinition{Type: model.TriggerWebhook}
	mustImport(t, e, hook)

	draftHook := linearDefinition("draft-hook")
	draftHook.Trigger = model.TriggerDefinition{Type: model.TriggerWebhook}
	mustImport(t, e, draftHook)

	manual := linearDefinition("manual")
	manual.Status = model.WorkflowStatusActive
	mustImport(t, e, manual)

	inst, err := e.StartWebhook(ctx, "hook", "", map[string]any{"ref": "abc"})
	if err != nil {
		t.Fatalf("StartWebhook error: %v", err)
	}
	if inst.TriggerSource != TriggerSourceWebhook || inst.UserID != "owner" {
		t.Errorf("instance = %+v", inst)
	}
	waitForStatus(t, e, inst.ID, model.InstanceStatusCompleted)

	tests := []struct {
		workflowID string
		code       string
	}{
		{"draft-hook", model.ErrInvalidState},
		{"manual", model.ErrInvalidState},
		{"missing", model.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.workflowID, func(t *testing.T) {
			if _, err := e.StartWebhook(ctx, tt.workflowID, "", nil); !model.IsCode(err, tt.code) {
				t.Errorf("StartWebhook error = %v, want %s", err, tt.code)
			}
		})
	}
}
