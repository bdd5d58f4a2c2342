package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/autoflow/model"
)

// Trigger source prefixes recorded on instances.
const (
	TriggerSourceWebhook  = "webhook"
	TriggerSourceEvent    = "event:"
	TriggerSourceSchedule = "schedule:"
)

// Emit starts every active workflow whose trigger is an event named event.
// Payload becomes each instance's input. Workflows that fail to start are
// logged and skipped.
func (e *Engine) Emit(ctx context.Context, event string, payload map[string]any) ([]model.WorkflowInstance, error) {
	if event == "" {
		return nil, model.NewBadRequestError("event name is required")
	}
	wfs, err := e.store.ListWorkflows(ctx, WorkflowFilter{
		Status:      model.WorkflowStatusActive,
		TriggerType: model.TriggerEvent,
	})
	if err != nil {
		return nil, storeError("list workflows", err)
	}

	started := []model.WorkflowInstance{}
	for _, wf := range wfs {
		if name, _ := wf.Trigger.Config["event"].(string); name != event {
			continue
		}
		inst, err := e.Start(ctx, StartRequest{
			WorkflowID:    wf.ID,
			UserID:        wf.UserID,
			Input:         payload,
			TriggerSource: TriggerSourceEvent + event,
		})
		if err != nil {
			e.logger.Warn("failed to start event workflow",
				zap.String("workflow_id", wf.ID),
				zap.String("event", event),
				zap.Error(err),
			)
			continue
		}
		started = append(started, inst)
	}
	return started, nil
}

// StartWebhook starts a workflow from an inbound webhook. The workflow must
// be active and declare a webhook trigger.
func (e *Engine) StartWebhook(ctx context.Context, workflowID, userID string, payload map[string]any) (model.WorkflowInstance, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return model.WorkflowInstance{}, storeError("get workflow", err)
	}
	if wf.Trigger.Type != model.TriggerWebhook {
		return model.WorkflowInstance{}, model.NewInvalidStateError(
			fmt.Sprintf("workflow %q is not triggered by webhook", workflowID),
		)
	}
	if wf.Status != model.WorkflowStatusActive {
		return model.WorkflowInstance{}, model.NewInvalidStateError(
			fmt.Sprintf("workflow %q is %s, not active", workflowID, wf.Status),
		)
	}
	if userID == "" {
		userID = wf.UserID
	}
	return e.Start(ctx, StartRequest{
		WorkflowID:    workflowID,
		UserID:        userID,
		Input:         payload,
		TriggerSource: TriggerSourceWebhook,
	})
}
