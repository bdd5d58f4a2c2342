package workflow

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/autoflow/internal/observability"
	"github.com/pitabwire/autoflow/model"
)

// stepOutcome tells the runner loop what to do after a step.
type stepOutcome int

const (
	// stepContinue moves on to the next state.
	stepContinue stepOutcome = iota
	// stepStopped ends the run; the instance is finalized or left as is.
	stepStopped
	// stepYielded ends the run because the instance left running; the
	// runner re-checks the status after releasing its claim.
	stepYielded
)

const stepLimitMessage = "step limit exceeded"

// launch starts a runner goroutine for the instance. Nothing is launched
// once shutdown has begun.
func (e *Engine) launch(instanceID string) {
	if e.baseCtx.Err() != nil {
		return
	}
	e.runners.Add(1)
	go func() {
		defer e.runners.Done()
		e.run(e.baseCtx, instanceID)
	}()
}

// run owns the instance for as long as it holds the claim. After yielding it
// re-reads the instance: a resume that arrived while the claim was held
// would otherwise have its runner turned away.
func (e *Engine) run(ctx context.Context, instanceID string) {
	e.metrics.RunnerStarted()
	defer e.metrics.RunnerStopped()

	steps := 0
	for {
		lease, ok, err := e.claimer.Claim(ctx, instanceID)
		if err != nil {
			e.logger.Warn("failed to claim instance", zap.String("instance_id", instanceID), zap.Error(err))
			return
		}
		if !ok {
			e.logger.Debug("instance claimed by another runner", zap.String("instance_id", instanceID))
			return
		}

		outcome := e.advance(ctx, lease, instanceID, &steps)
		lease.Release()
		if outcome != stepYielded || ctx.Err() != nil {
			return
		}

		inst, err := e.store.GetInstance(ctx, instanceID)
		if err != nil || inst.Status != model.InstanceStatusRunning {
			return
		}
	}
}

// advance steps the instance until it leaves running, fails, completes or
// the run is interrupted. A lost lease stops it at the next state edge.
func (e *Engine) advance(ctx context.Context, lease *Lease, instanceID string, steps *int) stepOutcome {
	for {
		if ctx.Err() != nil {
			return stepStopped
		}
		select {
		case <-lease.Lost():
			e.logger.Warn("instance claim lost, stopping runner", zap.String("instance_id", instanceID))
			return stepStopped
		default:
		}

		inst, err := e.store.GetInstance(ctx, instanceID)
		if err != nil {
			e.storeFailure("get_instance", instanceID, err)
			return stepStopped
		}
		if inst.Status != model.InstanceStatusRunning {
			return stepYielded
		}

		if *steps >= e.maxSteps {
			return e.fail(ctx, inst, inst.CurrentStateID, stepLimitMessage)
		}
		*steps++

		if outcome := e.step(ctx, inst); outcome != stepContinue {
			return outcome
		}
	}
}

// step executes the instance's current state and follows the first matching
// transition.
func (e *Engine) step(ctx context.Context, inst model.WorkflowInstance) stepOutcome {
	state, err := e.store.GetState(ctx, inst.WorkflowID, inst.CurrentStateID)
	if err != nil {
		var env *model.ErrorEnvelope
		if errors.As(err, &env) && env.Code == model.ErrNotFound {
			return e.fail(ctx, inst, inst.CurrentStateID, env.Message)
		}
		e.storeFailure("get_state", inst.ID, err)
		return stepStopped
	}

	ctx, span := e.tracer.Start(ctx, "workflow.step", trace.WithAttributes(
		observability.AttrWorkflowID.String(inst.WorkflowID),
		observability.AttrInstanceID.String(inst.ID),
		observability.AttrStateID.String(state.ID),
		observability.AttrActionType.String(state.ActionType),
	))
	defer span.End()

	if state.StateType == model.StateTypeEnd {
		return e.complete(ctx, inst, state)
	}

	started := e.now()
	result, execErr := e.executor.Execute(ctx, state, inst)
	duration := e.now().Sub(started)

	if execErr != nil {
		if e.baseCtx.Err() != nil {
			// Shutdown: leave the instance running for recovery.
			return stepStopped
		}
		observability.EndSpanWithError(span, execErr)
		e.metrics.RecordStep(state.ActionType, model.LogStatusFailed, duration)
		failure := model.NewActionExecutionError(state.ID, state.ActionType, execErr)
		e.audit.record(ctx, model.WorkflowLog{
			InstanceID: inst.ID,
			StateID:    state.ID,
			Action:     model.LogStateExecuted,
			Status:     model.LogStatusFailed,
			Input:      state.ActionConfig,
			Error:      execErr.Error(),
			DurationMs: duration.Milliseconds(),
		})
		return e.fail(ctx, inst, state.ID, failure.Message)
	}

	e.metrics.RecordStep(state.ActionType, model.LogStatusSuccess, duration)
	// The action has run; its record is kept even if the instance was
	// paused or cancelled meanwhile and the save below loses the race.
	e.audit.record(ctx, model.WorkflowLog{
		InstanceID: inst.ID,
		StateID:    state.ID,
		Action:     model.LogStateExecuted,
		Status:     model.LogStatusSuccess,
		Input:      state.ActionConfig,
		Output:     result,
		DurationMs: duration.Milliseconds(),
	})
	inst.Context.SetOutput(state.ID, result)
	if err := e.store.SaveInstanceProgress(ctx, inst.ID, state.ID, inst.Context); err != nil {
		return e.progressFailure(inst.ID, err)
	}

	transitions, err := e.store.ListTransitionsFrom(ctx, inst.WorkflowID, state.ID)
	if err != nil {
		e.storeFailure("list_transitions", inst.ID, err)
		return stepStopped
	}
	next, ok := e.evaluator.Select(transitions, inst.Context)
	if !ok {
		return e.fail(ctx, inst, state.ID, model.NewNoMatchingTransitionError().Message)
	}

	if err := e.store.SaveInstanceProgress(ctx, inst.ID, next.ToStateID, inst.Context); err != nil {
		return e.progressFailure(inst.ID, err)
	}
	span.SetAttributes(observability.AttrTransitionID.String(next.ID))
	e.metrics.RecordTransition(inst.WorkflowID)
	e.audit.record(ctx, model.WorkflowLog{
		InstanceID:   inst.ID,
		StateID:      state.ID,
		TransitionID: next.ID,
		Action:       model.LogStateTransition,
		Status:       model.LogStatusSuccess,
		Input:        map[string]any{"from": state.ID, "to": next.ToStateID},
	})
	return stepContinue
}

// complete finalizes an instance that reached an end state.
func (e *Engine) complete(ctx context.Context, inst model.WorkflowInstance, state model.WorkflowState) stepOutcome {
	now := e.now()
	outputs := model.CloneDocument(inst.Context.Outputs)
	if outputs == nil {
		outputs = map[string]any{}
	}
	err := e.store.TransitionInstanceStatus(ctx, inst.ID, InstanceStatusChange{
		From:        []string{model.InstanceStatusRunning},
		To:          model.InstanceStatusCompleted,
		CompletedAt: &now,
		OutputData:  outputs,
	})
	if err != nil {
		return e.progressFailure(inst.ID, err)
	}

	e.metrics.RecordWorkflowCompletion(inst.WorkflowID, model.InstanceStatusCompleted)
	e.audit.record(ctx, model.WorkflowLog{
		InstanceID: inst.ID,
		StateID:    state.ID,
		Action:     model.LogWorkflowCompleted,
		Status:     model.LogStatusSuccess,
		Output:     outputs,
		DurationMs: now.Sub(inst.StartedAt).Milliseconds(),
	})
	e.logger.Info("workflow completed",
		zap.String("workflow_id", inst.WorkflowID),
		zap.String("instance_id", inst.ID),
		zap.Duration("duration", now.Sub(inst.StartedAt)),
	)
	return stepStopped
}

// fail moves a running instance to failed with msg as its error.
func (e *Engine) fail(ctx context.Context, inst model.WorkflowInstance, stateID, msg string) stepOutcome {
	now := e.now()
	err := e.store.TransitionInstanceStatus(ctx, inst.ID, InstanceStatusChange{
		From:         []string{model.InstanceStatusRunning},
		To:           model.InstanceStatusFailed,
		ErrorMessage: msg,
		CompletedAt:  &now,
	})
	if err != nil {
		return e.progressFailure(inst.ID, err)
	}

	e.metrics.RecordWorkflowCompletion(inst.WorkflowID, model.InstanceStatusFailed)
	e.audit.record(ctx, model.WorkflowLog{
		InstanceID: inst.ID,
		StateID:    stateID,
		Action:     model.LogWorkflowFailed,
		Status:     model.LogStatusFailed,
		Error:      msg,
	})
	e.logger.Info("workflow failed",
		zap.String("workflow_id", inst.WorkflowID),
		zap.String("instance_id", inst.ID),
		zap.String("state_id", stateID),
		zap.String("error", msg),
	)
	return stepStopped
}

// progressFailure handles a failed instance write. A conflict means the
// instance was paused or cancelled concurrently.
func (e *Engine) progressFailure(instanceID string, err error) stepOutcome {
	if model.IsCode(err, model.ErrConflict) {
		e.logger.Debug("instance changed status during step",
			zap.String("instance_id", instanceID),
			zap.Error(err),
		)
		return stepYielded
	}
	e.storeFailure("update_instance", instanceID, err)
	return stepStopped
}

func (e *Engine) storeFailure(op, instanceID string, err error) {
	if e.baseCtx.Err() != nil {
		return
	}
	e.metrics.RecordStoreError(op)
	e.logger.Error("workflow store failure",
		zap.String("operation", op),
		zap.String("instance_id", instanceID),
		zap.Error(err),
	)
}
