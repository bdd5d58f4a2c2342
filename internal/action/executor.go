package action

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/pitabwire/autoflow/internal/observability"
	"github.com/pitabwire/autoflow/model"
)

// StepDispatcher runs a single action attempt.
type StepDispatcher interface {
	Dispatch(ctx context.Context, req Request) (map[string]any, error)
}

// Executor runs a state's action under its timeout and retry policy.
type Executor struct {
	dispatcher     StepDispatcher
	defaultTimeout time.Duration
	logger         *zap.Logger
	metrics        *observability.Metrics
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithDefaultTimeout bounds attempts of states that declare no timeout.
// Zero leaves them unbounded.
func WithDefaultTimeout(d time.Duration) ExecutorOption {
	return func(x *Executor) { x.defaultTimeout = d }
}

// WithExecutorLogger sets the executor's logger.
func WithExecutorLogger(l *zap.Logger) ExecutorOption {
	return func(x *Executor) { x.logger = l }
}

// WithExecutorMetrics sets the metrics sink.
func WithExecutorMetrics(m *observability.Metrics) ExecutorOption {
	return func(x *Executor) { x.metrics = m }
}

// NewExecutor wraps d with timeout, retry and panic handling.
func NewExecutor(d StepDispatcher, opts ...ExecutorOption) *Executor {
	x := &Executor{dispatcher: d}
	for _, opt := range opts {
		opt(x)
	}
	if x.logger == nil {
		x.logger = zap.NewNop()
	}
	return x
}

// Execute runs the state's action. A state with retry_count n gets up to
// n+1 attempts spaced retry_delay_seconds apart. Permanent errors and
// cancellation of ctx end the attempts early.
func (x *Executor) Execute(ctx context.Context, state model.WorkflowState, inst model.WorkflowInstance) (map[string]any, error) {
	retries := state.RetryCount
	if retries < 0 {
		retries = 0
	}
	delay := time.Duration(state.RetryDelaySeconds) * time.Second
	if delay <= 0 {
		delay = time.Millisecond
	}
	backoff := retry.WithMaxRetries(uint64(retries), retry.NewConstant(delay))

	var (
		result  map[string]any
		attempt int
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		res, err := x.attempt(ctx, state, inst)
		if err == nil {
			result = res
			return nil
		}
		if IsPermanent(err) || ctx.Err() != nil {
			return err
		}
		if attempt <= retries {
			x.metrics.RecordStepRetry(state.ActionType)
			x.logger.Info("retrying action",
				zap.String("instance_id", inst.ID),
				zap.String("state_id", state.ID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = map[string]any{}
	}
	return result, nil
}

func (x *Executor) attempt(ctx context.Context, state model.WorkflowState, inst model.WorkflowInstance) (res map[string]any, err error) {
	timeout := time.Duration(state.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = x.defaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ctx, span := observability.StartSpan(ctx, "action.dispatch",
		observability.AttrStateID.String(state.ID),
		observability.AttrActionType.String(state.ActionType),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = Permanent(fmt.Errorf("action panicked: %v", r))
		}
	}()

	res, err = x.dispatcher.Dispatch(ctx, Request{State: state, Instance: inst})
	if err != nil && timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("timed out after %s: %w", timeout, err)
	}
	return res, err
}
