// Package action executes the side-effecting work attached to workflow
// states.
package action

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/autoflow/internal/expr"
	"github.com/pitabwire/autoflow/internal/observability"
	"github.com/pitabwire/autoflow/model"
)

// Request is one action invocation: the state being executed and the
// instance it runs for.
type Request struct {
	State    model.WorkflowState
	Instance model.WorkflowInstance
}

// permanentError marks failures that retrying cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the executor does not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Dispatcher maps a state's action to its handler.
type Dispatcher struct {
	httpClient *http.Client
	breakers   *BreakerSet
	ai         AIClient
	sandbox    *Sandbox
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient sets the client used by http_request actions.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.httpClient = c }
}

// WithBreakers sets the per-host circuit breakers for http_request actions.
func WithBreakers(b *BreakerSet) Option {
	return func(d *Dispatcher) { d.breakers = b }
}

// WithAIClient sets the language model collaborator for ai_task actions.
func WithAIClient(c AIClient) Option {
	return func(d *Dispatcher) { d.ai = c }
}

// WithSandbox sets the script runtime for code actions.
func WithSandbox(s *Sandbox) Option {
	return func(d *Dispatcher) { d.sandbox = s }
}

// WithLogger sets the dispatcher's logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a Dispatcher with defaults for anything not set.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	if d.httpClient == nil {
		d.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if d.breakers == nil {
		d.breakers = NewBreakerSet(5, 30*time.Second)
	}
	d.breakers.OnStateChange(func(host string, state BreakerState) {
		d.logger.Info("http action breaker state changed",
			zap.String("host", host), zap.String("state", state.String()))
		d.metrics.SetBreakerState(host, int(state))
	})
	if d.sandbox == nil {
		d.sandbox = NewSandbox(SandboxConfig{}, d.logger)
	}
	return d
}

// Dispatch runs the action declared on req.State and returns its result
// document.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (map[string]any, error) {
	act, err := model.ParseAction(req.State.ActionType, req.State.ActionConfig)
	if err != nil {
		return nil, Permanent(fmt.Errorf("invalid action config: %w", err))
	}
	doc := req.Instance.Context.Document()

	switch a := act.(type) {
	case model.AITaskAction:
		return d.runAITask(ctx, a, doc)
	case model.HTTPRequestAction:
		return d.runHTTPRequest(ctx, a, doc)
	case model.DelayAction:
		return runDelay(ctx, a)
	case model.TransformAction:
		return runTransform(a, doc), nil
	case model.CodeAction:
		return d.runCode(ctx, a, doc, req.Instance.InputData)
	case model.NoopAction:
		return map[string]any{"executed": true, "action_type": a.ActionType}, nil
	default:
		return nil, Permanent(fmt.Errorf("unhandled action %T", act))
	}
}

func runDelay(ctx context.Context, a model.DelayAction) (map[string]any, error) {
	d := time.Duration(a.DelaySeconds * float64(time.Second))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return map[string]any{"delayed_seconds": a.DelaySeconds}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("delay interrupted: %w", ctx.Err())
	}
}

// runTransform copies values from context paths to output keys. Paths that
// do not resolve are left out of the result.
func runTransform(a model.TransformAction, doc map[string]any) map[string]any {
	out := make(map[string]any, len(a.Mappings))
	for key, path := range a.Mappings {
		if v, ok := expr.Resolve(doc, path); ok {
			out[key] = v
		}
	}
	return out
}

func (d *Dispatcher) runCode(ctx context.Context, a model.CodeAction, doc, input map[string]any) (map[string]any, error) {
	result, err := d.sandbox.Run(ctx, a.Code, doc, input)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": result}, nil
}

func (d *Dispatcher) runAITask(ctx context.Context, a model.AITaskAction, doc map[string]any) (map[string]any, error) {
	if d.ai == nil {
		return nil, Permanent(errors.New("no AI provider configured"))
	}
	prompt := Interpolate(a.Prompt, doc)
	resp, err := d.ai.Complete(ctx, AIRequest{
		Prompt: prompt,
		Model:  a.Model,
		System: Interpolate(a.System, doc),
	})
	if err != nil {
		return nil, fmt.Errorf("ai task: %w", err)
	}
	return map[string]any{
		"type":     model.ActionAITask,
		"prompt":   prompt,
		"model":    resp.Model,
		"response": resp.Text,
	}, nil
}
