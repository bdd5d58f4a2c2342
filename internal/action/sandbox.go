package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/pitabwire/autoflow/model"
)

// SandboxConfig bounds script execution.
type SandboxConfig struct {
	Timeout      time.Duration
	MaxCallStack int
}

// Sandbox runs code actions in an isolated JavaScript runtime. Each run gets
// a fresh runtime holding copies of the context and input documents, a
// console that writes to the logger, and nothing else: no module loader, no
// host objects and no I/O.
type Sandbox struct {
	timeout      time.Duration
	maxCallStack int
	logger       *zap.Logger
}

// NewSandbox creates a Sandbox. Zero config values fall back to a 5s
// timeout and a call stack of 256 frames.
func NewSandbox(cfg SandboxConfig, logger *zap.Logger) *Sandbox {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxCallStack <= 0 {
		cfg.MaxCallStack = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sandbox{timeout: cfg.Timeout, maxCallStack: cfg.MaxCallStack, logger: logger}
}

// Run executes code as the body of function(context, input) and returns its
// return value as a JSON-compatible document.
func (s *Sandbox) Run(ctx context.Context, code string, scope, input map[string]any) (any, error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(s.maxCallStack)

	console := vm.NewObject()
	logFn := func(call goja.FunctionCall) goja.Value {
		args := make([]any, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			args = append(args, a.Export())
		}
		s.logger.Info("code action log", zap.Any("args", args))
		return goja.Undefined()
	}
	if err := console.Set("log", logFn); err != nil {
		return nil, fmt.Errorf("preparing sandbox: %w", err)
	}
	for name, value := range map[string]any{
		"console": console,
		"context": jsValue(scope),
		"input":   jsValue(input),
	} {
		if err := vm.Set(name, value); err != nil {
			return nil, fmt.Errorf("preparing sandbox: %w", err)
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-runCtx.Done():
			vm.Interrupt(runCtx.Err())
		case <-done:
		}
	}()

	v, err := vm.RunString("(function(context, input) {\n" + code + "\n})(context, input)")
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, fmt.Errorf("script interrupted: %v", interrupted.Value())
		}
		return nil, fmt.Errorf("script error: %w", err)
	}
	return exportResult(v)
}

// jsValue hands the runtime a detached copy so scripts cannot mutate the
// instance context.
func jsValue(doc map[string]any) map[string]any {
	c := model.CloneDocument(doc)
	if c == nil {
		c = map[string]any{}
	}
	return c
}

func exportResult(v goja.Value) (any, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	raw, err := json.Marshal(v.Export())
	if err != nil {
		return nil, fmt.Errorf("script result is not serialisable: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("script result is not serialisable: %w", err)
	}
	return out, nil
}
