package model

import "encoding/json"

// ExecutionContext is the data document threaded through one instance's run.
// Variables hold the start input; Outputs hold each visited state's result
// keyed by state id.
type ExecutionContext struct {
	Variables map[string]any `json:"variables"`
	Outputs   map[string]any `json:"outputs"`
}

// NewExecutionContext builds a context whose variables are a deep copy of input.
func NewExecutionContext(input map[string]any) ExecutionContext {
	vars := CloneDocument(input)
	if vars == nil {
		vars = map[string]any{}
	}
	return ExecutionContext{Variables: vars, Outputs: map[string]any{}}
}

// SetOutput records the result of a state, replacing any earlier result.
func (c *ExecutionContext) SetOutput(stateID string, result map[string]any) {
	if c.Outputs == nil {
		c.Outputs = map[string]any{}
	}
	c.Outputs[stateID] = result
}

// Document returns the generic view that path resolution walks.
func (c ExecutionContext) Document() map[string]any {
	vars := c.Variables
	if vars == nil {
		vars = map[string]any{}
	}
	outs := c.Outputs
	if outs == nil {
		outs = map[string]any{}
	}
	return map[string]any{
		"variables": vars,
		"outputs":   outs,
	}
}

// CloneDocument deep-copies a JSON-like document. Values that cannot be
// encoded are dropped, so the copy always matches what the store persists.
func CloneDocument(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}
