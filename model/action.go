package model

import (
	"encoding/json"
	"fmt"
)

// Action types understood by the dispatcher.
const (
	ActionAITask      = "ai_task"
	ActionHTTPRequest = "http_request"
	ActionDelay       = "delay"
	ActionTransform   = "transform"
	ActionCode        = "code"
)

// Action is the typed form of a state's action_config. The set of
// implementations is closed; the dispatcher switches over the concrete types.
type Action interface {
	Type() string
}

// AITaskAction forwards a prompt to the configured language model.
type AITaskAction struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
	System string `json:"system,omitempty"`
}

// HTTPRequestAction issues an outbound HTTP call.
type HTTPRequestAction struct {
	URL            string            `json:"url"`
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           any               `json:"body,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// MaxDelaySeconds bounds delay_seconds; one year keeps the delay well inside
// time.Duration.
const MaxDelaySeconds = 365 * 24 * 60 * 60

// DelayAction suspends the instance for a number of seconds.
type DelayAction struct {
	DelaySeconds float64 `json:"delay_seconds"`
}

// TransformAction copies context values to new keys.
type TransformAction struct {
	Mappings map[string]string `json:"mappings"`
}

// CodeAction runs a sandboxed script body.
type CodeAction struct {
	Code string `json:"code"`
}

// NoopAction stands in for empty or unrecognised action types.
type NoopAction struct {
	ActionType string `json:"action_type"`
}

func (AITaskAction) Type() string      { return ActionAITask }
func (HTTPRequestAction) Type() string { return ActionHTTPRequest }
func (DelayAction) Type() string       { return ActionDelay }
func (TransformAction) Type() string   { return ActionTransform }
func (CodeAction) Type() string        { return ActionCode }
func (a NoopAction) Type() string      { return a.ActionType }

// ParseAction decodes a state's action configuration into its typed form.
func ParseAction(actionType string, config map[string]any) (Action, error) {
	switch actionType {
	case ActionAITask:
		var a AITaskAction
		if err := decodeConfig(config, &a); err != nil {
			return nil, err
		}
		if a.Prompt == "" {
			return nil, fmt.Errorf("ai_task requires prompt")
		}
		return a, nil
	case ActionHTTPRequest:
		var a HTTPRequestAction
		if err := decodeConfig(config, &a); err != nil {
			return nil, err
		}
		if a.URL == "" {
			return nil, fmt.Errorf("http_request requires url")
		}
		if a.Method == "" {
			a.Method = "GET"
		}
		return a, nil
	case ActionDelay:
		var a DelayAction
		if err := decodeConfig(config, &a); err != nil {
			return nil, err
		}
		if a.DelaySeconds < 0 {
			return nil, fmt.Errorf("delay_seconds must not be negative")
		}
		if a.DelaySeconds > MaxDelaySeconds {
			return nil, fmt.Errorf("delay_seconds must not exceed %d", MaxDelaySeconds)
		}
		return a, nil
	case ActionTransform:
		var a TransformAction
		if err := decodeConfig(config, &a); err != nil {
			return nil, err
		}
		return a, nil
	case ActionCode:
		var a CodeAction
		if err := decodeConfig(config, &a); err != nil {
			return nil, err
		}
		if a.Code == "" {
			return nil, fmt.Errorf("code requires code")
		}
		return a, nil
	default:
		return NoopAction{ActionType: actionType}, nil
	}
}

func decodeConfig(config map[string]any, dst any) error {
	if len(config) == 0 {
		return nil
	}
	raw, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("encoding action config: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decoding action config: %w", err)
	}
	return nil
}
