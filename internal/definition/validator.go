package definition

import (
	"fmt"

	"github.com/pitabwire/autoflow/internal/expr"
	"github.com/pitabwire/autoflow/model"
)

// Validation error codes.
const (
	CodeRequired          = "REQUIRED"
	CodeDuplicate         = "DUPLICATE"
	CodeInvalidValue      = "INVALID_VALUE"
	CodeStartState        = "START_STATE"
	CodeUnknownState      = "UNKNOWN_STATE"
	CodeInvalidCondition  = "INVALID_CONDITION"
	CodeInvalidExpression = "INVALID_EXPRESSION"
	CodeInvalidAction     = "INVALID_ACTION"
	CodeDeadEnd           = "DEAD_END"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks workflow definitions structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions, including that workflow ids are unique
// across the set.
func (v *Validator) Validate(defs []model.WorkflowDefinition) []VError {
	var errs []VError
	seen := make(map[string]string)
	for i, def := range defs {
		prefix := definitionPrefix(i, def)
		errs = append(errs, v.ValidateOne(prefix, def)...)
		if def.ID == "" {
			continue
		}
		if first, dup := seen[def.ID]; dup {
			errs = append(errs, VError{
				Path:    prefix + ".id",
				Code:    CodeDuplicate,
				Message: fmt.Sprintf("workflow id %q already defined in %s", def.ID, first),
			})
			continue
		}
		seen[def.ID] = prefix
	}
	return errs
}

func definitionPrefix(i int, def model.WorkflowDefinition) string {
	if def.SourceFile != "" {
		return def.SourceFile
	}
	return fmt.Sprintf("definitions[%d]", i)
}

var validWorkflowStatuses = map[string]bool{
	model.WorkflowStatusDraft:     true,
	model.WorkflowStatusActive:    true,
	model.WorkflowStatusPaused:    true,
	model.WorkflowStatusCompleted: true,
	model.WorkflowStatusArchived:  true,
}

var validTriggerTypes = map[string]bool{
	model.TriggerManual:    true,
	model.TriggerScheduled: true,
	model.TriggerEvent:     true,
	model.TriggerWebhook:   true,
}

// ValidateOne checks a single definition. Paths in the returned errors are
// rooted at prefix.
func (v *Validator) ValidateOne(prefix string, def model.WorkflowDefinition) []VError {
	var errs []VError

	if def.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: CodeRequired, Message: "id is required"})
	}
	if def.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: CodeRequired, Message: "name is required"})
	}
	if def.Status != "" && !validWorkflowStatuses[def.Status] {
		errs = append(errs, VError{
			Path:    prefix + ".status",
			Code:    CodeInvalidValue,
			Message: fmt.Sprintf("unknown status %q", def.Status),
		})
	}
	errs = append(errs, v.validateTrigger(prefix+".trigger", def.Trigger)...)

	if len(def.States) == 0 {
		errs = append(errs, VError{Path: prefix + ".states", Code: CodeRequired, Message: "at least one state is required"})
		return errs
	}

	stateIDs := make(map[string]model.StateDefinition, len(def.States))
	starts := 0
	for i, st := range def.States {
		sp := fmt.Sprintf("%s.states[%d]", prefix, i)
		errs = append(errs, v.validateState(sp, st)...)
		if st.ID != "" {
			if _, dup := stateIDs[st.ID]; dup {
				errs = append(errs, VError{
					Path:    sp + ".id",
					Code:    CodeDuplicate,
					Message: fmt.Sprintf("state id %q is used more than once", st.ID),
				})
			}
			stateIDs[st.ID] = st
		}
		if st.Type == model.StateTypeStart {
			starts++
		}
	}
	if starts != 1 {
		errs = append(errs, VError{
			Path:    prefix + ".states",
			Code:    CodeStartState,
			Message: fmt.Sprintf("exactly one start state is required, found %d", starts),
		})
	}

	outgoing := make(map[string]int)
	for i, tr := range def.Transitions {
		tp := fmt.Sprintf("%s.transitions[%d]", prefix, i)
		errs = append(errs, v.validateTransition(tp, tr, stateIDs)...)
		outgoing[tr.From]++
	}
	for i, st := range def.States {
		if st.ID == "" || st.Type == model.StateTypeEnd || outgoing[st.ID] > 0 {
			continue
		}
		errs = append(errs, VError{
			Path:    fmt.Sprintf("%s.states[%d]", prefix, i),
			Code:    CodeDeadEnd,
			Message: fmt.Sprintf("state %q is not an end state and has no outgoing transition", st.ID),
		})
	}

	for i, sc := range def.Schedules {
		if sc.IntervalSeconds <= 0 {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("%s.schedules[%d].interval_seconds", prefix, i),
				Code:    CodeInvalidValue,
				Message: "interval_seconds must be positive",
			})
		}
	}

	return errs
}

func (v *Validator) validateTrigger(prefix string, t model.TriggerDefinition) []VError {
	if t.Type == "" {
		return nil
	}
	if !validTriggerTypes[t.Type] {
		return []VError{{
			Path:    prefix + ".type",
			Code:    CodeInvalidValue,
			Message: fmt.Sprintf("unknown trigger type %q", t.Type),
		}}
	}
	if t.Type == model.TriggerEvent {
		if name, _ := t.Config["event"].(string); name == "" {
			return []VError{{Path: prefix + ".config.event", Code: CodeRequired, Message: "event triggers require config.event"}}
		}
	}
	return nil
}

func (v *Validator) validateState(prefix string, st model.StateDefinition) []VError {
	var errs []VError
	if st.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: CodeRequired, Message: "id is required"})
	}
	if !model.IsValidStateType(st.Type) {
		errs = append(errs, VError{
			Path:    prefix + ".type",
			Code:    CodeInvalidValue,
			Message: fmt.Sprintf("unknown state type %q", st.Type),
		})
	}
	if _, err := model.ParseAction(st.Action, st.Config); err != nil {
		errs = append(errs, VError{Path: prefix + ".config", Code: CodeInvalidAction, Message: err.Error()})
	}
	if st.TimeoutSeconds < 0 {
		errs = append(errs, VError{Path: prefix + ".timeout_seconds", Code: CodeInvalidValue, Message: "timeout_seconds must not be negative"})
	}
	if st.Retry.Count < 0 || st.Retry.DelaySeconds < 0 {
		errs = append(errs, VError{Path: prefix + ".retry", Code: CodeInvalidValue, Message: "retry values must not be negative"})
	}
	return errs
}

func (v *Validator) validateTransition(prefix string, tr model.TransitionDefinition, states map[string]model.StateDefinition) []VError {
	var errs []VError
	for _, end := range []struct{ field, id string }{{"from", tr.From}, {"to", tr.To}} {
		if end.id == "" {
			errs = append(errs, VError{Path: prefix + "." + end.field, Code: CodeRequired, Message: end.field + " is required"})
			continue
		}
		if _, ok := states[end.id]; !ok {
			errs = append(errs, VError{
				Path:    prefix + "." + end.field,
				Code:    CodeUnknownState,
				Message: fmt.Sprintf("state %q does not exist", end.id),
			})
		}
	}

	cond, err := model.ConditionFromMap(tr.Condition)
	if err != nil {
		errs = append(errs, VError{Path: prefix + ".condition", Code: CodeInvalidCondition, Message: err.Error()})
	}
	for _, src := range conditionExpressions(cond) {
		if _, err := expr.Compile(src); err != nil {
			errs = append(errs, VError{Path: prefix + ".condition", Code: CodeInvalidExpression, Message: err.Error()})
		}
	}
	if tr.Expression != "" {
		if _, err := expr.Compile(tr.Expression); err != nil {
			errs = append(errs, VError{Path: prefix + ".expression", Code: CodeInvalidExpression, Message: err.Error()})
		}
	}
	return errs
}

// conditionExpressions collects the expression sources nested in cond.
func conditionExpressions(cond model.Condition) []string {
	switch c := cond.(type) {
	case model.ExpressionCondition:
		return []string{c.Expression}
	case model.AllCondition:
		var out []string
		for _, sub := range c.Conditions {
			out = append(out, conditionExpressions(sub)...)
		}
		return out
	case model.AnyCondition:
		var out []string
		for _, sub := range c.Conditions {
			out = append(out, conditionExpressions(sub)...)
		}
		return out
	default:
		return nil
	}
}
