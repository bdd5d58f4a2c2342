package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Condition kinds recognised in the "type" discriminator.
const (
	ConditionComparison = "comparison"
	ConditionExpression = "expression"
	ConditionAll        = "all"
	ConditionAny        = "any"
)

// Condition is a transition guard. The set of implementations is closed;
// evaluators switch over the concrete types.
type Condition interface {
	conditionKind() string
}

// ComparisonCondition compares the value at a dotted path with a literal.
type ComparisonCondition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// ExpressionCondition is a boolean expression in the guard language.
type ExpressionCondition struct {
	Expression string `json:"expression"`
}

// AllCondition holds when every sub-condition holds.
type AllCondition struct {
	Conditions []Condition `json:"conditions"`
}

// AnyCondition holds when at least one sub-condition holds.
type AnyCondition struct {
	Conditions []Condition `json:"conditions"`
}

// MatchCondition is the untyped form: every key must match its value, where
// a value may be an operator object such as {"$gt": 0}.
type MatchCondition struct {
	Fields map[string]any `json:"fields"`
}

func (ComparisonCondition) conditionKind() string { return ConditionComparison }
func (ExpressionCondition) conditionKind() string { return ConditionExpression }
func (AllCondition) conditionKind() string        { return ConditionAll }
func (AnyCondition) conditionKind() string        { return ConditionAny }
func (MatchCondition) conditionKind() string      { return "match" }

// ConditionConfig is the persisted form of a guard. The zero value is the
// empty guard, which always matches.
type ConditionConfig struct {
	Condition Condition
}

// IsZero reports whether the config carries no guard.
func (c ConditionConfig) IsZero() bool {
	return c.Condition == nil
}

// MarshalJSON encodes the guard back to its tagged document form.
func (c ConditionConfig) MarshalJSON() ([]byte, error) {
	if c.Condition == nil {
		return []byte("null"), nil
	}
	doc, err := conditionDocument(c.Condition)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// UnmarshalJSON decodes a tagged or untyped guard document.
func (c *ConditionConfig) UnmarshalJSON(data []byte) error {
	cond, err := ParseCondition(data)
	if err != nil {
		return err
	}
	c.Condition = cond
	return nil
}

// ParseCondition decodes a guard document. null, empty input and {} yield a
// nil Condition. Objects whose "type" names a known kind decode to that
// kind; every other object is an untyped match.
func ParseCondition(data []byte) (Condition, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("condition must be an object: %w", err)
	}
	return ConditionFromMap(doc)
}

// ConditionFromMap builds a guard from an already decoded document.
func ConditionFromMap(doc map[string]any) (Condition, error) {
	if len(doc) == 0 {
		return nil, nil
	}
	kind, _ := doc["type"].(string)
	switch kind {
	case ConditionComparison:
		field, _ := doc["field"].(string)
		if field == "" {
			return nil, fmt.Errorf("comparison condition requires field")
		}
		op, _ := doc["operator"].(string)
		if op == "" {
			return nil, fmt.Errorf("comparison condition requires operator")
		}
		return ComparisonCondition{Field: field, Operator: op, Value: doc["value"]}, nil
	case ConditionExpression:
		expr, _ := doc["expression"].(string)
		if expr == "" {
			return nil, fmt.Errorf("expression condition requires expression")
		}
		return ExpressionCondition{Expression: expr}, nil
	case ConditionAll, ConditionAny:
		subs, err := subConditions(doc["conditions"])
		if err != nil {
			return nil, fmt.Errorf("%s condition: %w", kind, err)
		}
		if kind == ConditionAll {
			return AllCondition{Conditions: subs}, nil
		}
		return AnyCondition{Conditions: subs}, nil
	default:
		fields := make(map[string]any, len(doc))
		for k, v := range doc {
			fields[k] = v
		}
		return MatchCondition{Fields: fields}, nil
	}
}

func subConditions(raw any) ([]Condition, error) {
	if raw == nil {
		return []Condition{}, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("conditions must be a list")
	}
	out := make([]Condition, 0, len(items))
	for i, item := range items {
		doc, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("conditions[%d] must be an object", i)
		}
		cond, err := ConditionFromMap(doc)
		if err != nil {
			return nil, fmt.Errorf("conditions[%d]: %w", i, err)
		}
		if cond == nil {
			// An empty nested guard is vacuously true; keep it as an empty all.
			cond = AllCondition{Conditions: []Condition{}}
		}
		out = append(out, cond)
	}
	return out, nil
}

func conditionDocument(cond Condition) (map[string]any, error) {
	switch c := cond.(type) {
	case ComparisonCondition:
		return map[string]any{"type": ConditionComparison, "field": c.Field, "operator": c.Operator, "value": c.Value}, nil
	case ExpressionCondition:
		return map[string]any{"type": ConditionExpression, "expression": c.Expression}, nil
	case AllCondition:
		subs, err := subDocuments(c.Conditions)
		if err != nil {
			return nil, err
		}
		return map[string]any{"type": ConditionAll, "conditions": subs}, nil
	case AnyCondition:
		subs, err := subDocuments(c.Conditions)
		if err != nil {
			return nil, err
		}
		return map[string]any{"type": ConditionAny, "conditions": subs}, nil
	case MatchCondition:
		return c.Fields, nil
	default:
		return nil, fmt.Errorf("unsupported condition %T", cond)
	}
}

func subDocuments(conds []Condition) ([]any, error) {
	out := make([]any, 0, len(conds))
	for _, c := range conds {
		doc, err := conditionDocument(c)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}
