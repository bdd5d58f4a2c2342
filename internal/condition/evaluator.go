// Package condition decides which transition an instance takes next.
package condition

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/autoflow/internal/expr"
	"github.com/pitabwire/autoflow/model"
)

// Evaluator evaluates transition guards against an execution context. It
// holds no per-call state; compiled expressions are cached by source.
type Evaluator struct {
	logger   *zap.Logger
	programs sync.Map // string -> *expr.Program
}

// NewEvaluator creates an Evaluator. A nil logger disables debug output.
func NewEvaluator(logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{logger: logger}
}

// Select returns the first transition, in descending priority order, whose
// guard holds. Transitions with equal priority keep their given order.
func (e *Evaluator) Select(transitions []model.WorkflowTransition, ec model.ExecutionContext) (*model.WorkflowTransition, bool) {
	ordered := make([]model.WorkflowTransition, len(transitions))
	copy(ordered, transitions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	doc := ec.Document()
	for i := range ordered {
		if e.Evaluate(ordered[i].Guard(), doc) {
			return &ordered[i], true
		}
	}
	return nil, false
}

// Evaluate reports whether cond holds for doc. A nil condition always holds.
// Evaluation never fails: malformed or erroring guards are false.
func (e *Evaluator) Evaluate(cond model.Condition, doc map[string]any) bool {
	switch c := cond.(type) {
	case nil:
		return true
	case model.ComparisonCondition:
		actual, found := expr.Resolve(doc, c.Field)
		return compare(c.Operator, actual, found, c.Value)
	case model.ExpressionCondition:
		return e.evaluateExpression(c.Expression, doc)
	case model.AllCondition:
		for _, sub := range c.Conditions {
			if !e.Evaluate(sub, doc) {
				return false
			}
		}
		return true
	case model.AnyCondition:
		for _, sub := range c.Conditions {
			if e.Evaluate(sub, doc) {
				return true
			}
		}
		return false
	case model.MatchCondition:
		for key, want := range c.Fields {
			actual, found := expr.Resolve(doc, key)
			if !matchField(actual, found, want) {
				return false
			}
		}
		return true
	default:
		e.logger.Warn("unsupported condition type", zap.String("type", fmt.Sprintf("%T", cond)))
		return false
	}
}

func (e *Evaluator) evaluateExpression(src string, doc map[string]any) bool {
	prog, err := e.program(src)
	if err != nil {
		e.logger.Debug("condition expression rejected", zap.String("expression", src), zap.Error(err))
		return false
	}
	ok, err := prog.EvalBool(doc)
	if err != nil {
		e.logger.Debug("condition expression failed", zap.String("expression", src), zap.Error(err))
		return false
	}
	return ok
}

func (e *Evaluator) program(src string) (*expr.Program, error) {
	if p, ok := e.programs.Load(src); ok {
		return p.(*expr.Program), nil
	}
	p, err := expr.Compile(src)
	if err != nil {
		return nil, err
	}
	e.programs.Store(src, p)
	return p, nil
}

// compare applies a comparison operator. A missing field is unequal to any
// concrete value and incomparable for ordering.
func compare(op string, actual any, found bool, want any) bool {
	switch op {
	case "==", "eq", "equals":
		return found && expr.Equal(actual, want)
	case "!=", "ne", "not_equals":
		return !found || !expr.Equal(actual, want)
	case ">", "<", ">=", "<=":
		if !found {
			return false
		}
		c, ok := expr.Order(actual, want)
		if !ok {
			return false
		}
		switch op {
		case ">":
			return c > 0
		case "<":
			return c < 0
		case ">=":
			return c >= 0
		default:
			return c <= 0
		}
	case "contains":
		return found && expr.Contains(actual, want)
	case "startsWith":
		return found && expr.StartsWith(actual, want)
	case "endsWith":
		return found && expr.EndsWith(actual, want)
	}
	return false
}

// matchField checks one entry of an untyped match guard. Operator objects
// have only "$"-prefixed keys; anything else is compared for equality.
func matchField(actual any, found bool, want any) bool {
	ops, ok := want.(map[string]any)
	if !ok || !isOperatorObject(ops) {
		return found && expr.Equal(actual, want)
	}
	for op, operand := range ops {
		if !applyOperator(op, actual, found, operand) {
			return false
		}
	}
	return true
}

func isOperatorObject(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

func applyOperator(op string, actual any, found bool, operand any) bool {
	switch op {
	case "$eq":
		return compare("==", actual, found, operand)
	case "$ne":
		return compare("!=", actual, found, operand)
	case "$gt":
		return compare(">", actual, found, operand)
	case "$gte":
		return compare(">=", actual, found, operand)
	case "$lt":
		return compare("<", actual, found, operand)
	case "$lte":
		return compare("<=", actual, found, operand)
	case "$contains":
		return compare("contains", actual, found, operand)
	case "$in":
		return found && expr.Contains(operand, actual)
	case "$nin":
		return !found || !expr.Contains(operand, actual)
	case "$exists":
		want, _ := operand.(bool)
		return found == want
	}
	return false
}
