package expr

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Program is a compiled guard expression. It is immutable and safe for
// concurrent use.
type Program struct {
	source string
	root   node
}

// Compile parses src into a Program.
func Compile(src string) (*Program, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("empty expression")
	}
	root, err := parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", src, err)
	}
	return &Program{source: src, root: root}, nil
}

// String returns the source text.
func (p *Program) String() string { return p.source }

// Eval evaluates the program against an execution document. It never
// panics; any failure is returned as an error.
func (p *Program) Eval(doc map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("evaluating %q: %v", p.source, r)
		}
	}()
	ev := evaluator{doc: doc}
	return ev.eval(p.root)
}

// EvalBool evaluates the program and requires a boolean result.
func (p *Program) EvalBool(doc map[string]any) (bool, error) {
	v, err := p.Eval(doc)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q produced %T, want bool", p.source, v)
	}
	return b, nil
}

// EvalBool compiles and evaluates src in one step.
func EvalBool(src string, doc map[string]any) (bool, error) {
	p, err := Compile(src)
	if err != nil {
		return false, err
	}
	return p.EvalBool(doc)
}

type evaluator struct {
	doc map[string]any
}

func (e evaluator) eval(n node) (any, error) {
	switch n := n.(type) {
	case literalNode:
		return n.value, nil
	case listNode:
		out := make([]any, 0, len(n.items))
		for _, item := range n.items {
			v, err := e.eval(item)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case pathNode:
		v, _, err := e.lookup(n)
		return v, err
	case unaryNode:
		return e.evalUnary(n)
	case binaryNode:
		return e.evalBinary(n)
	case callNode:
		return e.evalCall(n)
	default:
		return nil, fmt.Errorf("unsupported node %T", n)
	}
}

// lookup resolves a path. A missing segment yields (nil, false, nil).
func (e evaluator) lookup(n pathNode) (any, bool, error) {
	parts := make([]string, 0, len(n.steps)+1)
	parts = append(parts, n.root)
	for _, step := range n.steps {
		if step.index == nil {
			parts = append(parts, step.key)
			continue
		}
		idx, err := e.eval(step.index)
		if err != nil {
			return nil, false, err
		}
		switch v := idx.(type) {
		case string:
			parts = append(parts, v)
		default:
			f, ok := ToNumber(v)
			if !ok || f != math.Trunc(f) {
				return nil, false, fmt.Errorf("invalid index %v", idx)
			}
			parts = append(parts, strconv.Itoa(int(f)))
		}
	}
	v, ok := Resolve(e.doc, strings.Join(parts, "."))
	return v, ok, nil
}

func (e evaluator) evalUnary(n unaryNode) (any, error) {
	v, err := e.eval(n.operand)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "!":
		return !Truthy(v), nil
	case "-":
		f, ok := ToNumber(v)
		if !ok {
			return nil, fmt.Errorf("cannot negate %T", v)
		}
		return -f, nil
	}
	return nil, fmt.Errorf("unknown unary operator %q", n.op)
}

func (e evaluator) evalBinary(n binaryNode) (any, error) {
	left, err := e.eval(n.left)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "&&":
		if !Truthy(left) {
			return false, nil
		}
		right, err := e.eval(n.right)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	case "||":
		if Truthy(left) {
			return true, nil
		}
		right, err := e.eval(n.right)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	}

	right, err := e.eval(n.right)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "==":
		return Equal(left, right), nil
	case "!=":
		return !Equal(left, right), nil
	case "<", "<=", ">", ">=":
		c, ok := Order(left, right)
		if !ok {
			return nil, fmt.Errorf("cannot compare %T with %T", left, right)
		}
		switch n.op {
		case "<":
			return c < 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	case "in":
		return Contains(right, left), nil
	case "+":
		if ls, ok := left.(string); ok {
			return ls + fmt.Sprint(right), nil
		}
		if rs, ok := right.(string); ok {
			return fmt.Sprint(left) + rs, nil
		}
		fallthrough
	case "-", "*", "/", "%":
		return arithmetic(n.op, left, right)
	}
	return nil, fmt.Errorf("unknown operator %q", n.op)
}

func arithmetic(op string, left, right any) (any, error) {
	l, ok := ToNumber(left)
	if !ok {
		return nil, fmt.Errorf("operator %s: left operand is %T, want number", op, left)
	}
	r, ok := ToNumber(right)
	if !ok {
		return nil, fmt.Errorf("operator %s: right operand is %T, want number", op, right)
	}
	switch op {
	case "+":
		return l + r, nil
	case "-":
		return l - r, nil
	case "*":
		return l * r, nil
	case "/":
		if r == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return l / r, nil
	case "%":
		if r == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return math.Mod(l, r), nil
	}
	return nil, fmt.Errorf("unknown operator %q", op)
}

// functions maps builtin names to their arity.
var functions = map[string]int{
	"len":        1,
	"contains":   2,
	"startsWith": 2,
	"endsWith":   2,
	"lower":      1,
	"upper":      1,
	"exists":     1,
}

func (e evaluator) evalCall(n callNode) (any, error) {
	if want := functions[n.name]; len(n.args) != want {
		return nil, fmt.Errorf("%s expects %d argument(s), got %d", n.name, want, len(n.args))
	}
	if n.name == "exists" {
		path, ok := n.args[0].(pathNode)
		if !ok {
			return nil, fmt.Errorf("exists expects a path")
		}
		_, found, err := e.lookup(path)
		return found, err
	}

	args := make([]any, len(n.args))
	for i, a := range n.args {
		v, err := e.eval(a)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	switch n.name {
	case "len":
		switch v := args[0].(type) {
		case string:
			return float64(len([]rune(v))), nil
		case []any:
			return float64(len(v)), nil
		case map[string]any:
			return float64(len(v)), nil
		case nil:
			return float64(0), nil
		}
		return nil, fmt.Errorf("len of %T", args[0])
	case "contains":
		return Contains(args[0], args[1]), nil
	case "startsWith":
		return StartsWith(args[0], args[1]), nil
	case "endsWith":
		return EndsWith(args[0], args[1]), nil
	case "lower", "upper":
		s, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("%s of %T", n.name, args[0])
		}
		if n.name == "lower" {
			return strings.ToLower(s), nil
		}
		return strings.ToUpper(s), nil
	}
	return nil, fmt.Errorf("unknown function %q", n.name)
}
