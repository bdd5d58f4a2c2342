package action

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/pitabwire/autoflow/internal/expr"
)

var placeholder = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Interpolate replaces {{path}} placeholders in s with values resolved from
// doc. Unresolved placeholders become empty strings.
func Interpolate(s string, doc map[string]any) string {
	if s == "" {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		path := placeholder.FindStringSubmatch(m)[1]
		v, ok := expr.Resolve(doc, path)
		if !ok || v == nil {
			return ""
		}
		return stringify(v)
	})
}

// InterpolateValue applies Interpolate to every string leaf of v.
func InterpolateValue(v any, doc map[string]any) any {
	switch t := v.(type) {
	case string:
		return Interpolate(t, doc)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = InterpolateValue(item, doc)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = InterpolateValue(item, doc)
		}
		return out
	default:
		return v
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any, []any:
		raw, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(raw)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
