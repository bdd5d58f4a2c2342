package expr

import (
	"strconv"
	"strings"
)

// Roots that are addressed directly; any other first segment is looked up
// under variables when it is not found at the root.
var directRoots = map[string]bool{
	"variables": true,
	"outputs":   true,
	"context":   true,
}

// Lookup walks a dotted path through nested maps and slices. Numeric
// segments index into slices. The second result is false when any segment
// is missing.
func Lookup(data map[string]any, path string) (any, bool) {
	if data == nil || path == "" {
		return nil, false
	}
	var current any = data
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Resolve looks a path up in an execution document shaped
// {variables, outputs}. Bare names fall back to variables, so "task_count"
// finds variables.task_count. "context" addresses the whole document.
func Resolve(doc map[string]any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	if path == "context" {
		return doc, true
	}
	if rest, ok := strings.CutPrefix(path, "context."); ok {
		return Lookup(doc, rest)
	}
	if v, ok := Lookup(doc, path); ok {
		return v, true
	}
	head, _, _ := strings.Cut(path, ".")
	if directRoots[head] {
		return nil, false
	}
	vars, ok := doc["variables"].(map[string]any)
	if !ok {
		return nil, false
	}
	return Lookup(vars, path)
}
