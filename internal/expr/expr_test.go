package expr

import "testing"

func testDoc() map[string]any {
	return map[string]any{
		"variables": map[string]any{
			"task_count": float64(7),
			"name":       "Quarterly Report",
			"tags":       []any{"urgent", "finance"},
			"flag":       true,
			"owner":      map[string]any{"email": "ops@example.com"},
		},
		"outputs": map[string]any{
			"fetch": map[string]any{
				"status": float64(200),
				"data":   map[string]any{"items": []any{map[string]any{"id": "a"}, map[string]any{"id": "b"}}},
			},
		},
	}
}

func TestEvalBool(t *testing.T) {
	tests := []struct {
		src  string
		want bool
	}{
		{"variables.task_count > 0", true},
		{"task_count >= 7 && task_count < 8", true},
		{"variables.task_count == 7", true},
		{"outputs.fetch.status == 200", true},
		{"outputs.fetch.data.items.1.id == 'b'", true},
		{"outputs.fetch.data.items[0].id == \"a\"", true},
		{"len(outputs.fetch.data.items) == 2", true},
		{"'urgent' in variables.tags", true},
		{"contains(name, 'Report')", true},
		{"startsWith(lower(name), 'quarterly')", true},
		{"endsWith(owner.email, '@example.com')", true},
		{"not flag", false},
		{"!(task_count > 10) and flag", true},
		{"task_count * 2 + 1 == 15", true},
		{"task_count % 2 == 1", true},
		{"exists(outputs.fetch)", true},
		{"exists(outputs.missing)", false},
		{"missing == null", true},
		{"variables.missing != 'x'", true},
		{"context.variables.flag", true},
		{"[1, 2, 3] == [1, 2, 3]", true},
		{"1 + 'a' == '1a'", true},
		{"false || task_count > 3", true},
	}
	doc := testDoc()
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			got, err := EvalBool(tt.src, doc)
			if err != nil {
				t.Fatalf("EvalBool(%q) error = %v", tt.src, err)
			}
			if got != tt.want {
				t.Errorf("EvalBool(%q) = %v, want %v", tt.src, got, tt.want)
			}
		})
	}
}

func TestEvalBool_errors(t *testing.T) {
	tests := []string{
		"",
		"task_count >",
		"task_count > 'abc' ==",
		"(task_count > 1",
		"unknownFn(1)",
		"len(1, 2)",
		"task_count / 0 > 1",
		"missing > 3",
		"task_count",
		"'unterminated",
		"task_count # 1",
		"exists(1)",
		"-name",
	}
	doc := testDoc()
	for _, src := range tests {
		if _, err := EvalBool(src, doc); err == nil {
			t.Errorf("EvalBool(%q) error = nil, want error", src)
		}
	}
}

func TestCompile_nestingLimit(t *testing.T) {
	src := ""
	for i := 0; i < 200; i++ {
		src += "("
	}
	src += "1"
	for i := 0; i < 200; i++ {
		src += ")"
	}
	if _, err := Compile(src); err == nil {
		t.Error("Compile(deeply nested) error = nil, want error")
	}
}

func TestProgram_reusable(t *testing.T) {
	p, err := Compile("variables.n > 1")
	if err != nil {
		t.Fatalf("Compile error = %v", err)
	}
	for n, want := range map[float64]bool{0: false, 2: true} {
		doc := map[string]any{"variables": map[string]any{"n": n}}
		got, err := p.EvalBool(doc)
		if err != nil {
			t.Fatalf("EvalBool error = %v", err)
		}
		if got != want {
			t.Errorf("n=%v: got %v, want %v", n, got, want)
		}
	}
}

func TestResolve(t *testing.T) {
	doc := testDoc()
	tests := []struct {
		path   string
		want   any
		wantOK bool
	}{
		{"variables.task_count", float64(7), true},
		{"task_count", float64(7), true},
		{"owner.email", "ops@example.com", true},
		{"outputs.fetch.status", float64(200), true},
		{"outputs.nope", nil, false},
		{"variables.nope", nil, false},
		{"nope", nil, false},
		{"tags.1", "finance", true},
		{"tags.9", nil, false},
		{"", nil, false},
	}
	for _, tt := range tests {
		got, ok := Resolve(doc, tt.path)
		if ok != tt.wantOK {
			t.Errorf("Resolve(%q) ok = %v, want %v", tt.path, ok, tt.wantOK)
			continue
		}
		if ok && !Equal(got, tt.want) {
			t.Errorf("Resolve(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestEqual_numericTypes(t *testing.T) {
	if !Equal(7, float64(7)) {
		t.Error("Equal(int 7, float 7) = false, want true")
	}
	if Equal("7", 7) {
		t.Error("Equal(\"7\", 7) = true, want false")
	}
	if !Equal(nil, nil) {
		t.Error("Equal(nil, nil) = false, want true")
	}
	if Equal(nil, 0) {
		t.Error("Equal(nil, 0) = true, want false")
	}
}

func TestOrder(t *testing.T) {
	if c, ok := Order(int64(3), 2.5); !ok || c != 1 {
		t.Errorf("Order(3, 2.5) = %d, %v; want 1, true", c, ok)
	}
	if c, ok := Order("10", 9); !ok || c != 1 {
		t.Errorf("Order(\"10\", 9) = %d, %v; want 1, true", c, ok)
	}
	if _, ok := Order(true, 1); ok {
		t.Error("Order(true, 1) ok = true, want false")
	}
}
