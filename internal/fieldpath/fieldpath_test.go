package fieldpath

import (
	"encoding/json"
	"reflect"
	"testing"
)

func decode(t *testing.T, s string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatalf("bad json fixture: %v", err)
	}
	return v
}

func TestEvalScalar(t *testing.T) {
	doc := decode(t, `{"usage":{"input_tokens":3,"output_tokens":99}}`)

	tests := []struct {
		path string
		want any
		ok   bool
	}{
		{"$.usage.input_tokens", float64(3), true},
		{"usage.output_tokens", float64(99), true},
		{"$.usage.missing", nil, false},
		{"$.nope.at.all", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			r := Eval(MustCompile(tt.path), doc)
			if r.Found != tt.ok {
				t.Fatalf("Found = %v, want %v", r.Found, tt.ok)
			}
			if tt.ok && r.Value != tt.want {
				t.Fatalf("Value = %v, want %v", r.Value, tt.want)
			}
		})
	}
}

func TestEvalWildcardNeverCollapsesToFirst(t *testing.T) {
	doc := decode(t, `{"messages":[{"content":"a"},{"content":"b"},{"content":"c"}]}`)

	r := Eval(MustCompile("$.messages[*].content"), doc)
	if !r.IsList {
		t.Fatalf("expected list result")
	}
	want := []any{"a", "b", "c"}
	if !reflect.DeepEqual(r.List, want) {
		t.Fatalf("List = %v, want %v", r.List, want)
	}
}

func TestEvalWildcardEmptyCollectionIsEmptyListNotNotFound(t *testing.T) {
	doc := decode(t, `{"messages":[]}`)

	r := Eval(MustCompile("$.messages[*].content"), doc)
	if !r.Found || !r.IsList {
		t.Fatalf("expected Found list result, got %+v", r)
	}
	if len(r.List) != 0 {
		t.Fatalf("expected empty list, got %v", r.List)
	}
}

func TestEvalWildcardFiltersNullAndEmpty(t *testing.T) {
	doc := decode(t, `{"items":[{"v":"x"},{"v":""},{"v":null},{"v":"y"}]}`)

	r := Eval(MustCompile("$.items[*].v"), doc)
	want := []any{"x", "y"}
	if !reflect.DeepEqual(r.List, want) {
		t.Fatalf("List = %v, want %v", r.List, want)
	}
}

func TestEvalIndex(t *testing.T) {
	doc := decode(t, `{"a":[10,20,30]}`)

	r := Eval(MustCompile("$.a[1]"), doc)
	if !r.Found || r.Value != float64(20) {
		t.Fatalf("got %+v", r)
	}

	r = Eval(MustCompile("$.a[9]"), doc)
	if r.Found {
		t.Fatalf("out-of-range index should not be found")
	}
}

func TestAltPathFallsThroughOnNotFoundOnly(t *testing.T) {
	doc := decode(t, `{"usage":{"cache_read_input_tokens":54624}}`)

	alt := AltPath{
		Primary:    MustCompile("$.usage.cache_read_tokens"),
		Alternates: []Expr{MustCompile("$.usage.cache_read_input_tokens")},
	}
	r := alt.Eval(doc)
	if !r.Found || r.Value != float64(54624) {
		t.Fatalf("got %+v", r)
	}
}

func TestAltPathDoesNotFallThroughOnEmptyList(t *testing.T) {
	doc := decode(t, `{"messages":[]}`)

	alt := AltPath{
		Primary:    MustCompile("$.messages[*]"),
		Alternates: []Expr{MustCompile("$.legacy_messages[*]")},
	}
	r := alt.Eval(doc)
	if !r.Found || !r.IsList || len(r.List) != 0 {
		t.Fatalf("empty list from primary must win over alternates: %+v", r)
	}
}

func TestCompileInvalidIndex(t *testing.T) {
	if _, err := Compile("$.a[x]"); err == nil {
		t.Fatalf("expected error for non-numeric index")
	}
}

func TestCompileEmptyIsEmptyExpr(t *testing.T) {
	e := MustCompile("")
	if !e.Empty() {
		t.Fatalf("expected empty expr")
	}
	r := Eval(e, map[string]any{"a": 1})
	if r.Found {
		t.Fatalf("empty expr should never be found")
	}
}
