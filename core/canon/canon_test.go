package canon

import "testing"

func TestMarshalSortsKeys(t *testing.T) {
	in := map[string]any{"b": 1, "a": 2, "c": 3}
	got, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"a":2,"b":1,"c":3}`
	if string(got) != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestMarshalNoWhitespace(t *testing.T) {
	in := map[string]any{"arr": []any{1, 2, 3}, "nested": map[string]any{"x": "y"}}
	got, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for _, r := range string(got) {
		if r == ' ' || r == '\n' || r == '\t' {
			t.Fatalf("unexpected whitespace in %s", got)
		}
	}
}

func TestMarshalEquivalentInputsMatch(t *testing.T) {
	a := map[string]any{"x": 1, "y": "hello"}
	b := map[string]any{"y": "hello", "x": 1}
	ga, err := Marshal(a)
	if err != nil {
		t.Fatalf("Marshal a: %v", err)
	}
	gb, err := Marshal(b)
	if err != nil {
		t.Fatalf("Marshal b: %v", err)
	}
	if string(ga) != string(gb) {
		t.Fatalf("logically equal values diverged: %s vs %s", ga, gb)
	}
}

func TestHashStability(t *testing.T) {
	a := map[string]any{"x": 1, "y": "hello"}
	b := map[string]any{"y": "hello", "x": 1}
	ha, err := Hash(a)
	if err != nil {
		t.Fatalf("Hash a: %v", err)
	}
	hb, err := Hash(b)
	if err != nil {
		t.Fatalf("Hash b: %v", err)
	}
	if ha != hb {
		t.Fatalf("hashes diverged: %s vs %s", ha, hb)
	}
}

func TestMarshalIntegerVsFloat(t *testing.T) {
	got, err := Marshal(map[string]any{"n": 10, "f": 1.5})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"f":1.5,"n":10}`
	if string(got) != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestMarshalRejectsUnsupportedType(t *testing.T) {
	_, err := Marshal(map[string]any{"f": func() {}})
	if err == nil {
		t.Fatal("expected error for unsupported type")
	}
}

func TestCodeUnitOrdering(t *testing.T) {
	got, err := Marshal(map[string]any{"b": 1, "B": 2, "a": 3})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"B":2,"a":3,"b":1}`
	if string(got) != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}
