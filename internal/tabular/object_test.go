package tabular

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMarshalObject(t *testing.T) {
	got, err := MarshalObject(map[string]any{"z": 1, "a": []any{"x<y>", 2.5, nil}, "m": map[string]any{}})
	if err != nil {
		t.Fatalf("MarshalObject failed: %v", err)
	}
	if want := `{"a":["x<y>",2.5,null],"m":{},"z":1}`; got != want {
		t.Errorf("MarshalObject() = %s, want %s", got, want)
	}
	if _, err := MarshalObject(func() {}); err == nil {
		t.Error("expected error for a function")
	}
}

func TestUnmarshalObject(t *testing.T) {
	got, err := UnmarshalObject(`{"big":9007199254740993,"f":0.5,"s":"x"}`)
	if err != nil {
		t.Fatalf("UnmarshalObject failed: %v", err)
	}
	want := map[string]any{"big": json.Number("9007199254740993"), "f": json.Number("0.5"), "s": "x"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("UnmarshalObject() mismatch (-want +got):\n%s", diff)
	}
	for _, in := range []string{"", "{", `{"a":1} {}`} {
		if _, err := UnmarshalObject(in); err == nil {
			t.Errorf("UnmarshalObject(%q) succeeded", in)
		}
	}
}
