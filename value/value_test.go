package value

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestStringify(t *testing.T) {
	tests := []struct {
		in  any
		out string
	}{
		{"hi", "hi"},
		{Safe("<b>"), "<b>"},
		{int64(42), "42"},
		{7, "7"},
		{3.14, "3.14"},
		{1.0, "1"},
		{true, "true"},
		{false, "false"},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := Stringify(tt.in); got != tt.out {
			t.Errorf("Stringify(%v) = %q, want %q", tt.in, got, tt.out)
		}
	}
}

func TestAsList(t *testing.T) {
	got, ok := AsList([]string{"a", "b"})
	if !ok {
		t.Fatal("[]string is a list")
	}
	if diff := cmp.Diff([]any{"a", "b"}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	got, ok = AsList([]int{1, 2})
	if !ok || got[0] != int64(1) {
		t.Errorf("int slices normalize to int64 elements, got %v", got)
	}

	if _, ok := AsList("nope"); ok {
		t.Error("string is not a list")
	}
	if got, ok := AsList(nil); !ok || got != nil {
		t.Error("nil is the empty list")
	}
}

func TestEqualAndContains(t *testing.T) {
	if !Equal(int64(3), 3) {
		t.Error("int64 and int compare numerically")
	}
	if !Equal("x", Safe("x")) {
		t.Error("safe and string compare textually")
	}
	if Equal("1", int64(1)) {
		t.Error("string and int are never equal")
	}

	if !Contains([]any{int64(1), int64(2)}, int64(2)) {
		t.Error("list membership failed")
	}
	if !Contains("hello", "ell") {
		t.Error("substring membership failed")
	}
	if Contains([]any{"a"}, "b") {
		t.Error("false positive membership")
	}
}

func TestLen(t *testing.T) {
	if Len("héllo") != 5 {
		t.Error("string length counts runes")
	}
	if Len([]string{"a", "b", "c"}) != 3 {
		t.Error("list length wrong")
	}
	if Len(map[string]any{"a": 1}) != 1 {
		t.Error("map length wrong")
	}
}
