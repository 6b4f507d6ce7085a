package provider

import (
	"testing"
)

func TestAccumulatorReassemblesFragments(t *testing.T) {
	acc := NewToolCallAccumulator()
	acc.AddDelta("call_0", "read_file", "")
	acc.AddDelta("call_0", "", `{"path":`)
	acc.AddDelta("call_0", "", `"main.go"}`)

	calls := acc.CompletedCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 completed call, got %d", len(calls))
	}
	if calls[0].Name != "read_file" {
		t.Errorf("expected name read_file, got %s", calls[0].Name)
	}
	if calls[0].Args["path"] != "main.go" {
		t.Errorf("expected path=main.go, got %v", calls[0].Args)
	}
}

func TestAccumulatorSplitEqualsWhole(t *testing.T) {
	split := NewToolCallAccumulator()
	split.AddDelta("c", "f", `{"a":`)
	split.AddDelta("c", "", `1}`)

	whole := NewToolCallAccumulator()
	whole.AddDelta("c", "f", `{"a":1}`)

	a := split.CompletedCalls()
	b := whole.CompletedCalls()
	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("expected one call each, got %d and %d", len(a), len(b))
	}
	if a[0].Args["a"] != b[0].Args["a"] {
		t.Errorf("split and whole delivery disagree: %v vs %v", a[0].Args, b[0].Args)
	}
}

func TestAccumulatorNameFirstWriteWins(t *testing.T) {
	acc := NewToolCallAccumulator()
	acc.AddDelta("c", "first", "")
	acc.AddDelta("c", "second", "{}")

	calls := acc.CompletedCalls()
	if calls[0].Name != "first" {
		t.Errorf("expected first-write-wins name, got %s", calls[0].Name)
	}
}

func TestAccumulatorMalformedArgsDefaultToEmptyMap(t *testing.T) {
	acc := NewToolCallAccumulator()
	acc.AddDelta("c", "f", `{"broken`)

	calls := acc.CompletedCalls()
	if len(calls) != 1 {
		t.Fatalf("expected call despite malformed args, got %d", len(calls))
	}
	if len(calls[0].Args) != 0 {
		t.Errorf("expected empty args map, got %v", calls[0].Args)
	}
}

func TestAccumulatorSkipsNamelessCalls(t *testing.T) {
	acc := NewToolCallAccumulator()
	acc.AddDelta("c", "", `{"a":1}`)

	if len(acc.CompletedCalls()) != 0 {
		t.Error("expected no completed calls without a name")
	}
	if !acc.Has("c") {
		t.Error("expected Has to report the pending id")
	}
	if acc.Len() != 1 {
		t.Errorf("expected Len 1, got %d", acc.Len())
	}
}

func TestAccumulatorPreservesArrivalOrder(t *testing.T) {
	acc := NewToolCallAccumulator()
	acc.AddDelta("b", "second", "{}")
	acc.AddDelta("a", "first", "{}")

	calls := acc.CompletedCalls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].ID != "b" || calls[1].ID != "a" {
		t.Errorf("expected arrival order [b a], got [%s %s]", calls[0].ID, calls[1].ID)
	}
}
