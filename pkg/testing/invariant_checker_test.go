package testing

import (
	"testing"

	"xraft/pkg/statemachine"
)

func TestCheckSafetyInvariantsCleanOnAgreeingNodes(t *testing.T) {
	ic := NewInvariantChecker()
	cmd := statemachine.Command{Type: statemachine.CommandSet, Key: "k", Value: []byte("v")}
	ic.RecordCommit("n1", 1, 1, cmd)
	ic.RecordCommit("n2", 1, 1, cmd)

	ok, violations := ic.CheckSafetyInvariants()
	if !ok {
		t.Fatalf("CheckSafetyInvariants() found violations on agreeing nodes: %+v", violations)
	}
}

func TestCheckSafetyInvariantsDetectsValueMismatch(t *testing.T) {
	ic := NewInvariantChecker()
	ic.RecordCommit("n1", 1, 1, statemachine.Command{Type: statemachine.CommandSet, Key: "k", Value: []byte("v1")})
	ic.RecordCommit("n2", 1, 1, statemachine.Command{Type: statemachine.CommandSet, Key: "k", Value: []byte("v2")})

	ok, violations := ic.CheckSafetyInvariants()
	if ok {
		t.Fatalf("CheckSafetyInvariants() = ok, want a VALUE_MISMATCH violation")
	}
	found := false
	for _, v := range violations {
		if v.Type == "VALUE_MISMATCH" {
			found = true
		}
	}
	if !found {
		t.Fatalf("violations = %+v, want a VALUE_MISMATCH entry", violations)
	}
}

func TestCheckSafetyInvariantsDetectsTermDisagreementAtSameIndex(t *testing.T) {
	ic := NewInvariantChecker()
	ic.RecordCommit("n1", 5, 2, statemachine.Command{})
	ic.RecordCommit("n2", 5, 3, statemachine.Command{})

	ok, violations := ic.CheckSafetyInvariants()
	if ok {
		t.Fatalf("CheckSafetyInvariants() = ok, want a LOG_MATCHING_VIOLATION")
	}
	found := false
	for _, v := range violations {
		if v.Type == "LOG_MATCHING_VIOLATION" {
			found = true
		}
	}
	if !found {
		t.Fatalf("violations = %+v, want a LOG_MATCHING_VIOLATION entry", violations)
	}
}

func TestCheckSafetyInvariantsDetectsNonMonotonicCommit(t *testing.T) {
	ic := NewInvariantChecker()
	ic.RecordCommit("n1", 5, 1, statemachine.Command{})
	ic.RecordCommit("n1", 3, 1, statemachine.Command{})

	ok, violations := ic.CheckSafetyInvariants()
	if ok {
		t.Fatalf("CheckSafetyInvariants() = ok, want a NON_MONOTONIC_COMMIT violation")
	}
	found := false
	for _, v := range violations {
		if v.Type == "NON_MONOTONIC_COMMIT" {
			found = true
		}
	}
	if !found {
		t.Fatalf("violations = %+v, want a NON_MONOTONIC_COMMIT entry", violations)
	}
}

func TestCheckSafetyInvariantsDetectsTermConsistencyViolation(t *testing.T) {
	ic := NewInvariantChecker()
	ic.RecordCommit("n1", 1, 5, statemachine.Command{})
	ic.RecordCommit("n1", 2, 3, statemachine.Command{})

	ok, violations := ic.CheckSafetyInvariants()
	if ok {
		t.Fatalf("CheckSafetyInvariants() = ok, want a TERM_CONSISTENCY_VIOLATION")
	}
	found := false
	for _, v := range violations {
		if v.Type == "TERM_CONSISTENCY_VIOLATION" {
			found = true
		}
	}
	if !found {
		t.Fatalf("violations = %+v, want a TERM_CONSISTENCY_VIOLATION entry", violations)
	}
}

func TestClearResetsCheckerState(t *testing.T) {
	ic := NewInvariantChecker()
	ic.RecordCommit("n1", 1, 1, statemachine.Command{})
	ic.Clear()

	ok, violations := ic.CheckSafetyInvariants()
	if !ok || len(violations) != 0 {
		t.Fatalf("CheckSafetyInvariants() after Clear = %v, %+v; want true, empty", ok, violations)
	}
}

func TestCompareStateMachinesDetectsDivergence(t *testing.T) {
	a := statemachine.New()
	b := statemachine.New()

	cmd1, _ := statemachine.EncodeCommand(statemachine.CommandSet, "k", []byte("v1"), "", 0)
	a.Apply(cmd1)
	cmd2, _ := statemachine.EncodeCommand(statemachine.CommandSet, "k", []byte("v2"), "", 0)
	b.Apply(cmd2)

	ok, diffs := CompareStateMachines([]*statemachine.Store{a, b})
	if ok {
		t.Fatalf("CompareStateMachines() = ok, want divergence reported: %v", diffs)
	}
	if len(diffs) == 0 {
		t.Fatalf("CompareStateMachines() reported no diffs despite divergence")
	}
}

func TestCompareStateMachinesAgreeWhenEqual(t *testing.T) {
	a := statemachine.New()
	b := statemachine.New()

	cmd, _ := statemachine.EncodeCommand(statemachine.CommandSet, "k", []byte("v"), "", 0)
	a.Apply(cmd)
	b.Apply(cmd)

	ok, diffs := CompareStateMachines([]*statemachine.Store{a, b})
	if !ok {
		t.Fatalf("CompareStateMachines() = not ok, diffs: %v", diffs)
	}
}
