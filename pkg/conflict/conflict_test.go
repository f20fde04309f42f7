// pkg/conflict/conflict_test.go
package conflict

import "testing"

func TestNoneNeverConflicts(t *testing.T) {
	s, err := ByName(NameNone)
	if err != nil {
		t.Fatalf("ByName: %v", err)
	}
	if err := s.Resolve(5, 1); err != nil {
		t.Errorf("expected none strategy to never conflict, got %v", err)
	}
}

func TestVersionStrategyRequiresMatch(t *testing.T) {
	s, err := ByName(NameVersion)
	if err != nil {
		t.Fatalf("ByName: %v", err)
	}
	if err := s.Resolve(3, 3); err != nil {
		t.Errorf("expected matching versions to proceed, got %v", err)
	}
	if err := s.Resolve(3, 2); err == nil {
		t.Error("expected mismatched versions to conflict")
	}
}

func TestByNameUnknownStrategy(t *testing.T) {
	if _, err := ByName("automerge"); err == nil {
		t.Error("expected error for unregistered strategy name")
	}
}

func TestByNameEmptyIsNone(t *testing.T) {
	s, err := ByName("")
	if err != nil {
		t.Fatalf("ByName: %v", err)
	}
	if s.Name() != NameNone {
		t.Errorf("expected empty name to resolve to none, got %q", s.Name())
	}
}
