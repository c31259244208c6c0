package resolver

import (
	"context"
	"testing"

	"ladder/pkg/models"
)

type fakeRequirementStore struct {
	bu       models.BusinessUnit
	replaced [][]models.FrameworkRequirement
}

func (f *fakeRequirementStore) BusinessUnit(context.Context, string) (models.BusinessUnit, error) {
	return f.bu, nil
}

func (f *fakeRequirementStore) ReplaceFrameworkRequirements(_ context.Context, _ string, reqs []models.FrameworkRequirement) error {
	f.replaced = append(f.replaced, reqs)
	return nil
}

func TestDeriveFrameworkRequirements(t *testing.T) {
	t.Parallel()

	store := &fakeRequirementStore{
		bu: models.BusinessUnit{ID: "bu-1", OrgID: "org-1", FrameworkSelections: []string{"slsa", "soc2"}},
	}
	reqs, err := DeriveFrameworkRequirements(context.Background(), store, "bu-1")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if len(reqs) != 6 {
		t.Fatalf("expected 6 requirements for slsa+soc2, got %d", len(reqs))
	}
	if len(store.replaced) != 1 || len(store.replaced[0]) != 6 {
		t.Fatal("derivation must persist exactly the derived rows")
	}
	seen := map[string]bool{}
	for _, req := range reqs {
		if req.BusinessUnitID != "bu-1" {
			t.Fatalf("requirement not bound to BU: %+v", req)
		}
		if req.RequirementID == "" {
			t.Fatal("requirement id must be minted")
		}
		seen[req.ControlID] = true
	}
	for _, control := range []string{"SLSA-PROV-1", "SLSA-BUILD-2", "CC6.1-ACCESS", "CC8.1-CHANGE"} {
		if !seen[control] {
			t.Fatalf("expected control %s in derived set", control)
		}
	}
}

func TestDeriveIsIdempotentOnControlSet(t *testing.T) {
	t.Parallel()

	store := &fakeRequirementStore{
		bu: models.BusinessUnit{ID: "bu-1", FrameworkSelections: []string{"owasp_llm"}},
	}
	first, err := DeriveFrameworkRequirements(context.Background(), store, "bu-1")
	if err != nil {
		t.Fatalf("first derive: %v", err)
	}
	second, err := DeriveFrameworkRequirements(context.Background(), store, "bu-1")
	if err != nil {
		t.Fatalf("second derive: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("row count changed across derivations: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ControlID != second[i].ControlID || first[i].RequirementLevel != second[i].RequirementLevel {
			t.Fatalf("control set changed: %+v vs %+v", first[i], second[i])
		}
	}
}

func TestDeriveUnknownFrameworkRejected(t *testing.T) {
	t.Parallel()

	store := &fakeRequirementStore{
		bu: models.BusinessUnit{ID: "bu-1", FrameworkSelections: []string{"slsa", "pci_dss"}},
	}
	if _, err := DeriveFrameworkRequirements(context.Background(), store, "bu-1"); err == nil {
		t.Fatal("unknown framework must be rejected")
	}
	if len(store.replaced) != 0 {
		t.Fatal("nothing may be persisted when derivation fails")
	}
}

func TestFrameworksSorted(t *testing.T) {
	t.Parallel()

	keys := Frameworks()
	if len(keys) != 4 {
		t.Fatalf("expected 4 frameworks, got %v", keys)
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Fatalf("framework keys not sorted: %v", keys)
		}
	}
}
