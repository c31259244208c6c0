package resolver

import (
	"context"
	"fmt"
	"sort"

	"ladder/pkg/models"

	"github.com/google/uuid"
)

// FrameworkControl is one entry of the built-in framework catalogue.
type FrameworkControl struct {
	ControlID        string
	Transitions      []string
	RequirementLevel string
	EvidenceType     string
}

// frameworkCatalogue maps a framework selection key to the controls it
// imposes. Transition keys use the standard ladder; "*" applies everywhere.
var frameworkCatalogue = map[string][]FrameworkControl{
	"slsa": {
		{ControlID: "SLSA-PROV-1", Transitions: []string{"*"}, RequirementLevel: models.LevelMandatory, EvidenceType: "provenance_attestation"},
		{ControlID: "SLSA-BUILD-2", Transitions: []string{"dev->preprod", "preprod->prod"}, RequirementLevel: models.LevelMandatory, EvidenceType: "build_log"},
		{ControlID: "SLSA-SRC-1", Transitions: []string{"preprod->prod"}, RequirementLevel: models.LevelRecommended, EvidenceType: "source_review"},
	},
	"owasp_llm": {
		{ControlID: "LLM-01-PROMPT-INJ", Transitions: []string{"*"}, RequirementLevel: models.LevelMandatory, EvidenceType: "test_report"},
		{ControlID: "LLM-02-OUTPUT-HANDLING", Transitions: []string{"dev->preprod", "preprod->prod"}, RequirementLevel: models.LevelMandatory, EvidenceType: "test_report"},
		{ControlID: "LLM-06-EXCESSIVE-AGENCY", Transitions: []string{"preprod->prod"}, RequirementLevel: models.LevelMandatory, EvidenceType: "autonomy_review"},
		{ControlID: "LLM-09-OVERRELIANCE", Transitions: []string{"preprod->prod"}, RequirementLevel: models.LevelRecommended, EvidenceType: "oversight_plan"},
	},
	"soc2": {
		{ControlID: "CC6.1-ACCESS", Transitions: []string{"*"}, RequirementLevel: models.LevelMandatory, EvidenceType: "access_review"},
		{ControlID: "CC7.2-MONITORING", Transitions: []string{"preprod->prod"}, RequirementLevel: models.LevelMandatory, EvidenceType: "monitoring_config"},
		{ControlID: "CC8.1-CHANGE", Transitions: []string{"dev->preprod", "preprod->prod"}, RequirementLevel: models.LevelMandatory, EvidenceType: "change_approval"},
	},
	"nist_ssdf": {
		{ControlID: "PW.4-REUSE", Transitions: []string{"*"}, RequirementLevel: models.LevelRecommended, EvidenceType: "sca_report"},
		{ControlID: "PW.7-REVIEW", Transitions: []string{"dev->preprod", "preprod->prod"}, RequirementLevel: models.LevelMandatory, EvidenceType: "code_review"},
		{ControlID: "RV.1-VULN", Transitions: []string{"*"}, RequirementLevel: models.LevelMandatory, EvidenceType: "scan_report"},
	},
}

// Frameworks lists the catalogue's framework keys, sorted.
func Frameworks() []string {
	keys := make([]string, 0, len(frameworkCatalogue))
	for k := range frameworkCatalogue {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RequirementStore is the persistence boundary for BU derivation.
type RequirementStore interface {
	BusinessUnit(ctx context.Context, businessUnitID string) (models.BusinessUnit, error)
	ReplaceFrameworkRequirements(ctx context.Context, businessUnitID string, reqs []models.FrameworkRequirement) error
}

// DeriveFrameworkRequirements rebuilds a BU's requirement rows from its
// framework selections. Re-deriving deletes and recreates every row, so the
// operation is idempotent apart from freshly minted requirement ids. Unknown
// framework selections are rejected rather than silently skipped.
func DeriveFrameworkRequirements(ctx context.Context, store RequirementStore, businessUnitID string) ([]models.FrameworkRequirement, error) {
	bu, err := store.BusinessUnit(ctx, businessUnitID)
	if err != nil {
		return nil, fmt.Errorf("derive framework requirements: %w", err)
	}
	reqs := make([]models.FrameworkRequirement, 0)
	for _, framework := range bu.FrameworkSelections {
		controls, ok := frameworkCatalogue[framework]
		if !ok {
			return nil, fmt.Errorf("derive framework requirements: unknown framework %q", framework)
		}
		for _, control := range controls {
			reqs = append(reqs, models.FrameworkRequirement{
				RequirementID:        uuid.New().String(),
				BusinessUnitID:       bu.ID,
				Framework:            framework,
				ControlID:            control.ControlID,
				AppliesToTransitions: append([]string(nil), control.Transitions...),
				RequirementLevel:     control.RequirementLevel,
				EvidenceType:         control.EvidenceType,
			})
		}
	}
	if err := store.ReplaceFrameworkRequirements(ctx, bu.ID, reqs); err != nil {
		return nil, fmt.Errorf("derive framework requirements: %w", err)
	}
	return reqs, nil
}
