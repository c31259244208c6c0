package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// The three compile inputs are stored as JSON documents. Decoding rejects
// unknown keys so a typo in a policy document surfaces as an error instead
// of silently dropping a control.

type OrgBaseline struct {
	BaselineID string          `json:"baseline_id"`
	OrgID      string          `json:"org_id"`
	Name       string          `json:"name"`
	Document   OrgBaselineDoc  `json:"document"`
	CreatedAt  time.Time       `json:"created_at"`
}

type OrgBaselineDoc struct {
	Security              SecuritySection            `json:"security"`
	Safety                SafetySection              `json:"safety"`
	Reliability           ReliabilitySection         `json:"reliability"`
	Accountability        AccountabilitySection      `json:"accountability"`
	Society               SocietySection             `json:"society"`
	FrameworkRequirements []FrameworkFloorRequirement `json:"framework_requirements,omitempty"`
}

type SecuritySection struct {
	RequiredControls      []string `json:"required_controls"`
	ProhibitedPatterns    []string `json:"prohibited_patterns"`
	OutboundAllowlist     []string `json:"outbound_allowlist"`
	PublicEgressForbidden bool     `json:"public_egress_forbidden"`
}

type SafetySection struct {
	AutonomyMode        string   `json:"autonomy_mode"`
	AllowedActions      []string `json:"allowed_actions"`
	BlockedActions      []string `json:"blocked_actions"`
	ApprovalRequiredFor []string `json:"approval_required_for"`
}

type ReliabilitySection struct {
	RequiredTests              []string          `json:"required_tests"`
	ChangeReassessmentTriggers []string          `json:"change_reassessment_triggers"`
	RemediationDefault         string            `json:"remediation_default"`
	RemediationRules           []RemediationRule `json:"remediation_rules,omitempty"`
}

type AccountabilitySection struct {
	ApprovalCheckpoints   []ApprovalCheckpoint `json:"approval_checkpoints"`
	EvidenceRetentionDays int                  `json:"evidence_retention_days,omitempty"`
}

type SocietySection struct {
	ResponsibleAI *ResponsibleAI `json:"responsible_ai,omitempty"`
}

// FrameworkFloorRequirement is an org-wide floor control that every BU
// framework selection is merged against.
type FrameworkFloorRequirement struct {
	ControlID        string `json:"control_id"`
	Framework        string `json:"framework"`
	RequirementLevel string `json:"requirement_level"`
	EvidenceType     string `json:"evidence_type"`
}

type AppSpec struct {
	SpecID    string     `json:"spec_id"`
	ProjectID string     `json:"project_id"`
	Document  AppSpecDoc `json:"document"`
	CreatedAt time.Time  `json:"created_at"`
}

type AppSpecDoc struct {
	Architecture        ArchitectureSpec `json:"architecture"`
	SecurityControls    []string         `json:"security_controls"`
	DataClassifications []string         `json:"data_classifications"`
	ResidencyRegions    []string         `json:"residency_regions,omitempty"`
	PIIAllowed          bool             `json:"pii_allowed"`
	DeclaredEgressHosts []string         `json:"declared_egress_hosts"`
	Tools               []string         `json:"tools"`
	Models              []string         `json:"models"`
}

type ArchitectureSpec struct {
	Style      string   `json:"style"`
	Components []string `json:"components"`
}

type EnvironmentProfile struct {
	ProfileID   string                `json:"profile_id"`
	ProjectID   string                `json:"project_id"`
	Environment string                `json:"environment"`
	Document    EnvironmentProfileDoc `json:"document"`
	CreatedAt   time.Time             `json:"created_at"`
}

type EnvironmentProfileDoc struct {
	AutonomyMode          string   `json:"autonomy_mode,omitempty"`
	AllowedCapabilities   []string `json:"allowed_capabilities"`
	BlockedCapabilities   []string `json:"blocked_capabilities"`
	ApprovalCapabilities  []string `json:"approval_capabilities,omitempty"`
	OutboundAllowlist     []string `json:"outbound_allowlist,omitempty"`
	PublicEgressForbidden *bool    `json:"public_egress_forbidden,omitempty"`
}

func DecodeOrgBaselineDoc(raw json.RawMessage) (OrgBaselineDoc, error) {
	var doc OrgBaselineDoc
	if err := decodeStrict(raw, &doc); err != nil {
		return OrgBaselineDoc{}, fmt.Errorf("org baseline document: %w", err)
	}
	return doc, nil
}

func DecodeAppSpecDoc(raw json.RawMessage) (AppSpecDoc, error) {
	var doc AppSpecDoc
	if err := decodeStrict(raw, &doc); err != nil {
		return AppSpecDoc{}, fmt.Errorf("app spec document: %w", err)
	}
	return doc, nil
}

func DecodeEnvironmentProfileDoc(raw json.RawMessage) (EnvironmentProfileDoc, error) {
	var doc EnvironmentProfileDoc
	if err := decodeStrict(raw, &doc); err != nil {
		return EnvironmentProfileDoc{}, fmt.Errorf("environment profile document: %w", err)
	}
	return doc, nil
}

func decodeStrict(raw json.RawMessage, out interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}
