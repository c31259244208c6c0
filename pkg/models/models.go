package models

import (
	"strings"
	"time"
)

// Requirement levels, strictest first.
const (
	LevelMandatory   = "mandatory"
	LevelRecommended = "recommended"
)

// Resolved requirement sources.
const (
	SourceOrgBaseline = "org_baseline"
	SourceBUFramework = "bu_framework"
)

// Rule evaluation results.
const (
	ResultPass      = "pass"
	ResultFail      = "fail"
	ResultSkip      = "skip"
	ResultWarn      = "warn"
	ResultException = "exception"
)

// Gate evaluation statuses.
const (
	StatusPassed       = "passed"
	StatusFailed       = "failed"
	StatusPartial      = "partial"
	StatusNotEvaluated = "not_evaluated"
)

// Action decisions.
const (
	DecisionAllow            = "allow"
	DecisionBlock            = "block"
	DecisionApprovalRequired = "approval_required"
)

// TransitionWildcard matches every environment transition.
const TransitionWildcard = "*"

// EnvironmentLadder lists the promotion stages in order. Promotions move
// one stage at a time; there is no skip-level path.
var EnvironmentLadder = []string{"sandbox", "dev", "preprod", "prod"}

// ValidTransition reports whether source and target are adjacent ladder
// stages in the promotion direction.
func ValidTransition(sourceEnv, targetEnv string) bool {
	for i := 0; i < len(EnvironmentLadder)-1; i++ {
		if EnvironmentLadder[i] == sourceEnv && EnvironmentLadder[i+1] == targetEnv {
			return true
		}
	}
	return false
}

// TransitionKey builds the canonical "source->target" key.
func TransitionKey(sourceEnv, targetEnv string) string {
	return sourceEnv + "->" + targetEnv
}

type Project struct {
	ID                  string `json:"id"`
	OrgID               string `json:"org_id,omitempty"`
	BusinessUnitID      string `json:"business_unit_id,omitempty"`
	Name                string `json:"name"`
	AIEnabled           bool   `json:"ai_enabled"`
	BusinessCriticality string `json:"business_criticality,omitempty"`
	CurrentEnvironment  string `json:"current_environment,omitempty"`
}

type BusinessUnit struct {
	ID                  string   `json:"id"`
	OrgID               string   `json:"org_id"`
	Name                string   `json:"name"`
	FrameworkSelections []string `json:"framework_selections"`
}

type FrameworkRequirement struct {
	RequirementID        string   `json:"requirement_id"`
	BusinessUnitID       string   `json:"bu_id"`
	Framework            string   `json:"framework"`
	ControlID            string   `json:"control_id"`
	AppliesToTransitions []string `json:"applies_to_transitions"`
	RequirementLevel     string   `json:"requirement_level"`
	EvidenceType         string   `json:"evidence_type"`
}

// AppliesTo reports whether the requirement covers the given transition key.
func (f FrameworkRequirement) AppliesTo(transition string) bool {
	for _, t := range f.AppliesToTransitions {
		if t == TransitionWildcard || t == transition {
			return true
		}
	}
	return false
}

// ResolvedRequirement is one control obligation after merging org-floor and
// BU-framework sources for a transition.
type ResolvedRequirement struct {
	ControlID        string `json:"control_id"`
	Framework        string `json:"framework"`
	RequirementLevel string `json:"requirement_level"`
	EvidenceType     string `json:"evidence_type"`
	Source           string `json:"source"`
	Transition       string `json:"transition"`
}

// StricterLevel returns the stricter of two requirement levels.
func StricterLevel(a, b string) string {
	if a == LevelMandatory || b == LevelMandatory {
		return LevelMandatory
	}
	return LevelRecommended
}

// CompiledContextPackage is the canonical policy snapshot for one project.
type CompiledContextPackage struct {
	PackageID                  string                  `json:"package_id"`
	ProjectID                  string                  `json:"project_id"`
	CompiledFrom               CompiledFrom            `json:"compiled_from"`
	Integrity                  Integrity               `json:"integrity"`
	AutonomyPolicy             AutonomyPolicy          `json:"autonomy_policy"`
	SecurityRequirements       SecurityRequirements    `json:"security_requirements"`
	ResponsibleAIRequirements  *ResponsibleAI          `json:"responsible_ai_requirements,omitempty"`
	NetworkRequirements        NetworkRequirements     `json:"network_requirements"`
	DataHandlingRequirements   DataHandling            `json:"data_handling_requirements"`
	ToolAndModelConstraints    ToolAndModelConstraints `json:"tool_and_model_constraints"`
	RequiredTests              []string                `json:"required_tests"`
	ApprovalCheckpoints        []ApprovalCheckpoint    `json:"approval_checkpoints"`
	EvidenceRequirements       []EvidenceRequirement   `json:"evidence_requirements"`
	ChangeReassessmentTriggers []string                `json:"change_reassessment_triggers"`
	RemediationEligibility     AutonomousRemediation   `json:"autonomous_remediation_eligibility"`
	AppliedExceptionIDs        []string                `json:"applied_exception_ids,omitempty"`
}

type CompiledFrom struct {
	OrgBaselineID        string `json:"org_baseline_id"`
	AppSpecID            string `json:"app_spec_id"`
	EnvironmentProfileID string `json:"environment_profile_id"`
}

type Integrity struct {
	Signed     bool              `json:"signed"`
	Hash       string            `json:"hash"`
	HashAlg    string            `json:"hash_alg"`
	CompiledAt time.Time         `json:"compiled_at"`
	Signature  *PackageSignature `json:"signature,omitempty"`
}

// PackageSignature is an ed25519 attestation over the package identity
// binding. It is excluded from the integrity hash.
type PackageSignature struct {
	KeyID  string `json:"key_id"`
	Signer string `json:"signer"`
	Alg    string `json:"alg"`
	Sig    string `json:"sig"`
}

type AutonomyPolicy struct {
	Mode                string   `json:"mode"`
	AllowedActions      []string `json:"allowed_actions"`
	BlockedActions      []string `json:"blocked_actions"`
	ApprovalRequiredFor []string `json:"approval_required_for"`
}

type SecurityRequirements struct {
	RequiredControls   []string `json:"required_controls"`
	ProhibitedPatterns []string `json:"prohibited_patterns"`
}

type ResponsibleAI struct {
	ModelCardRequired       bool     `json:"model_card_required"`
	EvalSuiteRequired       bool     `json:"eval_suite_required"`
	HumanOversightRequired  bool     `json:"human_oversight_required"`
	ProhibitedUseCategories []string `json:"prohibited_use_categories,omitempty"`
}

type NetworkRequirements struct {
	OutboundAllowlist     []string `json:"outbound_allowlist"`
	PublicEgressForbidden bool     `json:"public_egress_forbidden"`
}

type DataHandling struct {
	Classifications  []string `json:"classifications"`
	ResidencyRegions []string `json:"residency_regions,omitempty"`
	RetentionDays    int      `json:"retention_days,omitempty"`
	PIIAllowed       bool     `json:"pii_allowed"`
}

type ToolAndModelConstraints struct {
	AllowedTools  []string `json:"allowed_tools"`
	AllowedModels []string `json:"allowed_models"`
}

type ApprovalCheckpoint struct {
	CheckpointID  string   `json:"checkpoint_id"`
	Trigger       string   `json:"trigger"`
	RequiredRoles []string `json:"required_roles"`
}

type EvidenceRequirement struct {
	ControlID        string `json:"control_id"`
	Framework        string `json:"framework"`
	RequirementLevel string `json:"requirement_level"`
	EvidenceType     string `json:"evidence_type"`
}

type AutonomousRemediation struct {
	Default string            `json:"default"`
	Rules   []RemediationRule `json:"rules"`
}

type RemediationRule struct {
	Condition string `json:"condition"`
	Eligible  bool   `json:"eligible"`
}

// PromotionGate guards one environment transition. ProjectID empty means
// org-wide default; a concrete ProjectID overrides the default for that
// project only.
type PromotionGate struct {
	GateID            string               `json:"gate_id"`
	SourceEnvironment string               `json:"source_environment"`
	TargetEnvironment string               `json:"target_environment"`
	ProjectID         string               `json:"project_id,omitempty"`
	Rules             []GateRuleDefinition `json:"rules"`
}

type GateRuleDefinition struct {
	RuleID      string                 `json:"rule_id"`
	RuleType    string                 `json:"rule_type"`
	Description string                 `json:"description"`
	Required    bool                   `json:"required"`
	Threshold   *float64               `json:"threshold,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	AIOnly      bool                   `json:"ai_only"`
}

type RuleEvaluationResult struct {
	RuleID      string                 `json:"rule_id"`
	RuleType    string                 `json:"rule_type"`
	Result      string                 `json:"result"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	ExceptionID string                 `json:"exception_id,omitempty"`
}

type GateEvaluation struct {
	EvaluationID      string                 `json:"evaluation_id"`
	ProjectID         string                 `json:"project_id"`
	GateID            string                 `json:"gate_id"`
	SourceEnvironment string                 `json:"source_environment"`
	TargetEnvironment string                 `json:"target_environment"`
	Status            string                 `json:"status"`
	RuleResults       []RuleEvaluationResult `json:"rule_results"`
	PassedCount       int                    `json:"passed_count"`
	FailedCount       int                    `json:"failed_count"`
	SkippedCount      int                    `json:"skipped_count"`
	TotalCount        int                    `json:"total_count"`
	ProgressPct       float64                `json:"progress_pct"`
	Blockers          []string               `json:"blockers"`
	EvaluatedAt       time.Time              `json:"evaluated_at"`
}

type PipelineStage struct {
	Key         string `json:"key"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Order       int    `json:"order"`
}

type PromotionPipeline struct {
	PipelineID string          `json:"pipeline_id"`
	OrgID      string          `json:"org_id,omitempty"`
	Name       string          `json:"name"`
	Stages     []PipelineStage `json:"stages"`
	IsDefault  bool            `json:"is_default"`
}

// Exception is a time-boxed, approved suppression of an otherwise-failing
// rule or blocked action.
type Exception struct {
	ExceptionID  string    `json:"exception_id"`
	ProjectID    string    `json:"project_id"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason"`
	ApprovedBy   string    `json:"approved_by"`
	Environments []string  `json:"environments"`
	RuleIDs      []string  `json:"rule_ids,omitempty"`
	ControlIDs   []string  `json:"control_ids,omitempty"`
	Actions      []string  `json:"actions,omitempty"`
	Patterns     []string  `json:"patterns,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ActiveAt reports whether the exception is approved, unrevoked and unexpired.
func (e Exception) ActiveAt(now time.Time) bool {
	if !strings.EqualFold(e.Status, "active") {
		return false
	}
	return e.ExpiresAt.IsZero() || now.Before(e.ExpiresAt)
}

// CoversEnvironment reports whether the exception scope includes the target
// environment. An empty scope or wildcard covers every environment.
func (e Exception) CoversEnvironment(env string) bool {
	if len(e.Environments) == 0 {
		return true
	}
	for _, scoped := range e.Environments {
		if scoped == TransitionWildcard || strings.EqualFold(scoped, env) {
			return true
		}
	}
	return false
}

// CoversRule reports whether the exception suppresses the given rule, either
// by rule id or by any of the control ids the rule is checking.
func (e Exception) CoversRule(ruleID string, controlIDs ...string) bool {
	for _, id := range e.RuleIDs {
		if id == ruleID {
			return true
		}
	}
	for _, scoped := range e.ControlIDs {
		for _, id := range controlIDs {
			if id != "" && scoped == id {
				return true
			}
		}
	}
	return false
}

type Finding struct {
	FindingID string    `json:"finding_id"`
	ProjectID string    `json:"project_id"`
	Source    string    `json:"source"`
	Severity  string    `json:"severity"`
	Status    string    `json:"status"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

type EvidencePackage struct {
	EvidenceID   string    `json:"evidence_id"`
	ProjectID    string    `json:"project_id"`
	ControlID    string    `json:"control_id"`
	Framework    string    `json:"framework,omitempty"`
	EvidenceType string    `json:"evidence_type"`
	Status       string    `json:"status"`
	CollectedAt  time.Time `json:"collected_at"`
}

type ApprovalRequest struct {
	ApprovalID   string     `json:"approval_id"`
	ProjectID    string     `json:"project_id"`
	CheckpointID string     `json:"checkpoint_id"`
	Role         string     `json:"role"`
	Status       string     `json:"status"`
	DecidedBy    string     `json:"decided_by,omitempty"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
}

type CoverageReport struct {
	ProjectID   string    `json:"project_id"`
	Suite       string    `json:"suite"`
	CoveragePct float64   `json:"coverage_pct"`
	PassRate    float64   `json:"pass_rate"`
	ReportedAt  time.Time `json:"reported_at"`
}

// ActionDecision is the Local Policy Engine's answer for one action.
type ActionDecision struct {
	Decision  string `json:"decision"`
	Reason    string `json:"reason"`
	PolicyRef string `json:"policy_ref"`
}

// Violation is one prohibited-pattern match in a diff.
type Violation struct {
	Pattern     string `json:"pattern"`
	Description string `json:"description"`
	Line        int    `json:"line"`
	Snippet     string `json:"snippet"`
}

// PolicyResult is the network egress answer.
type PolicyResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}
