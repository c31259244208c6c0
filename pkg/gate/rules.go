package gate

import (
	"context"
	"fmt"
	"time"

	"ladder/pkg/models"
)

// Rule types. The set is closed: a gate referencing anything else is a
// configuration bug and aborts the whole evaluation.
const (
	RuleCriticalFindingsZero          = "critical_findings_zero"
	RuleHighFindingsBelowThreshold    = "high_findings_below_threshold"
	RuleMediumFindingsBelowThreshold  = "medium_findings_below_threshold"
	RuleSASTScanCompleted             = "sast_scan_completed"
	RuleSCAScanCompleted              = "sca_scan_completed"
	RuleContainerScanCompleted        = "container_scan_completed"
	RuleSecretsScanClean              = "secrets_scan_clean"
	RuleDependencyVulnsBelowThreshold = "dependency_vulns_below_threshold"

	RuleOrgBaselineAttached       = "org_baseline_attached"
	RuleAppSpecCurrent            = "app_spec_current"
	RuleEnvironmentProfileDefined = "environment_profile_defined"
	RuleContextPackageCompiled    = "context_package_compiled"
	RuleContextPackageFresh       = "context_package_fresh"
	RuleAutonomyPolicyCompiled    = "autonomy_policy_compiled"

	RuleUnitTestCoverage        = "unit_test_coverage"
	RuleIntegrationTestsPassing = "integration_tests_passing"
	RuleE2ETestsPassing         = "e2e_tests_passing"
	RuleLoadTestsPassing        = "load_tests_passing"
	RuleRegressionTestsPassing  = "regression_tests_passing"
	RuleSmokeTestsPassing       = "smoke_tests_passing"

	RuleSecurityReviewApproved      = "security_review_approved"
	RuleChangeApprovalGranted       = "change_approval_granted"
	RuleReleaseSignoffGranted       = "release_signoff_granted"
	RuleArchitectureReviewApproved  = "architecture_review_approved"
	RuleDataOwnerApprovalGranted    = "data_owner_approval_granted"

	RuleFrameworkControlRequired    = "framework_control_required"
	RuleMandatoryControlsEvidenced  = "mandatory_controls_evidenced"
	RuleEvidencePackageComplete     = "evidence_package_complete"
	RuleProvenanceAttested          = "provenance_attested"
	RuleSBOMPublished               = "sbom_published"

	RuleRollbackPlanDocumented      = "rollback_plan_documented"
	RuleMonitoringConfigured        = "monitoring_configured"
	RuleSLODefined                  = "slo_defined"
	RuleOncallRotationAssigned      = "oncall_rotation_assigned"
	RuleRunbookPublished            = "runbook_published"
	RuleBackupPolicyDefined         = "backup_policy_defined"
	RuleIncidentResponsePlanCurrent = "incident_response_plan_current"

	RuleDataClassificationDeclared     = "data_classification_declared"
	RuleResidencyConstraintsDeclared   = "residency_constraints_declared"
	RulePIIAccessReviewed              = "pii_access_reviewed"

	RuleModelCardDocumented      = "model_card_documented"
	RulePromptInjectionTested    = "prompt_injection_tested"
	RuleAIEvalSuitePassing       = "ai_eval_suite_passing"
	RuleHumanOversightConfigured = "human_oversight_configured"
	RuleAgentActionPolicyDefined = "agent_action_policy_defined"
	RuleModelAllowlistEnforced   = "model_allowlist_enforced"
)

// Outcome is one checker's verdict before exception suppression.
type Outcome struct {
	Pass       bool
	Message    string
	Details    map[string]interface{}
	ControlIDs []string
}

// CheckContext carries the project state a checker may consult.
type CheckContext struct {
	Project           models.Project
	SourceEnvironment string
	TargetEnvironment string
	Transition        string
	Now               time.Time
	State             StateReader
	Requirements      RequirementResolver
}

// Checker evaluates one rule type against current project state.
type Checker interface {
	Check(ctx context.Context, rule models.GateRuleDefinition, env *CheckContext) (Outcome, error)
}

// RuleSet is the closed dispatch table from rule type to checker.
type RuleSet map[string]Checker

// DefaultRuleSet registers every known rule type.
func DefaultRuleSet() RuleSet {
	rs := RuleSet{}

	rs[RuleCriticalFindingsZero] = &findingsBySeverityChecker{severity: "critical"}
	rs[RuleHighFindingsBelowThreshold] = &findingsBySeverityChecker{severity: "high"}
	rs[RuleMediumFindingsBelowThreshold] = &findingsBySeverityChecker{severity: "medium"}
	rs[RuleSASTScanCompleted] = &scanRecencyChecker{source: "sast"}
	rs[RuleSCAScanCompleted] = &scanRecencyChecker{source: "sca"}
	rs[RuleContainerScanCompleted] = &scanRecencyChecker{source: "container"}
	rs[RuleSecretsScanClean] = &cleanScanChecker{source: "secrets"}
	rs[RuleDependencyVulnsBelowThreshold] = &findingsBySourceChecker{source: "sca"}

	rs[RuleOrgBaselineAttached] = &documentChecker{kind: "org_baseline"}
	rs[RuleAppSpecCurrent] = &documentChecker{kind: "app_spec"}
	rs[RuleEnvironmentProfileDefined] = &documentChecker{kind: "environment_profile"}
	rs[RuleContextPackageCompiled] = &packageChecker{}
	rs[RuleContextPackageFresh] = &packageChecker{maxAgeDays: 30}
	rs[RuleAutonomyPolicyCompiled] = &packagePredicateChecker{
		name: "autonomy policy",
		pred: func(pkg *models.CompiledContextPackage) bool { return pkg.AutonomyPolicy.Mode != "" },
	}

	rs[RuleUnitTestCoverage] = &coverageChecker{suite: "unit", defaultThreshold: 80}
	rs[RuleIntegrationTestsPassing] = &suitePassChecker{suite: "integration"}
	rs[RuleE2ETestsPassing] = &suitePassChecker{suite: "e2e"}
	rs[RuleLoadTestsPassing] = &suitePassChecker{suite: "load"}
	rs[RuleRegressionTestsPassing] = &suitePassChecker{suite: "regression"}
	rs[RuleSmokeTestsPassing] = &suitePassChecker{suite: "smoke"}

	rs[RuleSecurityReviewApproved] = &approvalChecker{checkpoint: "security_review", roles: []string{"security"}}
	rs[RuleChangeApprovalGranted] = &approvalChecker{checkpoint: "change_approval", roles: []string{"change_manager", "release_manager"}}
	rs[RuleReleaseSignoffGranted] = &approvalChecker{checkpoint: "release_signoff", roles: []string{"release_manager"}}
	rs[RuleArchitectureReviewApproved] = &approvalChecker{checkpoint: "architecture_review", roles: []string{"architect"}}
	rs[RuleDataOwnerApprovalGranted] = &approvalChecker{checkpoint: "data_owner_approval", roles: []string{"data_owner"}}

	rs[RuleFrameworkControlRequired] = &frameworkControlChecker{}
	rs[RuleMandatoryControlsEvidenced] = &mandatoryControlsChecker{}
	rs[RuleEvidencePackageComplete] = &evidencePackageChecker{}
	rs[RuleProvenanceAttested] = &evidenceChecker{evidenceType: "provenance_attestation"}
	rs[RuleSBOMPublished] = &evidenceChecker{evidenceType: "sbom"}

	rs[RuleRollbackPlanDocumented] = &evidenceChecker{evidenceType: "rollback_plan"}
	rs[RuleMonitoringConfigured] = &evidenceChecker{evidenceType: "monitoring_config"}
	rs[RuleSLODefined] = &evidenceChecker{evidenceType: "slo_definition"}
	rs[RuleOncallRotationAssigned] = &evidenceChecker{evidenceType: "oncall_rotation"}
	rs[RuleRunbookPublished] = &evidenceChecker{evidenceType: "runbook"}
	rs[RuleBackupPolicyDefined] = &evidenceChecker{evidenceType: "backup_policy"}
	rs[RuleIncidentResponsePlanCurrent] = &evidenceChecker{evidenceType: "incident_response_plan"}

	rs[RuleDataClassificationDeclared] = &packagePredicateChecker{
		name: "data classifications",
		pred: func(pkg *models.CompiledContextPackage) bool { return len(pkg.DataHandlingRequirements.Classifications) > 0 },
	}
	rs[RuleResidencyConstraintsDeclared] = &packagePredicateChecker{
		name: "residency constraints",
		pred: func(pkg *models.CompiledContextPackage) bool { return len(pkg.DataHandlingRequirements.ResidencyRegions) > 0 },
	}
	rs[RulePIIAccessReviewed] = &evidenceChecker{evidenceType: "access_review"}

	rs[RuleModelCardDocumented] = &evidenceChecker{evidenceType: "model_card"}
	rs[RulePromptInjectionTested] = &evidenceChecker{evidenceType: "prompt_injection_report"}
	rs[RuleAIEvalSuitePassing] = &suitePassChecker{suite: "ai_eval"}
	rs[RuleHumanOversightConfigured] = &packagePredicateChecker{
		name: "human oversight",
		pred: func(pkg *models.CompiledContextPackage) bool {
			return pkg.ResponsibleAIRequirements != nil && pkg.ResponsibleAIRequirements.HumanOversightRequired && len(pkg.ApprovalCheckpoints) > 0
		},
	}
	rs[RuleAgentActionPolicyDefined] = &packagePredicateChecker{
		name: "agent action policy",
		pred: func(pkg *models.CompiledContextPackage) bool {
			return len(pkg.AutonomyPolicy.AllowedActions) > 0 || len(pkg.AutonomyPolicy.BlockedActions) > 0
		},
	}
	rs[RuleModelAllowlistEnforced] = &packagePredicateChecker{
		name: "model allowlist",
		pred: func(pkg *models.CompiledContextPackage) bool { return len(pkg.ToolAndModelConstraints.AllowedModels) > 0 },
	}

	return rs
}

type findingsBySeverityChecker struct{ severity string }

func (c *findingsBySeverityChecker) Check(ctx context.Context, rule models.GateRuleDefinition, env *CheckContext) (Outcome, error) {
	maxOpen := 0
	if rule.Threshold != nil {
		maxOpen = int(*rule.Threshold)
	}
	count, err := env.State.OpenFindingCount(ctx, env.Project.ID, c.severity)
	if err != nil {
		return Outcome{}, err
	}
	details := map[string]interface{}{"severity": c.severity, "open": count, "max_allowed": maxOpen}
	if count > maxOpen {
		return Outcome{
			Message: fmt.Sprintf("%d open %s finding(s), at most %d allowed", count, c.severity, maxOpen),
			Details: details,
		}, nil
	}
	return Outcome{Pass: true, Message: fmt.Sprintf("%d open %s finding(s) within limit %d", count, c.severity, maxOpen), Details: details}, nil
}

type findingsBySourceChecker struct{ source string }

func (c *findingsBySourceChecker) Check(ctx context.Context, rule models.GateRuleDefinition, env *CheckContext) (Outcome, error) {
	maxOpen := 0
	if rule.Threshold != nil {
		maxOpen = int(*rule.Threshold)
	}
	count, err := env.State.OpenFindingCountBySource(ctx, env.Project.ID, c.source)
	if err != nil {
		return Outcome{}, err
	}
	details := map[string]interface{}{"source": c.source, "open": count, "max_allowed": maxOpen}
	if count > maxOpen {
		return Outcome{
			Message: fmt.Sprintf("%d open %s finding(s), at most %d allowed", count, c.source, maxOpen),
			Details: details,
		}, nil
	}
	return Outcome{Pass: true, Message: fmt.Sprintf("%d open %s finding(s) within limit %d", count, c.source, maxOpen), Details: details}, nil
}

type scanRecencyChecker struct{ source string }

func (c *scanRecencyChecker) Check(ctx context.Context, rule models.GateRuleDefinition, env *CheckContext) (Outcome, error) {
	window := paramDays(rule.Parameters, "max_age_days", 7)
	ok, err := env.State.ScanCompletedWithin(ctx, env.Project.ID, c.source, env.Now.Add(-window))
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{Message: fmt.Sprintf("no %s scan completed within %s", c.source, window)}, nil
	}
	return Outcome{Pass: true, Message: fmt.Sprintf("%s scan completed within %s", c.source, window)}, nil
}

// cleanScanChecker requires both a recent scan and zero open findings from it.
type cleanScanChecker struct{ source string }

func (c *cleanScanChecker) Check(ctx context.Context, rule models.GateRuleDefinition, env *CheckContext) (Outcome, error) {
	window := paramDays(rule.Parameters, "max_age_days", 7)
	ok, err := env.State.ScanCompletedWithin(ctx, env.Project.ID, c.source, env.Now.Add(-window))
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{Message: fmt.Sprintf("no %s scan completed within %s", c.source, window)}, nil
	}
	count, err := env.State.OpenFindingCountBySource(ctx, env.Project.ID, c.source)
	if err != nil {
		return Outcome{}, err
	}
	if count > 0 {
		return Outcome{Message: fmt.Sprintf("%d open %s finding(s)", count, c.source), Details: map[string]interface{}{"open": count}}, nil
	}
	return Outcome{Pass: true, Message: fmt.Sprintf("%s scan clean", c.source)}, nil
}

type documentChecker struct{ kind string }

func (c *documentChecker) Check(ctx context.Context, rule models.GateRuleDefinition, env *CheckContext) (Outcome, error) {
	var (
		attached bool
		err      error
	)
	switch c.kind {
	case "org_baseline":
		attached, err = env.State.HasOrgBaseline(ctx, env.Project.ID)
	case "app_spec":
		attached, err = env.State.HasAppSpec(ctx, env.Project.ID)
	case "environment_profile":
		attached, err = env.State.HasEnvironmentProfile(ctx, env.Project.ID)
	default:
		return Outcome{}, fmt.Errorf("unknown document kind %q", c.kind)
	}
	if err != nil {
		return Outcome{}, err
	}
	if !attached {
		return Outcome{Message: fmt.Sprintf("project has no %s", c.kind)}, nil
	}
	return Outcome{Pass: true, Message: fmt.Sprintf("%s attached", c.kind)}, nil
}

type packageChecker struct{ maxAgeDays int }

func (c *packageChecker) Check(ctx context.Context, rule models.GateRuleDefinition, env *CheckContext) (Outcome, error) {
	pkg, err := env.State.LatestContextPackage(ctx, env.Project.ID)
	if err != nil {
		return Outcome{}, err
	}
	if pkg == nil {
		return Outcome{Message: "no compiled context package"}, nil
	}
	if c.maxAgeDays > 0 {
		maxAge := paramDays(rule.Parameters, "max_age_days", c.maxAgeDays)
		age := env.Now.Sub(pkg.Integrity.CompiledAt)
		if age > maxAge {
			return Outcome{
				Message: fmt.Sprintf("context package %s is stale: compiled %s ago, limit %s", pkg.PackageID, age.Truncate(time.Hour), maxAge),
				Details: map[string]interface{}{"package_id": pkg.PackageID},
			}, nil
		}
	}
	return Outcome{Pass: true, Message: fmt.Sprintf("context package %s current", pkg.PackageID), Details: map[string]interface{}{"package_id": pkg.PackageID}}, nil
}

type packagePredicateChecker struct {
	name string
	pred func(*models.CompiledContextPackage) bool
}

func (c *packagePredicateChecker) Check(ctx context.Context, rule models.GateRuleDefinition, env *CheckContext) (Outcome, error) {
	pkg, err := env.State.LatestContextPackage(ctx, env.Project.ID)
	if err != nil {
		return Outcome{}, err
	}
	if pkg == nil {
		return Outcome{Message: fmt.Sprintf("%s not declared: no compiled context package", c.name)}, nil
	}
	if !c.pred(pkg) {
		return Outcome{Message: fmt.Sprintf("%s not declared in context package %s", c.name, pkg.PackageID)}, nil
	}
	return Outcome{Pass: true, Message: fmt.Sprintf("%s declared", c.name)}, nil
}

type coverageChecker struct {
	suite            string
	defaultThreshold float64
}

func (c *coverageChecker) Check(ctx context.Context, rule models.GateRuleDefinition, env *CheckContext) (Outcome, error) {
	threshold := c.defaultThreshold
	if rule.Threshold != nil {
		threshold = *rule.Threshold
	}
	report, err := env.State.CoverageReport(ctx, env.Project.ID, c.suite)
	if err != nil {
		return Outcome{}, err
	}
	if report == nil {
		return Outcome{Message: fmt.Sprintf("no %s coverage report", c.suite)}, nil
	}
	details := map[string]interface{}{"suite": c.suite, "coverage_pct": report.CoveragePct, "threshold": threshold}
	if report.CoveragePct < threshold {
		return Outcome{
			Message: fmt.Sprintf("%s coverage %.1f%% below threshold %.1f%%", c.suite, report.CoveragePct, threshold),
			Details: details,
		}, nil
	}
	return Outcome{Pass: true, Message: fmt.Sprintf("%s coverage %.1f%% meets threshold %.1f%%", c.suite, report.CoveragePct, threshold), Details: details}, nil
}

type suitePassChecker struct{ suite string }

func (c *suitePassChecker) Check(ctx context.Context, rule models.GateRuleDefinition, env *CheckContext) (Outcome, error) {
	required := 100.0
	if rule.Threshold != nil {
		required = *rule.Threshold
	}
	report, err := env.State.CoverageReport(ctx, env.Project.ID, c.suite)
	if err != nil {
		return Outcome{}, err
	}
	if report == nil {
		return Outcome{Message: fmt.Sprintf("no %s test report", c.suite)}, nil
	}
	details := map[string]interface{}{"suite": c.suite, "pass_rate": report.PassRate, "required": required}
	if report.PassRate < required {
		return Outcome{
			Message: fmt.Sprintf("%s pass rate %.1f%% below required %.1f%%", c.suite, report.PassRate, required),
			Details: details,
		}, nil
	}
	return Outcome{Pass: true, Message: fmt.Sprintf("%s tests passing at %.1f%%", c.suite, report.PassRate), Details: details}, nil
}

type approvalChecker struct {
	checkpoint string
	roles      []string
}

func (c *approvalChecker) Check(ctx context.Context, rule models.GateRuleDefinition, env *CheckContext) (Outcome, error) {
	granted, err := env.State.ApprovalGranted(ctx, env.Project.ID, c.checkpoint, c.roles)
	if err != nil {
		return Outcome{}, err
	}
	if !granted {
		return Outcome{Message: fmt.Sprintf("%s not granted by any of roles %v", c.checkpoint, c.roles)}, nil
	}
	return Outcome{Pass: true, Message: fmt.Sprintf("%s granted", c.checkpoint)}, nil
}

type evidenceChecker struct{ evidenceType string }

func (c *evidenceChecker) Check(ctx context.Context, rule models.GateRuleDefinition, env *CheckContext) (Outcome, error) {
	controlID := paramString(rule.Parameters, "control_id")
	ok, err := env.State.HasEvidence(ctx, env.Project.ID, controlID, c.evidenceType)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Pass: ok}
	if controlID != "" {
		out.ControlIDs = []string{controlID}
	}
	if !ok {
		out.Message = fmt.Sprintf("no %s evidence on file", c.evidenceType)
		return out, nil
	}
	out.Message = fmt.Sprintf("%s evidence on file", c.evidenceType)
	return out, nil
}

// frameworkControlChecker verifies that one resolved control obligation has
// backing evidence. The control id comes from rule parameters.
type frameworkControlChecker struct{}

func (c *frameworkControlChecker) Check(ctx context.Context, rule models.GateRuleDefinition, env *CheckContext) (Outcome, error) {
	controlID := paramString(rule.Parameters, "control_id")
	if controlID == "" {
		return Outcome{}, fmt.Errorf("rule %s: framework_control_required needs a control_id parameter", rule.RuleID)
	}
	resolved, err := env.Requirements.Resolve(ctx, env.Project.ID, env.SourceEnvironment, env.TargetEnvironment)
	if err != nil {
		return Outcome{}, err
	}
	for _, req := range resolved {
		if req.ControlID != controlID {
			continue
		}
		ok, err := env.State.HasEvidence(ctx, env.Project.ID, req.ControlID, req.EvidenceType)
		if err != nil {
			return Outcome{}, err
		}
		out := Outcome{Pass: ok, ControlIDs: []string{controlID}}
		if !ok {
			out.Message = fmt.Sprintf("control %s requires %s evidence", controlID, req.EvidenceType)
			return out, nil
		}
		out.Message = fmt.Sprintf("control %s evidenced", controlID)
		return out, nil
	}
	// Control not applicable to this transition: nothing to enforce.
	return Outcome{Pass: true, Message: fmt.Sprintf("control %s not required for %s", controlID, env.Transition), ControlIDs: []string{controlID}}, nil
}

// mandatoryControlsChecker requires evidence for every mandatory resolved
// requirement of the transition.
type mandatoryControlsChecker struct{}

func (c *mandatoryControlsChecker) Check(ctx context.Context, rule models.GateRuleDefinition, env *CheckContext) (Outcome, error) {
	resolved, err := env.Requirements.Resolve(ctx, env.Project.ID, env.SourceEnvironment, env.TargetEnvironment)
	if err != nil {
		return Outcome{}, err
	}
	var unmet []string
	var controls []string
	for _, req := range resolved {
		if req.RequirementLevel != models.LevelMandatory {
			continue
		}
		controls = append(controls, req.ControlID)
		ok, err := env.State.HasEvidence(ctx, env.Project.ID, req.ControlID, req.EvidenceType)
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			unmet = append(unmet, req.ControlID)
		}
	}
	details := map[string]interface{}{"mandatory": len(controls), "unmet": len(unmet)}
	if len(unmet) > 0 {
		return Outcome{
			Message:    fmt.Sprintf("%d mandatory control(s) without evidence: %v", len(unmet), unmet),
			Details:    details,
			ControlIDs: controls,
		}, nil
	}
	return Outcome{Pass: true, Message: fmt.Sprintf("all %d mandatory control(s) evidenced", len(controls)), Details: details, ControlIDs: controls}, nil
}

// evidencePackageChecker requires evidence for every evidence requirement
// carried by the latest compiled context package.
type evidencePackageChecker struct{}

func (c *evidencePackageChecker) Check(ctx context.Context, rule models.GateRuleDefinition, env *CheckContext) (Outcome, error) {
	pkg, err := env.State.LatestContextPackage(ctx, env.Project.ID)
	if err != nil {
		return Outcome{}, err
	}
	if pkg == nil {
		return Outcome{Message: "no compiled context package to check evidence against"}, nil
	}
	var unmet []string
	var controls []string
	for _, req := range pkg.EvidenceRequirements {
		controls = append(controls, req.ControlID)
		ok, err := env.State.HasEvidence(ctx, env.Project.ID, req.ControlID, req.EvidenceType)
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			unmet = append(unmet, req.ControlID)
		}
	}
	if len(unmet) > 0 {
		return Outcome{
			Message:    fmt.Sprintf("evidence package incomplete: %v", unmet),
			Details:    map[string]interface{}{"required": len(controls), "unmet": len(unmet)},
			ControlIDs: controls,
		}, nil
	}
	return Outcome{Pass: true, Message: fmt.Sprintf("evidence package complete (%d requirement(s))", len(controls)), ControlIDs: controls}, nil
}

func paramString(params map[string]interface{}, key string) string {
	if params == nil {
		return ""
	}
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func paramDays(params map[string]interface{}, key string, def int) time.Duration {
	days := def
	if params != nil {
		switch v := params[key].(type) {
		case float64:
			days = int(v)
		case int:
			days = v
		}
	}
	if days <= 0 {
		days = def
	}
	return time.Duration(days) * 24 * time.Hour
}
