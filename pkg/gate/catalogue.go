package gate

import (
	"context"
	"fmt"

	"ladder/pkg/models"
)

// SeedStore is the persistence boundary for catalogue seeding.
// InsertGateIfAbsent must be idempotent on gate id; SetDefaultPipeline must
// clear every other default before setting the new one.
type SeedStore interface {
	InsertGateIfAbsent(ctx context.Context, gate models.PromotionGate) error
	SetDefaultPipeline(ctx context.Context, pipeline models.PromotionPipeline) error
}

// GateCatalogue is the static catalogue of standard gates and the default
// pipeline. It is constructed at startup and passed by reference; there is
// no ambient global registry.
type GateCatalogue struct {
	Gates    []models.PromotionGate
	Pipeline models.PromotionPipeline
}

func threshold(v float64) *float64 { return &v }

// DefaultCatalogue builds the three standard gates and the 4-stage ladder.
func DefaultCatalogue() *GateCatalogue {
	return &GateCatalogue{
		Gates: []models.PromotionGate{
			{
				GateID:            "default-sandbox-dev",
				SourceEnvironment: "sandbox",
				TargetEnvironment: "dev",
				Rules: []models.GateRuleDefinition{
					{RuleID: "sd-baseline", RuleType: RuleOrgBaselineAttached, Description: "Org baseline attached to project", Required: true},
					{RuleID: "sd-appspec", RuleType: RuleAppSpecCurrent, Description: "Application spec on file", Required: true},
					{RuleID: "sd-critical", RuleType: RuleCriticalFindingsZero, Description: "No open critical findings", Required: true},
					{RuleID: "sd-secrets", RuleType: RuleSecretsScanClean, Description: "Secrets scan recent and clean", Required: true},
					{RuleID: "sd-coverage", RuleType: RuleUnitTestCoverage, Description: "Unit test coverage above floor", Required: false, Threshold: threshold(60)},
					{RuleID: "sd-modelcard", RuleType: RuleModelCardDocumented, Description: "Model card documented", Required: false, AIOnly: true},
				},
			},
			{
				GateID:            "default-dev-preprod",
				SourceEnvironment: "dev",
				TargetEnvironment: "preprod",
				Rules: []models.GateRuleDefinition{
					{RuleID: "dp-package", RuleType: RuleContextPackageCompiled, Description: "Context package compiled", Required: true},
					{RuleID: "dp-critical", RuleType: RuleCriticalFindingsZero, Description: "No open critical findings", Required: true},
					{RuleID: "dp-high", RuleType: RuleHighFindingsBelowThreshold, Description: "Open high findings within limit", Required: true, Threshold: threshold(5)},
					{RuleID: "dp-sast", RuleType: RuleSASTScanCompleted, Description: "SAST scan completed recently", Required: true},
					{RuleID: "dp-sca", RuleType: RuleSCAScanCompleted, Description: "SCA scan completed recently", Required: true},
					{RuleID: "dp-coverage", RuleType: RuleUnitTestCoverage, Description: "Unit test coverage above threshold", Required: true, Threshold: threshold(75)},
					{RuleID: "dp-integration", RuleType: RuleIntegrationTestsPassing, Description: "Integration suite passing", Required: true},
					{RuleID: "dp-secreview", RuleType: RuleSecurityReviewApproved, Description: "Security review approved", Required: true},
					{RuleID: "dp-prompt", RuleType: RulePromptInjectionTested, Description: "Prompt injection testing evidenced", Required: true, AIOnly: true},
					{RuleID: "dp-aieval", RuleType: RuleAIEvalSuitePassing, Description: "AI eval suite passing", Required: false, AIOnly: true},
				},
			},
			{
				GateID:            "default-preprod-prod",
				SourceEnvironment: "preprod",
				TargetEnvironment: "prod",
				Rules: []models.GateRuleDefinition{
					{RuleID: "pp-fresh", RuleType: RuleContextPackageFresh, Description: "Context package compiled recently", Required: true},
					{RuleID: "pp-critical", RuleType: RuleCriticalFindingsZero, Description: "No open critical findings", Required: true},
					{RuleID: "pp-high", RuleType: RuleHighFindingsBelowThreshold, Description: "No open high findings", Required: true, Threshold: threshold(0)},
					{RuleID: "pp-container", RuleType: RuleContainerScanCompleted, Description: "Container scan completed recently", Required: true},
					{RuleID: "pp-e2e", RuleType: RuleE2ETestsPassing, Description: "End-to-end suite passing", Required: true},
					{RuleID: "pp-change", RuleType: RuleChangeApprovalGranted, Description: "Change approval granted", Required: true},
					{RuleID: "pp-signoff", RuleType: RuleReleaseSignoffGranted, Description: "Release sign-off granted", Required: true},
					{RuleID: "pp-controls", RuleType: RuleMandatoryControlsEvidenced, Description: "All mandatory controls evidenced", Required: true},
					{RuleID: "pp-rollback", RuleType: RuleRollbackPlanDocumented, Description: "Rollback plan documented", Required: true},
					{RuleID: "pp-monitoring", RuleType: RuleMonitoringConfigured, Description: "Monitoring configured", Required: true},
					{RuleID: "pp-slo", RuleType: RuleSLODefined, Description: "SLOs defined", Required: false},
					{RuleID: "pp-oversight", RuleType: RuleHumanOversightConfigured, Description: "Human oversight configured", Required: true, AIOnly: true},
					{RuleID: "pp-agentpolicy", RuleType: RuleAgentActionPolicyDefined, Description: "Agent action policy defined", Required: true, AIOnly: true},
				},
			},
		},
		Pipeline: models.PromotionPipeline{
			PipelineID: "default-pipeline",
			Name:       "Standard promotion ladder",
			IsDefault:  true,
			Stages: []models.PipelineStage{
				{Key: "sandbox", Label: "Sandbox", Description: "Isolated experimentation", Order: 1},
				{Key: "dev", Label: "Development", Description: "Shared development", Order: 2},
				{Key: "preprod", Label: "Pre-production", Description: "Production-like validation", Order: 3},
				{Key: "prod", Label: "Production", Description: "Live traffic", Order: 4},
			},
		},
	}
}

// Seed writes the catalogue once. Re-running is a no-op for gates that
// already exist; the pipeline default is reasserted (clear-then-set) so
// exactly one default pipeline exists afterwards.
func (c *GateCatalogue) Seed(ctx context.Context, store SeedStore) error {
	for _, gate := range c.Gates {
		if err := store.InsertGateIfAbsent(ctx, gate); err != nil {
			return fmt.Errorf("seed gate %s: %w", gate.GateID, err)
		}
	}
	if err := store.SetDefaultPipeline(ctx, c.Pipeline); err != nil {
		return fmt.Errorf("seed pipeline %s: %w", c.Pipeline.PipelineID, err)
	}
	return nil
}
