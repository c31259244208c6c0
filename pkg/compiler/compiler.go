package compiler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"ladder/pkg/models"

	"github.com/google/uuid"
)

// MissingPolicyInputError means one or more of the three mandatory compile
// inputs is absent. Compilation aborts; no partial package is produced.
type MissingPolicyInputError struct {
	ProjectID string
	Missing   []string
}

func (e *MissingPolicyInputError) Error() string {
	return fmt.Sprintf("project %s is not ready to compile: missing %s", e.ProjectID, strings.Join(e.Missing, ", "))
}

// InputReader is the persistence boundary for compile inputs. The document
// lookups return nil (not an error) when the document does not exist.
type InputReader interface {
	Project(ctx context.Context, projectID string) (models.Project, error)
	OrgBaselineForProject(ctx context.Context, projectID string) (*models.OrgBaseline, error)
	AppSpec(ctx context.Context, projectID string) (*models.AppSpec, error)
	EnvironmentProfile(ctx context.Context, projectID string) (*models.EnvironmentProfile, error)
	ActiveExceptions(ctx context.Context, projectID string, now time.Time) ([]models.Exception, error)
}

// PackageWriter persists compiled packages. History is append-only.
type PackageWriter interface {
	InsertContextPackage(ctx context.Context, pkg models.CompiledContextPackage) error
}

// RequirementResolver supplies the merged control obligations that become
// the package's evidence requirements.
type RequirementResolver interface {
	Resolve(ctx context.Context, projectID, sourceEnv, targetEnv string) ([]models.ResolvedRequirement, error)
}

// PackageSigner attests a package after its integrity hash is final.
type PackageSigner interface {
	SignPackage(pkg *models.CompiledContextPackage) error
}

type Compiler struct {
	Inputs       InputReader
	Packages     PackageWriter
	Requirements RequirementResolver
	Signer       PackageSigner
	Now          func() time.Time
}

func New(inputs InputReader, packages PackageWriter, requirements RequirementResolver) *Compiler {
	return &Compiler{Inputs: inputs, Packages: packages, Requirements: requirements, Now: time.Now}
}

// Compile merges Org Baseline + App Spec + Environment Profile into one
// immutable Compiled Context Package. Each call allocates a fresh package id;
// compiling twice over unchanged inputs yields semantically equal packages.
func (c *Compiler) Compile(ctx context.Context, projectID, traceID string, applyExceptions bool) (models.CompiledContextPackage, error) {
	project, err := c.Inputs.Project(ctx, projectID)
	if err != nil {
		return models.CompiledContextPackage{}, fmt.Errorf("compile context: %w", err)
	}

	baseline, err := c.Inputs.OrgBaselineForProject(ctx, projectID)
	if err != nil {
		return models.CompiledContextPackage{}, fmt.Errorf("compile context: org baseline: %w", err)
	}
	spec, err := c.Inputs.AppSpec(ctx, projectID)
	if err != nil {
		return models.CompiledContextPackage{}, fmt.Errorf("compile context: app spec: %w", err)
	}
	profile, err := c.Inputs.EnvironmentProfile(ctx, projectID)
	if err != nil {
		return models.CompiledContextPackage{}, fmt.Errorf("compile context: environment profile: %w", err)
	}
	var missing []string
	if baseline == nil {
		missing = append(missing, "org_baseline")
	}
	if spec == nil {
		missing = append(missing, "app_spec")
	}
	if profile == nil {
		missing = append(missing, "environment_profile")
	}
	if len(missing) > 0 {
		return models.CompiledContextPackage{}, &MissingPolicyInputError{ProjectID: projectID, Missing: missing}
	}

	now := c.Now().UTC()
	packageID := uuid.New().String()

	pkg := models.CompiledContextPackage{
		PackageID: packageID,
		ProjectID: projectID,
		CompiledFrom: models.CompiledFrom{
			OrgBaselineID:        baseline.BaselineID,
			AppSpecID:            spec.SpecID,
			EnvironmentProfileID: profile.ProfileID,
		},
		Integrity: models.Integrity{
			Signed:     false,
			Hash:       models.PackageHash(projectID, packageID),
			HashAlg:    models.HashAlgSHA256,
			CompiledAt: now,
		},
	}

	pkg.AutonomyPolicy = mergeAutonomy(baseline.Document.Safety, profile.Document)
	pkg.SecurityRequirements = models.SecurityRequirements{
		RequiredControls:   uniqueSorted(append(append([]string(nil), baseline.Document.Security.RequiredControls...), spec.Document.SecurityControls...)),
		ProhibitedPatterns: uniqueSorted(baseline.Document.Security.ProhibitedPatterns),
	}
	pkg.NetworkRequirements = mergeNetwork(baseline.Document.Security, spec.Document, profile.Document)
	pkg.DataHandlingRequirements = models.DataHandling{
		Classifications:  uniqueSorted(spec.Document.DataClassifications),
		ResidencyRegions: uniqueSorted(spec.Document.ResidencyRegions),
		RetentionDays:    baseline.Document.Accountability.EvidenceRetentionDays,
		PIIAllowed:       spec.Document.PIIAllowed,
	}
	pkg.ToolAndModelConstraints = models.ToolAndModelConstraints{
		AllowedTools:  uniqueSorted(spec.Document.Tools),
		AllowedModels: uniqueSorted(spec.Document.Models),
	}
	pkg.RequiredTests = uniqueSorted(baseline.Document.Reliability.RequiredTests)
	pkg.ApprovalCheckpoints = append([]models.ApprovalCheckpoint(nil), baseline.Document.Accountability.ApprovalCheckpoints...)
	pkg.ChangeReassessmentTriggers = uniqueSorted(baseline.Document.Reliability.ChangeReassessmentTriggers)
	pkg.RemediationEligibility = models.AutonomousRemediation{
		Default: remediationDefault(baseline.Document.Reliability.RemediationDefault),
		Rules:   append([]models.RemediationRule(nil), baseline.Document.Reliability.RemediationRules...),
	}
	if baseline.Document.Society.ResponsibleAI != nil {
		rai := *baseline.Document.Society.ResponsibleAI
		pkg.ResponsibleAIRequirements = &rai
	}

	if c.Requirements != nil && project.CurrentEnvironment != "" {
		resolved, err := c.Requirements.Resolve(ctx, projectID, project.CurrentEnvironment, profile.Environment)
		if err != nil {
			return models.CompiledContextPackage{}, fmt.Errorf("compile context: %w", err)
		}
		for _, req := range resolved {
			pkg.EvidenceRequirements = append(pkg.EvidenceRequirements, models.EvidenceRequirement{
				ControlID:        req.ControlID,
				Framework:        req.Framework,
				RequirementLevel: req.RequirementLevel,
				EvidenceType:     req.EvidenceType,
			})
		}
	}

	if applyExceptions {
		exceptions, err := c.Inputs.ActiveExceptions(ctx, projectID, now)
		if err != nil {
			return models.CompiledContextPackage{}, fmt.Errorf("compile context: exceptions: %w", err)
		}
		applyExceptionRelaxations(&pkg, exceptions, profile.Environment, now)
	}

	if c.Signer != nil {
		if err := c.Signer.SignPackage(&pkg); err != nil {
			return models.CompiledContextPackage{}, fmt.Errorf("compile context: sign package: %w", err)
		}
	}

	if c.Packages != nil {
		if err := c.Packages.InsertContextPackage(ctx, pkg); err != nil {
			return models.CompiledContextPackage{}, fmt.Errorf("compile context: persist package: %w", err)
		}
	}
	log.Printf("compiled context package %s for project %s trace=%s exceptions=%t", packageID, projectID, traceID, applyExceptions)
	return pkg, nil
}

// mergeAutonomy applies the profile's capability overrides on top of the org
// baseline defaults. Narrower scope wins: a capability the profile names is
// moved into exactly the set the profile puts it in.
func mergeAutonomy(safety models.SafetySection, profile models.EnvironmentProfileDoc) models.AutonomyPolicy {
	allowed := toSet(safety.AllowedActions)
	blocked := toSet(safety.BlockedActions)
	approval := toSet(safety.ApprovalRequiredFor)

	for _, cap := range profile.AllowedCapabilities {
		allowed[cap] = struct{}{}
		delete(blocked, cap)
		delete(approval, cap)
	}
	for _, cap := range profile.ApprovalCapabilities {
		approval[cap] = struct{}{}
		delete(allowed, cap)
		delete(blocked, cap)
	}
	for _, cap := range profile.BlockedCapabilities {
		blocked[cap] = struct{}{}
		delete(allowed, cap)
		delete(approval, cap)
	}

	mode := safety.AutonomyMode
	if profile.AutonomyMode != "" {
		mode = profile.AutonomyMode
	}
	if mode == "" {
		mode = "supervised"
	}
	return models.AutonomyPolicy{
		Mode:                mode,
		AllowedActions:      setToSorted(allowed),
		BlockedActions:      setToSorted(blocked),
		ApprovalRequiredFor: setToSorted(approval),
	}
}

func mergeNetwork(security models.SecuritySection, spec models.AppSpecDoc, profile models.EnvironmentProfileDoc) models.NetworkRequirements {
	allowlist := security.OutboundAllowlist
	if len(profile.OutboundAllowlist) > 0 {
		allowlist = profile.OutboundAllowlist
	}
	merged := append(append([]string(nil), allowlist...), spec.DeclaredEgressHosts...)
	forbidden := security.PublicEgressForbidden
	if profile.PublicEgressForbidden != nil {
		forbidden = *profile.PublicEgressForbidden
	}
	return models.NetworkRequirements{
		OutboundAllowlist:     uniqueSorted(merged),
		PublicEgressForbidden: forbidden,
	}
}

// applyExceptionRelaxations subtracts sanctioned relaxations from the
// blocked-action and prohibited-pattern sets. Expired or revoked exceptions
// never reach here; scope is checked against the target environment.
func applyExceptionRelaxations(pkg *models.CompiledContextPackage, exceptions []models.Exception, environment string, now time.Time) {
	for _, exc := range exceptions {
		if !exc.ActiveAt(now) || !exc.CoversEnvironment(environment) {
			continue
		}
		if len(exc.Actions) > 0 {
			pkg.AutonomyPolicy.BlockedActions = subtract(pkg.AutonomyPolicy.BlockedActions, exc.Actions)
		}
		if len(exc.Patterns) > 0 {
			pkg.SecurityRequirements.ProhibitedPatterns = subtract(pkg.SecurityRequirements.ProhibitedPatterns, exc.Patterns)
		}
		pkg.AppliedExceptionIDs = append(pkg.AppliedExceptionIDs, exc.ExceptionID)
	}
	sort.Strings(pkg.AppliedExceptionIDs)
}

func remediationDefault(raw string) string {
	if raw == "" {
		return "ineligible"
	}
	return raw
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item != "" {
			set[item] = struct{}{}
		}
	}
	return set
}

func setToSorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for item := range set {
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}

func uniqueSorted(items []string) []string {
	return setToSorted(toSet(items))
}

func subtract(items, remove []string) []string {
	gone := toSet(remove)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := gone[item]; !ok {
			out = append(out, item)
		}
	}
	return out
}
