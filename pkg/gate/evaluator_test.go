package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"ladder/pkg/models"
)

type fakeState struct {
	project       models.Project
	gate          *models.PromotionGate
	findings      map[string]int
	findingsBySrc map[string]int
	hasBaseline   bool
	hasSpec       bool
	hasProfile    bool
	pkg           *models.CompiledContextPackage
	coverage      map[string]*models.CoverageReport
	evidence      map[string]bool
	approvals     map[string]bool
	scans         map[string]bool
	scanCutoffs   []time.Time
}

func (f *fakeState) Project(context.Context, string) (models.Project, error) {
	return f.project, nil
}

func (f *fakeState) GateForTransition(context.Context, string, string, string) (*models.PromotionGate, error) {
	return f.gate, nil
}

func (f *fakeState) OpenFindingCount(_ context.Context, _ string, severity string) (int, error) {
	return f.findings[severity], nil
}

func (f *fakeState) OpenFindingCountBySource(_ context.Context, _ string, source string) (int, error) {
	return f.findingsBySrc[source], nil
}

func (f *fakeState) HasOrgBaseline(context.Context, string) (bool, error) {
	return f.hasBaseline, nil
}

func (f *fakeState) HasAppSpec(context.Context, string) (bool, error) {
	return f.hasSpec, nil
}

func (f *fakeState) HasEnvironmentProfile(context.Context, string) (bool, error) {
	return f.hasProfile, nil
}

func (f *fakeState) LatestContextPackage(context.Context, string) (*models.CompiledContextPackage, error) {
	return f.pkg, nil
}

func (f *fakeState) CoverageReport(_ context.Context, _ string, suite string) (*models.CoverageReport, error) {
	return f.coverage[suite], nil
}

func (f *fakeState) HasEvidence(_ context.Context, _ string, controlID, evidenceType string) (bool, error) {
	return f.evidence[controlID+"|"+evidenceType], nil
}

func (f *fakeState) ApprovalGranted(_ context.Context, _ string, checkpointID string, _ []string) (bool, error) {
	return f.approvals[checkpointID], nil
}

func (f *fakeState) ScanCompletedWithin(_ context.Context, _ string, source string, since time.Time) (bool, error) {
	f.scanCutoffs = append(f.scanCutoffs, since)
	return f.scans[source], nil
}

type fakeExceptions struct {
	exceptions []models.Exception
	err        error
}

func (f *fakeExceptions) ActiveExceptions(context.Context, string, time.Time) ([]models.Exception, error) {
	return f.exceptions, f.err
}

type fakeEvalWriter struct {
	evals []models.GateEvaluation
}

func (f *fakeEvalWriter) InsertGateEvaluation(_ context.Context, eval models.GateEvaluation) error {
	f.evals = append(f.evals, eval)
	return nil
}

func newTestEvaluator(state *fakeState, exceptions *fakeExceptions, writer *fakeEvalWriter) *Evaluator {
	e := NewEvaluator(state, exceptions, writer, nil)
	e.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return e
}

func TestEvaluateGateNotFound(t *testing.T) {
	t.Parallel()

	e := newTestEvaluator(&fakeState{project: models.Project{ID: "p1"}}, &fakeExceptions{}, &fakeEvalWriter{})
	_, err := e.Evaluate(context.Background(), "p1", "dev", "preprod")
	var notFound *GateNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected GateNotFoundError, got %v", err)
	}
}

func TestEvaluateUnknownRuleTypeAborts(t *testing.T) {
	t.Parallel()

	writer := &fakeEvalWriter{}
	state := &fakeState{
		project: models.Project{ID: "p1"},
		gate: &models.PromotionGate{
			GateID: "g1",
			Rules: []models.GateRuleDefinition{
				{RuleID: "r1", RuleType: RuleCriticalFindingsZero, Required: true},
				{RuleID: "r2", RuleType: "made_up_rule", Required: true},
			},
		},
	}
	e := newTestEvaluator(state, &fakeExceptions{}, writer)
	_, err := e.Evaluate(context.Background(), "p1", "dev", "preprod")
	var unknown *UnknownRuleTypeError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownRuleTypeError, got %v", err)
	}
	if unknown.RuleID != "r2" || unknown.RuleType != "made_up_rule" {
		t.Fatalf("unexpected error detail: %+v", unknown)
	}
	if len(writer.evals) != 0 {
		t.Fatal("aborted evaluation must not be persisted")
	}
}

func TestEvaluateAIOnlySkippedForNonAIProject(t *testing.T) {
	t.Parallel()

	state := &fakeState{
		project: models.Project{ID: "p1", AIEnabled: false},
		gate: &models.PromotionGate{
			GateID: "g1",
			Rules: []models.GateRuleDefinition{
				{RuleID: "r1", RuleType: RuleCriticalFindingsZero, Required: true},
				{RuleID: "r2", RuleType: RulePromptInjectionTested, Required: true, AIOnly: true},
			},
		},
	}
	e := newTestEvaluator(state, &fakeExceptions{}, &fakeEvalWriter{})
	eval, err := e.Evaluate(context.Background(), "p1", "dev", "preprod")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.SkippedCount != 1 || eval.TotalCount != 1 {
		t.Fatalf("expected one skip excluded from total, got %+v", eval)
	}
	if eval.RuleResults[1].Result != models.ResultSkip {
		t.Fatalf("ai_only rule must skip, got %q", eval.RuleResults[1].Result)
	}
	if eval.Status != models.StatusPassed || eval.ProgressPct != 100 {
		t.Fatalf("skips must not dilute progress: %+v", eval)
	}
}

func TestEvaluateAIOnlyEnforcedForAIProject(t *testing.T) {
	t.Parallel()

	state := &fakeState{
		project:  models.Project{ID: "p1", AIEnabled: true},
		evidence: map[string]bool{},
		gate: &models.PromotionGate{
			GateID: "g1",
			Rules: []models.GateRuleDefinition{
				{RuleID: "r1", RuleType: RulePromptInjectionTested, Required: true, AIOnly: true},
			},
		},
	}
	e := newTestEvaluator(state, &fakeExceptions{}, &fakeEvalWriter{})
	eval, err := e.Evaluate(context.Background(), "p1", "dev", "preprod")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.Status != models.StatusFailed || eval.FailedCount != 1 {
		t.Fatalf("ai_only rule must fail for AI project without evidence: %+v", eval)
	}
}

func TestEvaluateStatusAndProgress(t *testing.T) {
	t.Parallel()

	writer := &fakeEvalWriter{}
	state := &fakeState{
		project:  models.Project{ID: "p1"},
		findings: map[string]int{"critical": 0, "high": 3},
		coverage: map[string]*models.CoverageReport{
			"unit": {ProjectID: "p1", Suite: "unit", CoveragePct: 82},
		},
		gate: &models.PromotionGate{
			GateID: "g1",
			Rules: []models.GateRuleDefinition{
				{RuleID: "r1", RuleType: RuleCriticalFindingsZero, Required: true},
				{RuleID: "r2", RuleType: RuleHighFindingsBelowThreshold, Required: true},
				{RuleID: "r3", RuleType: RuleUnitTestCoverage, Required: false},
			},
		},
	}
	e := newTestEvaluator(state, &fakeExceptions{}, writer)
	eval, err := e.Evaluate(context.Background(), "p1", "dev", "preprod")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.Status != models.StatusPartial {
		t.Fatalf("one of two required rules failing is partial, got %q", eval.Status)
	}
	if eval.PassedCount != 2 || eval.FailedCount != 1 {
		t.Fatalf("unexpected counts: %+v", eval)
	}
	if eval.ProgressPct != 66.7 {
		t.Fatalf("expected progress 66.7, got %v", eval.ProgressPct)
	}
	if len(eval.Blockers) != 1 {
		t.Fatalf("failed rule must surface a blocker: %v", eval.Blockers)
	}
	if len(writer.evals) != 1 {
		t.Fatal("evaluation must be persisted")
	}
}

func TestEvaluateAllRequiredFailingIsFailed(t *testing.T) {
	t.Parallel()

	state := &fakeState{
		project:  models.Project{ID: "p1"},
		findings: map[string]int{"critical": 2},
		gate: &models.PromotionGate{
			GateID: "g1",
			Rules: []models.GateRuleDefinition{
				{RuleID: "r1", RuleType: RuleCriticalFindingsZero, Required: true},
				{RuleID: "r2", RuleType: RuleOrgBaselineAttached, Required: true},
			},
		},
	}
	e := newTestEvaluator(state, &fakeExceptions{}, &fakeEvalWriter{})
	eval, err := e.Evaluate(context.Background(), "p1", "dev", "preprod")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.Status != models.StatusFailed {
		t.Fatalf("all required rules failing must fail the gate, got %q", eval.Status)
	}
}

func TestEvaluateExceptionSuppression(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	state := &fakeState{
		project:  models.Project{ID: "p1"},
		findings: map[string]int{"critical": 1},
		gate: &models.PromotionGate{
			GateID: "g1",
			Rules: []models.GateRuleDefinition{
				{RuleID: "r1", RuleType: RuleCriticalFindingsZero, Required: true},
			},
		},
	}
	exceptions := &fakeExceptions{exceptions: []models.Exception{
		{ExceptionID: "exc-1", Status: "active", RuleIDs: []string{"r1"}, Environments: []string{"preprod"}, ExpiresAt: now.Add(time.Hour)},
	}}
	e := newTestEvaluator(state, exceptions, &fakeEvalWriter{})
	eval, err := e.Evaluate(context.Background(), "p1", "dev", "preprod")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.RuleResults[0].Result != models.ResultException {
		t.Fatalf("covered failure must record an exception result, got %q", eval.RuleResults[0].Result)
	}
	if eval.RuleResults[0].ExceptionID != "exc-1" {
		t.Fatalf("exception id must be recorded, got %q", eval.RuleResults[0].ExceptionID)
	}
	if eval.FailedCount != 0 || eval.Status != models.StatusPassed {
		t.Fatalf("suppressed failure must not count as failed: %+v", eval)
	}
	if len(eval.Blockers) != 0 {
		t.Fatalf("suppressed failure must not block: %v", eval.Blockers)
	}
}

func TestEvaluateExpiredExceptionDoesNotSuppress(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	state := &fakeState{
		project:  models.Project{ID: "p1"},
		findings: map[string]int{"critical": 1},
		gate: &models.PromotionGate{
			GateID: "g1",
			Rules: []models.GateRuleDefinition{
				{RuleID: "r1", RuleType: RuleCriticalFindingsZero, Required: true},
			},
		},
	}
	exceptions := &fakeExceptions{exceptions: []models.Exception{
		{ExceptionID: "exc-1", Status: "active", RuleIDs: []string{"r1"}, ExpiresAt: now.Add(-time.Minute)},
	}}
	e := newTestEvaluator(state, exceptions, &fakeEvalWriter{})
	eval, err := e.Evaluate(context.Background(), "p1", "dev", "preprod")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.RuleResults[0].Result != models.ResultFail || eval.Status != models.StatusFailed {
		t.Fatalf("expired exception must not suppress: %+v", eval)
	}
}

func TestEvaluateExceptionScopedToOtherEnvironment(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	state := &fakeState{
		project:  models.Project{ID: "p1"},
		findings: map[string]int{"critical": 1},
		gate: &models.PromotionGate{
			GateID: "g1",
			Rules: []models.GateRuleDefinition{
				{RuleID: "r1", RuleType: RuleCriticalFindingsZero, Required: true},
			},
		},
	}
	exceptions := &fakeExceptions{exceptions: []models.Exception{
		{ExceptionID: "exc-1", Status: "active", RuleIDs: []string{"r1"}, Environments: []string{"prod"}, ExpiresAt: now.Add(time.Hour)},
	}}
	e := newTestEvaluator(state, exceptions, &fakeEvalWriter{})
	eval, err := e.Evaluate(context.Background(), "p1", "dev", "preprod")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.Status != models.StatusFailed {
		t.Fatalf("exception scoped to another environment must not apply: %+v", eval)
	}
}

func TestEvaluateDeterministicRuleOrder(t *testing.T) {
	t.Parallel()

	state := &fakeState{
		project:     models.Project{ID: "p1"},
		hasBaseline: true,
		hasSpec:     true,
		gate: &models.PromotionGate{
			GateID: "g1",
			Rules: []models.GateRuleDefinition{
				{RuleID: "r1", RuleType: RuleOrgBaselineAttached},
				{RuleID: "r2", RuleType: RuleAppSpecCurrent},
				{RuleID: "r3", RuleType: RuleEnvironmentProfileDefined},
			},
		},
	}
	e := newTestEvaluator(state, &fakeExceptions{}, &fakeEvalWriter{})
	eval, err := e.Evaluate(context.Background(), "p1", "sandbox", "dev")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	for i, want := range []string{"r1", "r2", "r3"} {
		if eval.RuleResults[i].RuleID != want {
			t.Fatalf("rule results must follow gate definition order, got %+v", eval.RuleResults)
		}
	}
}
