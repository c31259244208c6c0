package gate

import (
	"context"
	"fmt"
	"math"
	"time"

	"ladder/pkg/models"

	"github.com/google/uuid"
)

// GateNotFoundError means no gate is configured for a transition, neither
// project-specific nor org-default.
type GateNotFoundError struct {
	SourceEnvironment string
	TargetEnvironment string
	ProjectID         string
}

func (e *GateNotFoundError) Error() string {
	return fmt.Sprintf("no promotion gate configured for %s (project %s)",
		models.TransitionKey(e.SourceEnvironment, e.TargetEnvironment), e.ProjectID)
}

// UnknownRuleTypeError means a gate references a rule type the evaluator
// cannot dispatch. A misconfigured gate must not silently under-enforce, so
// this aborts the whole evaluation.
type UnknownRuleTypeError struct {
	GateID   string
	RuleID   string
	RuleType string
}

func (e *UnknownRuleTypeError) Error() string {
	return fmt.Sprintf("gate %s rule %s has unknown rule type %q", e.GateID, e.RuleID, e.RuleType)
}

// StateReader is the read boundary for live project state.
type StateReader interface {
	Project(ctx context.Context, projectID string) (models.Project, error)
	GateForTransition(ctx context.Context, projectID, sourceEnv, targetEnv string) (*models.PromotionGate, error)
	OpenFindingCount(ctx context.Context, projectID, severity string) (int, error)
	OpenFindingCountBySource(ctx context.Context, projectID, source string) (int, error)
	HasOrgBaseline(ctx context.Context, projectID string) (bool, error)
	HasAppSpec(ctx context.Context, projectID string) (bool, error)
	HasEnvironmentProfile(ctx context.Context, projectID string) (bool, error)
	LatestContextPackage(ctx context.Context, projectID string) (*models.CompiledContextPackage, error)
	CoverageReport(ctx context.Context, projectID, suite string) (*models.CoverageReport, error)
	HasEvidence(ctx context.Context, projectID, controlID, evidenceType string) (bool, error)
	ApprovalGranted(ctx context.Context, projectID, checkpointID string, roles []string) (bool, error)
	ScanCompletedWithin(ctx context.Context, projectID, source string, since time.Time) (bool, error)
}

// ExceptionLookup is injected so the evaluator's suppression logic is
// testable without a persistence layer.
type ExceptionLookup interface {
	ActiveExceptions(ctx context.Context, projectID string, now time.Time) ([]models.Exception, error)
}

// EvaluationWriter persists evaluations. History is append-only.
type EvaluationWriter interface {
	InsertGateEvaluation(ctx context.Context, eval models.GateEvaluation) error
}

// RequirementResolver supplies resolved control obligations to evidence rules.
type RequirementResolver interface {
	Resolve(ctx context.Context, projectID, sourceEnv, targetEnv string) ([]models.ResolvedRequirement, error)
}

type Evaluator struct {
	State        StateReader
	Exceptions   ExceptionLookup
	Evaluations  EvaluationWriter
	Requirements RequirementResolver
	Rules        RuleSet
	Now          func() time.Time
}

func NewEvaluator(state StateReader, exceptions ExceptionLookup, evaluations EvaluationWriter, requirements RequirementResolver) *Evaluator {
	return &Evaluator{
		State:        state,
		Exceptions:   exceptions,
		Evaluations:  evaluations,
		Requirements: requirements,
		Rules:        DefaultRuleSet(),
		Now:          time.Now,
	}
}

// Evaluate runs the applicable gate for one transition and produces an
// immutable Gate Evaluation. Rules run in gate definition order.
func (e *Evaluator) Evaluate(ctx context.Context, projectID, sourceEnv, targetEnv string) (models.GateEvaluation, error) {
	project, err := e.State.Project(ctx, projectID)
	if err != nil {
		return models.GateEvaluation{}, fmt.Errorf("evaluate gate: %w", err)
	}
	gate, err := e.State.GateForTransition(ctx, projectID, sourceEnv, targetEnv)
	if err != nil {
		return models.GateEvaluation{}, fmt.Errorf("evaluate gate: %w", err)
	}
	if gate == nil {
		return models.GateEvaluation{}, &GateNotFoundError{SourceEnvironment: sourceEnv, TargetEnvironment: targetEnv, ProjectID: projectID}
	}

	// A single unknown rule type invalidates the whole gate up front.
	for _, rule := range gate.Rules {
		if _, ok := e.Rules[rule.RuleType]; !ok {
			return models.GateEvaluation{}, &UnknownRuleTypeError{GateID: gate.GateID, RuleID: rule.RuleID, RuleType: rule.RuleType}
		}
	}

	now := e.Now().UTC()
	var exceptions []models.Exception
	if e.Exceptions != nil {
		exceptions, err = e.Exceptions.ActiveExceptions(ctx, projectID, now)
		if err != nil {
			return models.GateEvaluation{}, fmt.Errorf("evaluate gate: exceptions: %w", err)
		}
	}

	env := &CheckContext{
		Project:           project,
		SourceEnvironment: sourceEnv,
		TargetEnvironment: targetEnv,
		Transition:        models.TransitionKey(sourceEnv, targetEnv),
		Now:               now,
		State:             e.State,
		Requirements:      e.Requirements,
	}

	eval := models.GateEvaluation{
		EvaluationID:      uuid.New().String(),
		ProjectID:         projectID,
		GateID:            gate.GateID,
		SourceEnvironment: sourceEnv,
		TargetEnvironment: targetEnv,
		RuleResults:       make([]models.RuleEvaluationResult, 0, len(gate.Rules)),
		Blockers:          make([]string, 0),
		EvaluatedAt:       now,
	}

	requiredEvaluated := 0
	requiredFailed := 0
	for _, rule := range gate.Rules {
		if rule.AIOnly && !project.AIEnabled {
			eval.SkippedCount++
			eval.RuleResults = append(eval.RuleResults, models.RuleEvaluationResult{
				RuleID:   rule.RuleID,
				RuleType: rule.RuleType,
				Result:   models.ResultSkip,
				Message:  "skipped: rule applies only to AI-enabled projects",
			})
			continue
		}
		outcome, err := e.Rules[rule.RuleType].Check(ctx, rule, env)
		if err != nil {
			return models.GateEvaluation{}, fmt.Errorf("evaluate gate: rule %s (%s): %w", rule.RuleID, rule.RuleType, err)
		}
		result := models.RuleEvaluationResult{
			RuleID:   rule.RuleID,
			RuleType: rule.RuleType,
			Message:  outcome.Message,
			Details:  outcome.Details,
		}
		if rule.Required {
			requiredEvaluated++
		}
		switch {
		case outcome.Pass:
			result.Result = models.ResultPass
			eval.PassedCount++
		default:
			if exc := coveringException(exceptions, rule.RuleID, outcome.ControlIDs, targetEnv, now); exc != nil {
				result.Result = models.ResultException
				result.ExceptionID = exc.ExceptionID
				result.Message = fmt.Sprintf("suppressed by exception %s: %s", exc.ExceptionID, outcome.Message)
			} else {
				result.Result = models.ResultFail
				eval.FailedCount++
				eval.Blockers = append(eval.Blockers, outcome.Message)
				if rule.Required {
					requiredFailed++
				}
			}
		}
		eval.RuleResults = append(eval.RuleResults, result)
	}

	eval.TotalCount = len(eval.RuleResults) - eval.SkippedCount
	if eval.TotalCount > 0 {
		eval.ProgressPct = math.Round(float64(eval.PassedCount)/float64(eval.TotalCount)*1000) / 10
	}
	switch {
	case eval.FailedCount == 0:
		eval.Status = models.StatusPassed
	case requiredEvaluated > 0 && requiredFailed == requiredEvaluated:
		eval.Status = models.StatusFailed
	default:
		eval.Status = models.StatusPartial
	}

	if e.Evaluations != nil {
		if err := e.Evaluations.InsertGateEvaluation(ctx, eval); err != nil {
			return models.GateEvaluation{}, fmt.Errorf("evaluate gate: persist evaluation: %w", err)
		}
	}
	return eval, nil
}

func coveringException(exceptions []models.Exception, ruleID string, controlIDs []string, targetEnv string, now time.Time) *models.Exception {
	for i := range exceptions {
		exc := exceptions[i]
		if !exc.ActiveAt(now) || !exc.CoversEnvironment(targetEnv) {
			continue
		}
		if exc.CoversRule(ruleID, controlIDs...) {
			return &exc
		}
	}
	return nil
}
