package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"ladder/pkg/models"
)

// ErrNotFound marks a lookup miss. Handlers translate it to 404.
var ErrNotFound = errors.New("not found")

// DB is the subset of pgxpool.Pool the state layer uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// State is the pgx-backed view of promotion-ladder state. Document payloads
// live in JSONB columns; packages and evaluations are append-only history.
type State struct {
	db DB
}

func NewState(db DB) *State { return &State{db: db} }

func (s *State) Project(ctx context.Context, projectID string) (models.Project, error) {
	const q = `SELECT id, org_id, business_unit_id, name, ai_enabled, business_criticality, current_environment
		FROM projects WHERE id = $1`
	var p models.Project
	err := s.db.QueryRow(ctx, q, projectID).Scan(
		&p.ID, &p.OrgID, &p.BusinessUnitID, &p.Name, &p.AIEnabled, &p.BusinessCriticality, &p.CurrentEnvironment)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Project{}, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return models.Project{}, fmt.Errorf("select project: %w", err)
	}
	return p, nil
}

func (s *State) UpsertProject(ctx context.Context, p models.Project) error {
	const q = `INSERT INTO projects (id, org_id, business_unit_id, name, ai_enabled, business_criticality, current_environment)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			org_id = EXCLUDED.org_id,
			business_unit_id = EXCLUDED.business_unit_id,
			name = EXCLUDED.name,
			ai_enabled = EXCLUDED.ai_enabled,
			business_criticality = EXCLUDED.business_criticality,
			current_environment = EXCLUDED.current_environment`
	_, err := s.db.Exec(ctx, q, p.ID, p.OrgID, p.BusinessUnitID, p.Name, p.AIEnabled, p.BusinessCriticality, p.CurrentEnvironment)
	if err != nil {
		return fmt.Errorf("upsert project: %w", err)
	}
	return nil
}

func (s *State) BusinessUnit(ctx context.Context, businessUnitID string) (models.BusinessUnit, error) {
	const q = `SELECT id, org_id, name, framework_selections FROM business_units WHERE id = $1`
	var (
		bu  models.BusinessUnit
		raw []byte
	)
	err := s.db.QueryRow(ctx, q, businessUnitID).Scan(&bu.ID, &bu.OrgID, &bu.Name, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.BusinessUnit{}, fmt.Errorf("business unit %s: %w", businessUnitID, ErrNotFound)
	}
	if err != nil {
		return models.BusinessUnit{}, fmt.Errorf("select business unit: %w", err)
	}
	if err := json.Unmarshal(raw, &bu.FrameworkSelections); err != nil {
		return models.BusinessUnit{}, fmt.Errorf("decode framework selections: %w", err)
	}
	return bu, nil
}

func (s *State) UpsertBusinessUnit(ctx context.Context, bu models.BusinessUnit) error {
	selections, err := json.Marshal(bu.FrameworkSelections)
	if err != nil {
		return fmt.Errorf("encode framework selections: %w", err)
	}
	const q = `INSERT INTO business_units (id, org_id, name, framework_selections)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			org_id = EXCLUDED.org_id,
			name = EXCLUDED.name,
			framework_selections = EXCLUDED.framework_selections`
	if _, err := s.db.Exec(ctx, q, bu.ID, bu.OrgID, bu.Name, selections); err != nil {
		return fmt.Errorf("upsert business unit: %w", err)
	}
	return nil
}

// OrgBaseline returns the newest baseline for an org, or nil when the org has
// none. Callers treat nil as "contributes nothing".
func (s *State) OrgBaseline(ctx context.Context, orgID string) (*models.OrgBaseline, error) {
	const q = `SELECT baseline_id, org_id, name, document, created_at
		FROM org_baselines WHERE org_id = $1 ORDER BY created_at DESC LIMIT 1`
	return s.scanOrgBaseline(s.db.QueryRow(ctx, q, orgID))
}

// OrgBaselineForProject resolves the baseline through the project's org.
func (s *State) OrgBaselineForProject(ctx context.Context, projectID string) (*models.OrgBaseline, error) {
	const q = `SELECT b.baseline_id, b.org_id, b.name, b.document, b.created_at
		FROM org_baselines b
		JOIN projects p ON p.org_id = b.org_id
		WHERE p.id = $1 ORDER BY b.created_at DESC LIMIT 1`
	return s.scanOrgBaseline(s.db.QueryRow(ctx, q, projectID))
}

func (s *State) scanOrgBaseline(row pgx.Row) (*models.OrgBaseline, error) {
	var (
		b   models.OrgBaseline
		raw []byte
	)
	err := row.Scan(&b.BaselineID, &b.OrgID, &b.Name, &raw, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select org baseline: %w", err)
	}
	doc, err := models.DecodeOrgBaselineDoc(raw)
	if err != nil {
		return nil, err
	}
	b.Document = doc
	return &b, nil
}

func (s *State) InsertOrgBaseline(ctx context.Context, b models.OrgBaseline) error {
	doc, err := json.Marshal(b.Document)
	if err != nil {
		return fmt.Errorf("encode org baseline document: %w", err)
	}
	const q = `INSERT INTO org_baselines (baseline_id, org_id, name, document, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.db.Exec(ctx, q, b.BaselineID, b.OrgID, b.Name, doc, b.CreatedAt); err != nil {
		return fmt.Errorf("insert org baseline: %w", err)
	}
	return nil
}

func (s *State) AppSpec(ctx context.Context, projectID string) (*models.AppSpec, error) {
	const q = `SELECT spec_id, project_id, document, created_at
		FROM app_specs WHERE project_id = $1 ORDER BY created_at DESC LIMIT 1`
	var (
		spec models.AppSpec
		raw  []byte
	)
	err := s.db.QueryRow(ctx, q, projectID).Scan(&spec.SpecID, &spec.ProjectID, &raw, &spec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select app spec: %w", err)
	}
	doc, err := models.DecodeAppSpecDoc(raw)
	if err != nil {
		return nil, err
	}
	spec.Document = doc
	return &spec, nil
}

func (s *State) InsertAppSpec(ctx context.Context, spec models.AppSpec) error {
	doc, err := json.Marshal(spec.Document)
	if err != nil {
		return fmt.Errorf("encode app spec document: %w", err)
	}
	const q = `INSERT INTO app_specs (spec_id, project_id, document, created_at) VALUES ($1, $2, $3, $4)`
	if _, err := s.db.Exec(ctx, q, spec.SpecID, spec.ProjectID, doc, spec.CreatedAt); err != nil {
		return fmt.Errorf("insert app spec: %w", err)
	}
	return nil
}

func (s *State) EnvironmentProfile(ctx context.Context, projectID string) (*models.EnvironmentProfile, error) {
	const q = `SELECT profile_id, project_id, environment, document, created_at
		FROM environment_profiles WHERE project_id = $1 ORDER BY created_at DESC LIMIT 1`
	var (
		profile models.EnvironmentProfile
		raw     []byte
	)
	err := s.db.QueryRow(ctx, q, projectID).Scan(&profile.ProfileID, &profile.ProjectID, &profile.Environment, &raw, &profile.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select environment profile: %w", err)
	}
	doc, err := models.DecodeEnvironmentProfileDoc(raw)
	if err != nil {
		return nil, err
	}
	profile.Document = doc
	return &profile, nil
}

func (s *State) InsertEnvironmentProfile(ctx context.Context, profile models.EnvironmentProfile) error {
	doc, err := json.Marshal(profile.Document)
	if err != nil {
		return fmt.Errorf("encode environment profile document: %w", err)
	}
	const q = `INSERT INTO environment_profiles (profile_id, project_id, environment, document, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.db.Exec(ctx, q, profile.ProfileID, profile.ProjectID, profile.Environment, doc, profile.CreatedAt); err != nil {
		return fmt.Errorf("insert environment profile: %w", err)
	}
	return nil
}

func (s *State) HasOrgBaseline(ctx context.Context, projectID string) (bool, error) {
	const q = `SELECT EXISTS (
		SELECT 1 FROM org_baselines b JOIN projects p ON p.org_id = b.org_id WHERE p.id = $1)`
	return s.exists(ctx, q, projectID)
}

func (s *State) HasAppSpec(ctx context.Context, projectID string) (bool, error) {
	return s.exists(ctx, `SELECT EXISTS (SELECT 1 FROM app_specs WHERE project_id = $1)`, projectID)
}

func (s *State) HasEnvironmentProfile(ctx context.Context, projectID string) (bool, error) {
	return s.exists(ctx, `SELECT EXISTS (SELECT 1 FROM environment_profiles WHERE project_id = $1)`, projectID)
}

func (s *State) exists(ctx context.Context, q string, args ...any) (bool, error) {
	var ok bool
	if err := s.db.QueryRow(ctx, q, args...).Scan(&ok); err != nil {
		return false, fmt.Errorf("exists query: %w", err)
	}
	return ok, nil
}

func (s *State) FrameworkRequirements(ctx context.Context, businessUnitID string) ([]models.FrameworkRequirement, error) {
	const q = `SELECT requirement_id, business_unit_id, framework, control_id, applies_to_transitions, requirement_level, evidence_type
		FROM framework_requirements WHERE business_unit_id = $1 ORDER BY framework, control_id`
	rows, err := s.db.Query(ctx, q, businessUnitID)
	if err != nil {
		return nil, fmt.Errorf("select framework requirements: %w", err)
	}
	defer rows.Close()
	reqs := []models.FrameworkRequirement{}
	for rows.Next() {
		var (
			req models.FrameworkRequirement
			raw []byte
		)
		if err := rows.Scan(&req.RequirementID, &req.BusinessUnitID, &req.Framework, &req.ControlID, &raw, &req.RequirementLevel, &req.EvidenceType); err != nil {
			return nil, fmt.Errorf("scan framework requirement: %w", err)
		}
		if err := json.Unmarshal(raw, &req.AppliesToTransitions); err != nil {
			return nil, fmt.Errorf("decode transitions: %w", err)
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// ReplaceFrameworkRequirements swaps a BU's full requirement set in one
// transaction so a re-derive never leaves a partial mix of old and new rows.
func (s *State) ReplaceFrameworkRequirements(ctx context.Context, businessUnitID string, reqs []models.FrameworkRequirement) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin derive tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `DELETE FROM framework_requirements WHERE business_unit_id = $1`, businessUnitID); err != nil {
		return fmt.Errorf("clear framework requirements: %w", err)
	}
	const q = `INSERT INTO framework_requirements
		(requirement_id, business_unit_id, framework, control_id, applies_to_transitions, requirement_level, evidence_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	for _, req := range reqs {
		transitions, err := json.Marshal(req.AppliesToTransitions)
		if err != nil {
			return fmt.Errorf("encode transitions: %w", err)
		}
		if _, err := tx.Exec(ctx, q, req.RequirementID, req.BusinessUnitID, req.Framework, req.ControlID, transitions, req.RequirementLevel, req.EvidenceType); err != nil {
			return fmt.Errorf("insert framework requirement: %w", err)
		}
	}
	return tx.Commit(ctx)
}

type exceptionScope struct {
	Environments []string `json:"environments,omitempty"`
	RuleIDs      []string `json:"rule_ids,omitempty"`
	ControlIDs   []string `json:"control_ids,omitempty"`
	Actions      []string `json:"actions,omitempty"`
	Patterns     []string `json:"patterns,omitempty"`
}

// ActiveExceptions filters on status and expiry in SQL; ActiveAt is still
// re-checked by callers so a clock skew between DB and service fails closed.
func (s *State) ActiveExceptions(ctx context.Context, projectID string, now time.Time) ([]models.Exception, error) {
	const q = `SELECT exception_id, project_id, status, reason, approved_by, scope, created_at, expires_at
		FROM policy_exceptions
		WHERE project_id = $1 AND lower(status) = 'active' AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY created_at`
	rows, err := s.db.Query(ctx, q, projectID, now)
	if err != nil {
		return nil, fmt.Errorf("select exceptions: %w", err)
	}
	defer rows.Close()
	out := []models.Exception{}
	for rows.Next() {
		var (
			e       models.Exception
			raw     []byte
			expires *time.Time
		)
		if err := rows.Scan(&e.ExceptionID, &e.ProjectID, &e.Status, &e.Reason, &e.ApprovedBy, &raw, &e.CreatedAt, &expires); err != nil {
			return nil, fmt.Errorf("scan exception: %w", err)
		}
		var scope exceptionScope
		if err := json.Unmarshal(raw, &scope); err != nil {
			return nil, fmt.Errorf("decode exception scope: %w", err)
		}
		e.Environments = scope.Environments
		e.RuleIDs = scope.RuleIDs
		e.ControlIDs = scope.ControlIDs
		e.Actions = scope.Actions
		e.Patterns = scope.Patterns
		if expires != nil {
			e.ExpiresAt = *expires
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *State) InsertException(ctx context.Context, e models.Exception) error {
	scope, err := json.Marshal(exceptionScope{
		Environments: e.Environments,
		RuleIDs:      e.RuleIDs,
		ControlIDs:   e.ControlIDs,
		Actions:      e.Actions,
		Patterns:     e.Patterns,
	})
	if err != nil {
		return fmt.Errorf("encode exception scope: %w", err)
	}
	var expires *time.Time
	if !e.ExpiresAt.IsZero() {
		expires = &e.ExpiresAt
	}
	const q = `INSERT INTO policy_exceptions
		(exception_id, project_id, status, reason, approved_by, scope, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := s.db.Exec(ctx, q, e.ExceptionID, e.ProjectID, e.Status, e.Reason, e.ApprovedBy, scope, e.CreatedAt, expires); err != nil {
		return fmt.Errorf("insert exception: %w", err)
	}
	return nil
}

// InsertContextPackage appends one compiled package. There is no update path;
// recompiles always produce a new row.
func (s *State) InsertContextPackage(ctx context.Context, pkg models.CompiledContextPackage) error {
	body, err := json.Marshal(pkg)
	if err != nil {
		return fmt.Errorf("encode context package: %w", err)
	}
	const q = `INSERT INTO context_packages (package_id, project_id, compiled_at, body) VALUES ($1, $2, $3, $4)`
	if _, err := s.db.Exec(ctx, q, pkg.PackageID, pkg.ProjectID, pkg.Integrity.CompiledAt, body); err != nil {
		return fmt.Errorf("insert context package: %w", err)
	}
	return nil
}

func (s *State) LatestContextPackage(ctx context.Context, projectID string) (*models.CompiledContextPackage, error) {
	const q = `SELECT body FROM context_packages WHERE project_id = $1 ORDER BY compiled_at DESC LIMIT 1`
	var raw []byte
	err := s.db.QueryRow(ctx, q, projectID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select latest context package: %w", err)
	}
	var pkg models.CompiledContextPackage
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return nil, fmt.Errorf("decode context package: %w", err)
	}
	return &pkg, nil
}

// GateForTransition prefers a project-specific gate over the org-wide default
// for the same transition. Nil means no gate is defined.
func (s *State) GateForTransition(ctx context.Context, projectID, sourceEnv, targetEnv string) (*models.PromotionGate, error) {
	const q = `SELECT gate_id, project_id, source_environment, target_environment, rules
		FROM promotion_gates
		WHERE source_environment = $2 AND target_environment = $3 AND project_id IN ($1, '')
		ORDER BY project_id DESC LIMIT 1`
	var (
		gate models.PromotionGate
		raw  []byte
	)
	err := s.db.QueryRow(ctx, q, projectID, sourceEnv, targetEnv).Scan(
		&gate.GateID, &gate.ProjectID, &gate.SourceEnvironment, &gate.TargetEnvironment, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select gate: %w", err)
	}
	if err := json.Unmarshal(raw, &gate.Rules); err != nil {
		return nil, fmt.Errorf("decode gate rules: %w", err)
	}
	return &gate, nil
}

func (s *State) InsertGateIfAbsent(ctx context.Context, gate models.PromotionGate) error {
	rules, err := json.Marshal(gate.Rules)
	if err != nil {
		return fmt.Errorf("encode gate rules: %w", err)
	}
	const q = `INSERT INTO promotion_gates (gate_id, project_id, source_environment, target_environment, rules)
		VALUES ($1, $2, $3, $4, $5) ON CONFLICT (gate_id) DO NOTHING`
	if _, err := s.db.Exec(ctx, q, gate.GateID, gate.ProjectID, gate.SourceEnvironment, gate.TargetEnvironment, rules); err != nil {
		return fmt.Errorf("insert gate: %w", err)
	}
	return nil
}

func (s *State) InsertGateEvaluation(ctx context.Context, eval models.GateEvaluation) error {
	body, err := json.Marshal(eval)
	if err != nil {
		return fmt.Errorf("encode gate evaluation: %w", err)
	}
	const q = `INSERT INTO gate_evaluations
		(evaluation_id, project_id, gate_id, source_environment, target_environment, status, body, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = s.db.Exec(ctx, q, eval.EvaluationID, eval.ProjectID, eval.GateID,
		eval.SourceEnvironment, eval.TargetEnvironment, eval.Status, body, eval.EvaluatedAt)
	if err != nil {
		return fmt.Errorf("insert gate evaluation: %w", err)
	}
	return nil
}

func (s *State) LatestGateEvaluation(ctx context.Context, projectID string) (*models.GateEvaluation, error) {
	const q = `SELECT body FROM gate_evaluations WHERE project_id = $1 ORDER BY evaluated_at DESC LIMIT 1`
	var raw []byte
	err := s.db.QueryRow(ctx, q, projectID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select latest evaluation: %w", err)
	}
	var eval models.GateEvaluation
	if err := json.Unmarshal(raw, &eval); err != nil {
		return nil, fmt.Errorf("decode gate evaluation: %w", err)
	}
	return &eval, nil
}

// SetDefaultPipeline clears any previous default before writing the new one
// so exactly one pipeline row carries is_default at a time.
func (s *State) SetDefaultPipeline(ctx context.Context, pipeline models.PromotionPipeline) error {
	stages, err := json.Marshal(pipeline.Stages)
	if err != nil {
		return fmt.Errorf("encode pipeline stages: %w", err)
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin pipeline tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `UPDATE promotion_pipelines SET is_default = FALSE WHERE is_default`); err != nil {
		return fmt.Errorf("clear default pipeline: %w", err)
	}
	const q = `INSERT INTO promotion_pipelines (pipeline_id, org_id, name, stages, is_default)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (pipeline_id) DO UPDATE SET
			org_id = EXCLUDED.org_id,
			name = EXCLUDED.name,
			stages = EXCLUDED.stages,
			is_default = TRUE`
	if _, err := tx.Exec(ctx, q, pipeline.PipelineID, pipeline.OrgID, pipeline.Name, stages); err != nil {
		return fmt.Errorf("upsert default pipeline: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *State) DefaultPipeline(ctx context.Context) (models.PromotionPipeline, error) {
	const q = `SELECT pipeline_id, org_id, name, stages FROM promotion_pipelines WHERE is_default LIMIT 1`
	var (
		p   models.PromotionPipeline
		raw []byte
	)
	err := s.db.QueryRow(ctx, q).Scan(&p.PipelineID, &p.OrgID, &p.Name, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PromotionPipeline{}, fmt.Errorf("default pipeline: %w", ErrNotFound)
	}
	if err != nil {
		return models.PromotionPipeline{}, fmt.Errorf("select default pipeline: %w", err)
	}
	if err := json.Unmarshal(raw, &p.Stages); err != nil {
		return models.PromotionPipeline{}, fmt.Errorf("decode pipeline stages: %w", err)
	}
	p.IsDefault = true
	return p, nil
}

func (s *State) OpenFindingCount(ctx context.Context, projectID, severity string) (int, error) {
	const q = `SELECT count(*) FROM findings WHERE project_id = $1 AND severity = $2 AND status = 'open'`
	var n int
	if err := s.db.QueryRow(ctx, q, projectID, severity).Scan(&n); err != nil {
		return 0, fmt.Errorf("count findings by severity: %w", err)
	}
	return n, nil
}

func (s *State) OpenFindingCountBySource(ctx context.Context, projectID, source string) (int, error) {
	const q = `SELECT count(*) FROM findings WHERE project_id = $1 AND source = $2 AND status = 'open'`
	var n int
	if err := s.db.QueryRow(ctx, q, projectID, source).Scan(&n); err != nil {
		return 0, fmt.Errorf("count findings by source: %w", err)
	}
	return n, nil
}

func (s *State) InsertFinding(ctx context.Context, f models.Finding) error {
	const q = `INSERT INTO findings (finding_id, project_id, source, severity, status, title, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (finding_id) DO UPDATE SET status = EXCLUDED.status, severity = EXCLUDED.severity`
	if _, err := s.db.Exec(ctx, q, f.FindingID, f.ProjectID, f.Source, f.Severity, f.Status, f.Title, f.CreatedAt); err != nil {
		return fmt.Errorf("insert finding: %w", err)
	}
	return nil
}

func (s *State) CoverageReport(ctx context.Context, projectID, suite string) (*models.CoverageReport, error) {
	const q = `SELECT project_id, suite, coverage_pct, pass_rate, reported_at
		FROM coverage_reports WHERE project_id = $1 AND suite = $2
		ORDER BY reported_at DESC LIMIT 1`
	var r models.CoverageReport
	err := s.db.QueryRow(ctx, q, projectID, suite).Scan(&r.ProjectID, &r.Suite, &r.CoveragePct, &r.PassRate, &r.ReportedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select coverage report: %w", err)
	}
	return &r, nil
}

func (s *State) UpsertCoverageReport(ctx context.Context, r models.CoverageReport) error {
	const q = `INSERT INTO coverage_reports (project_id, suite, coverage_pct, pass_rate, reported_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.db.Exec(ctx, q, r.ProjectID, r.Suite, r.CoveragePct, r.PassRate, r.ReportedAt); err != nil {
		return fmt.Errorf("insert coverage report: %w", err)
	}
	return nil
}

func (s *State) HasEvidence(ctx context.Context, projectID, controlID, evidenceType string) (bool, error) {
	const q = `SELECT EXISTS (
		SELECT 1 FROM evidence_packages
		WHERE project_id = $1 AND control_id = $2 AND status = 'collected'
			AND ($3 = '' OR evidence_type = $3))`
	return s.exists(ctx, q, projectID, controlID, evidenceType)
}

func (s *State) InsertEvidence(ctx context.Context, e models.EvidencePackage) error {
	const q = `INSERT INTO evidence_packages
		(evidence_id, project_id, control_id, framework, evidence_type, status, collected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := s.db.Exec(ctx, q, e.EvidenceID, e.ProjectID, e.ControlID, e.Framework, e.EvidenceType, e.Status, e.CollectedAt); err != nil {
		return fmt.Errorf("insert evidence: %w", err)
	}
	return nil
}

// ApprovalGranted requires a granted request for the checkpoint; when the
// rule names roles, at least one granted request must carry one of them.
func (s *State) ApprovalGranted(ctx context.Context, projectID, checkpointID string, roles []string) (bool, error) {
	if len(roles) == 0 {
		const q = `SELECT EXISTS (
			SELECT 1 FROM approval_requests
			WHERE project_id = $1 AND checkpoint_id = $2 AND status = 'granted')`
		return s.exists(ctx, q, projectID, checkpointID)
	}
	const q = `SELECT EXISTS (
		SELECT 1 FROM approval_requests
		WHERE project_id = $1 AND checkpoint_id = $2 AND status = 'granted' AND role = ANY($3))`
	return s.exists(ctx, q, projectID, checkpointID, roles)
}

func (s *State) InsertApproval(ctx context.Context, a models.ApprovalRequest) error {
	const q = `INSERT INTO approval_requests
		(approval_id, project_id, checkpoint_id, role, status, decided_by, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := s.db.Exec(ctx, q, a.ApprovalID, a.ProjectID, a.CheckpointID, a.Role, a.Status, a.DecidedBy, a.DecidedAt); err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func (s *State) ScanCompletedWithin(ctx context.Context, projectID, source string, since time.Time) (bool, error) {
	const q = `SELECT EXISTS (
		SELECT 1 FROM scan_runs
		WHERE project_id = $1 AND source = $2 AND status = 'completed' AND completed_at > $3)`
	return s.exists(ctx, q, projectID, source, since)
}

func (s *State) RecordScan(ctx context.Context, projectID, source, status string, completedAt time.Time) error {
	const q = `INSERT INTO scan_runs (project_id, source, status, completed_at) VALUES ($1, $2, $3, $4)`
	if _, err := s.db.Exec(ctx, q, projectID, source, status, completedAt); err != nil {
		return fmt.Errorf("insert scan run: %w", err)
	}
	return nil
}
