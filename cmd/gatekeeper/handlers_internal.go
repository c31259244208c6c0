package main

import (
	"encoding/json"
	"net/http"
	"time"

	"ladder/pkg/httpx"
	"ladder/pkg/models"

	"github.com/google/uuid"
)

// The internal surface is how control-plane tooling and scanners load policy
// inputs and posture signals. Every handler decodes one document, fills ids
// and timestamps the caller omitted, and writes through the store.

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpx.Error(w, 400, "invalid json body")
		return false
	}
	return true
}

func (s *Server) putProject(w http.ResponseWriter, r *http.Request) {
	var p models.Project
	if !decodeBody(w, r, &p) {
		return
	}
	if p.ID == "" || p.Name == "" {
		httpx.Error(w, 400, "id and name are required")
		return
	}
	if err := s.State.UpsertProject(r.Context(), p); err != nil {
		internalServerError(w, "upsert project", err)
		return
	}
	httpx.WriteJSON(w, 200, p)
}

func (s *Server) putBusinessUnit(w http.ResponseWriter, r *http.Request) {
	var bu models.BusinessUnit
	if !decodeBody(w, r, &bu) {
		return
	}
	if bu.ID == "" || bu.OrgID == "" {
		httpx.Error(w, 400, "id and org_id are required")
		return
	}
	if err := s.State.UpsertBusinessUnit(r.Context(), bu); err != nil {
		internalServerError(w, "upsert business unit", err)
		return
	}
	httpx.WriteJSON(w, 200, bu)
}

func (s *Server) putOrgBaseline(w http.ResponseWriter, r *http.Request) {
	var b models.OrgBaseline
	if !decodeBody(w, r, &b) {
		return
	}
	if b.OrgID == "" {
		httpx.Error(w, 400, "org_id is required")
		return
	}
	if b.BaselineID == "" {
		b.BaselineID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	if err := s.State.InsertOrgBaseline(r.Context(), b); err != nil {
		internalServerError(w, "insert org baseline", err)
		return
	}
	httpx.WriteJSON(w, 201, b)
}

func (s *Server) putAppSpec(w http.ResponseWriter, r *http.Request) {
	var spec models.AppSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	if spec.ProjectID == "" {
		httpx.Error(w, 400, "project_id is required")
		return
	}
	if spec.SpecID == "" {
		spec.SpecID = uuid.NewString()
	}
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = time.Now().UTC()
	}
	if err := s.State.InsertAppSpec(r.Context(), spec); err != nil {
		internalServerError(w, "insert app spec", err)
		return
	}
	httpx.WriteJSON(w, 201, spec)
}

func (s *Server) putEnvironmentProfile(w http.ResponseWriter, r *http.Request) {
	var profile models.EnvironmentProfile
	if !decodeBody(w, r, &profile) {
		return
	}
	if profile.ProjectID == "" || profile.Environment == "" {
		httpx.Error(w, 400, "project_id and environment are required")
		return
	}
	if profile.ProfileID == "" {
		profile.ProfileID = uuid.NewString()
	}
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = time.Now().UTC()
	}
	if err := s.State.InsertEnvironmentProfile(r.Context(), profile); err != nil {
		internalServerError(w, "insert environment profile", err)
		return
	}
	httpx.WriteJSON(w, 201, profile)
}

func (s *Server) putException(w http.ResponseWriter, r *http.Request) {
	var e models.Exception
	if !decodeBody(w, r, &e) {
		return
	}
	if e.ProjectID == "" || e.Reason == "" || e.ApprovedBy == "" {
		httpx.Error(w, 400, "project_id, reason and approved_by are required")
		return
	}
	if e.ExpiresAt.IsZero() {
		httpx.Error(w, 400, "expires_at is required; exceptions are time-boxed")
		return
	}
	if e.ExceptionID == "" {
		e.ExceptionID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = "active"
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if err := s.State.InsertException(r.Context(), e); err != nil {
		internalServerError(w, "insert exception", err)
		return
	}
	httpx.WriteJSON(w, 201, e)
}

func (s *Server) putFinding(w http.ResponseWriter, r *http.Request) {
	var f models.Finding
	if !decodeBody(w, r, &f) {
		return
	}
	if f.ProjectID == "" || f.Source == "" || f.Severity == "" {
		httpx.Error(w, 400, "project_id, source and severity are required")
		return
	}
	if f.FindingID == "" {
		f.FindingID = uuid.NewString()
	}
	if f.Status == "" {
		f.Status = "open"
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	if err := s.State.InsertFinding(r.Context(), f); err != nil {
		internalServerError(w, "insert finding", err)
		return
	}
	httpx.WriteJSON(w, 201, f)
}

func (s *Server) putCoverageReport(w http.ResponseWriter, r *http.Request) {
	var report models.CoverageReport
	if !decodeBody(w, r, &report) {
		return
	}
	if report.ProjectID == "" || report.Suite == "" {
		httpx.Error(w, 400, "project_id and suite are required")
		return
	}
	if report.ReportedAt.IsZero() {
		report.ReportedAt = time.Now().UTC()
	}
	if err := s.State.UpsertCoverageReport(r.Context(), report); err != nil {
		internalServerError(w, "upsert coverage report", err)
		return
	}
	httpx.WriteJSON(w, 200, report)
}

func (s *Server) putEvidence(w http.ResponseWriter, r *http.Request) {
	var e models.EvidencePackage
	if !decodeBody(w, r, &e) {
		return
	}
	if e.ProjectID == "" || e.ControlID == "" {
		httpx.Error(w, 400, "project_id and control_id are required")
		return
	}
	if e.EvidenceID == "" {
		e.EvidenceID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = "collected"
	}
	if e.CollectedAt.IsZero() {
		e.CollectedAt = time.Now().UTC()
	}
	if err := s.State.InsertEvidence(r.Context(), e); err != nil {
		internalServerError(w, "insert evidence", err)
		return
	}
	httpx.WriteJSON(w, 201, e)
}

func (s *Server) putApproval(w http.ResponseWriter, r *http.Request) {
	var a models.ApprovalRequest
	if !decodeBody(w, r, &a) {
		return
	}
	if a.ProjectID == "" || a.CheckpointID == "" {
		httpx.Error(w, 400, "project_id and checkpoint_id are required")
		return
	}
	if a.ApprovalID == "" {
		a.ApprovalID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = "pending"
	}
	if err := s.State.InsertApproval(r.Context(), a); err != nil {
		internalServerError(w, "insert approval", err)
		return
	}
	httpx.WriteJSON(w, 201, a)
}

func (s *Server) putScan(w http.ResponseWriter, r *http.Request) {
	var scan struct {
		ProjectID   string    `json:"project_id"`
		Source      string    `json:"source"`
		Status      string    `json:"status"`
		CompletedAt time.Time `json:"completed_at"`
	}
	if !decodeBody(w, r, &scan) {
		return
	}
	if scan.ProjectID == "" || scan.Source == "" {
		httpx.Error(w, 400, "project_id and source are required")
		return
	}
	if scan.Status == "" {
		scan.Status = "completed"
	}
	if scan.CompletedAt.IsZero() {
		scan.CompletedAt = time.Now().UTC()
	}
	if err := s.State.RecordScan(r.Context(), scan.ProjectID, scan.Source, scan.Status, scan.CompletedAt); err != nil {
		internalServerError(w, "record scan", err)
		return
	}
	httpx.WriteJSON(w, 201, scan)
}
