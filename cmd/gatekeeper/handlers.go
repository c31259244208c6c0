package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"ladder/pkg/audit"
	"ladder/pkg/auth"
	"ladder/pkg/bus"
	"ladder/pkg/compiler"
	"ladder/pkg/gate"
	"ladder/pkg/httpx"
	"ladder/pkg/models"
	"ladder/pkg/policyengine"
	"ladder/pkg/resolver"
	"ladder/pkg/store"
	"ladder/pkg/stream"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func compileLockKey(projectID string) string {
	return "ladder:compile:lock:" + projectID
}

func internalServerError(w http.ResponseWriter, op string, err error) {
	log.Printf("%s: %v", op, err)
	httpx.Error(w, 500, "internal error")
}

func (s *Server) emit(r *http.Request, eventType, projectID string, data interface{}) {
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(eventType, data))
	}
	if s.Publisher != nil {
		if err := s.Publisher.Publish(r.Context(), eventType, projectID, data); err != nil {
			log.Printf("publish %s: %v", eventType, err)
		}
	}
}

func (s *Server) appendAudit(r *http.Request, kind, projectID, outcome string, payload interface{}) {
	if s.Audit == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("audit encode: %v", err)
		return
	}
	rec := audit.Record{
		RecordID:  uuid.NewString(),
		Kind:      kind,
		ProjectID: projectID,
		ActorID:   actorID(r),
		Outcome:   outcome,
		Payload:   raw,
	}
	if err := s.Audit.Append(r.Context(), rec); err != nil {
		log.Printf("audit append: %v", err)
	}
}

func actorID(r *http.Request) string {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok && p.Subject != "" && p.Subject != "anonymous" {
		return p.Subject
	}
	if v := r.Header.Get("X-Actor-Id"); v != "" {
		return v
	}
	return "anonymous"
}

func traceID(r *http.Request) string {
	if v := r.Header.Get("X-Request-Id"); v != "" {
		return v
	}
	return uuid.NewString()
}

func (s *Server) compileContextPackage(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	applyExceptions := r.URL.Query().Get("apply_exceptions") != "false"

	// One in-flight compile per project. The lock TTL bounds how long a
	// crashed worker can block later compiles.
	if s.Locks != nil {
		key := compileLockKey(projectID)
		acquired, err := s.Locks.SetNX(r.Context(), key, traceID(r), 10*time.Second)
		if err == nil && !acquired {
			httpx.Error(w, 409, "compile already in progress for project")
			return
		}
		if err == nil {
			defer s.Locks.Del(r.Context(), key)
		}
	}

	pkg, err := s.Compiler.Compile(r.Context(), projectID, traceID(r), applyExceptions)
	if err != nil {
		s.Metrics.IncCompile(true)
		var missing *compiler.MissingPolicyInputError
		switch {
		case errors.As(err, &missing):
			httpx.WriteJSON(w, 422, map[string]interface{}{
				"error":   "project is not ready to compile",
				"missing": missing.Missing,
			})
		case errors.Is(err, store.ErrNotFound):
			httpx.Error(w, 404, "project not found")
		default:
			internalServerError(w, "compile context package", err)
		}
		s.appendAudit(r, audit.KindContextCompile, projectID, "failed", map[string]string{"error": err.Error()})
		return
	}

	s.Metrics.IncCompile(false)
	if s.PackageCache != nil {
		s.PackageCache.Put(r.Context(), &pkg)
	}
	s.emit(r, bus.EventContextCompiled, projectID, map[string]interface{}{
		"package_id":     pkg.PackageID,
		"project_id":     pkg.ProjectID,
		"integrity_hash": pkg.Integrity.Hash,
	})
	s.appendAudit(r, audit.KindContextCompile, projectID, "compiled", map[string]string{
		"package_id":     pkg.PackageID,
		"integrity_hash": pkg.Integrity.Hash,
	})
	httpx.WriteJSON(w, 201, pkg)
}

func (s *Server) latestContextPackage(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	pkg, err := s.loadLatestPackage(r, projectID)
	if err != nil {
		internalServerError(w, "load context package", err)
		return
	}
	if pkg == nil {
		httpx.Error(w, 404, "no context package compiled for project")
		return
	}
	if err := models.VerifyIntegrity(pkg); err != nil {
		httpx.Error(w, 409, "stored context package failed integrity verification")
		return
	}
	httpx.WriteJSON(w, 200, pkg)
}

// loadLatestPackage consults the cache first and falls back to the store,
// refilling the cache on a miss. A nil package with nil error means no
// package has been compiled yet.
func (s *Server) loadLatestPackage(r *http.Request, projectID string) (*models.CompiledContextPackage, error) {
	if s.PackageCache != nil {
		if pkg, ok := s.PackageCache.Get(r.Context(), projectID); ok {
			return pkg, nil
		}
	}
	pkg, err := s.State.LatestContextPackage(r.Context(), projectID)
	if err != nil {
		return nil, err
	}
	if pkg != nil && s.PackageCache != nil {
		s.PackageCache.Put(r.Context(), pkg)
	}
	return pkg, nil
}

func (s *Server) resolvedRequirements(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	source := r.URL.Query().Get("source")
	target := r.URL.Query().Get("target")
	if source == "" || target == "" {
		httpx.Error(w, 400, "source and target query parameters are required")
		return
	}
	if !models.ValidTransition(source, target) {
		httpx.Error(w, 400, fmt.Sprintf("unknown transition %s", models.TransitionKey(source, target)))
		return
	}
	reqs, err := s.Resolver.Resolve(r.Context(), projectID, source, target)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.Error(w, 404, "project not found")
			return
		}
		internalServerError(w, "resolve requirements", err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"project_id":   projectID,
		"transition":   models.TransitionKey(source, target),
		"requirements": reqs,
	})
}

func (s *Server) evaluateGate(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	var req struct {
		SourceEnvironment string `json:"source_environment"`
		TargetEnvironment string `json:"target_environment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json body")
		return
	}
	if req.SourceEnvironment == "" || req.TargetEnvironment == "" {
		httpx.Error(w, 400, "source_environment and target_environment are required")
		return
	}
	if !models.ValidTransition(req.SourceEnvironment, req.TargetEnvironment) {
		httpx.Error(w, 400, fmt.Sprintf("unknown transition %s", models.TransitionKey(req.SourceEnvironment, req.TargetEnvironment)))
		return
	}

	start := time.Now()
	eval, err := s.Evaluator.Evaluate(r.Context(), projectID, req.SourceEnvironment, req.TargetEnvironment)
	s.Metrics.ObserveEvaluateLatency(time.Since(start))
	if err != nil {
		var notFound *gate.GateNotFoundError
		var unknownRule *gate.UnknownRuleTypeError
		switch {
		case errors.As(err, &notFound):
			httpx.Error(w, 404, notFound.Error())
		case errors.As(err, &unknownRule):
			httpx.Error(w, 422, unknownRule.Error())
		case errors.Is(err, store.ErrNotFound):
			httpx.Error(w, 404, "project not found")
		default:
			internalServerError(w, "evaluate gate", err)
		}
		return
	}

	s.Metrics.IncEvaluationStatus(eval.Status)
	for _, rr := range eval.RuleResults {
		s.Metrics.IncRuleResult(rr.RuleType, rr.Result)
	}
	s.emit(r, bus.EventGateEvaluated, projectID, map[string]interface{}{
		"evaluation_id": eval.EvaluationID,
		"project_id":    eval.ProjectID,
		"gate_id":       eval.GateID,
		"status":        eval.Status,
		"progress_pct":  eval.ProgressPct,
		"blockers":      eval.Blockers,
	})
	s.appendAudit(r, audit.KindGateEvaluation, projectID, eval.Status, eval)
	httpx.WriteJSON(w, 201, eval)
}

func (s *Server) latestEvaluation(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	eval, err := s.State.LatestGateEvaluation(r.Context(), projectID)
	if err != nil {
		internalServerError(w, "load evaluation", err)
		return
	}
	if eval == nil {
		httpx.Error(w, 404, "no evaluation recorded for project")
		return
	}
	httpx.WriteJSON(w, 200, eval)
}

func (s *Server) checkAction(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	if s.Limiter != nil {
		decision := s.Limiter.Allow("check-action:"+projectID, s.ActionCheckLimit)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		if !decision.Allowed {
			httpx.Error(w, 429, "rate limit exceeded")
			return
		}
	}

	var req struct {
		Action    string          `json:"action"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json body")
		return
	}
	if req.Action == "" {
		httpx.Error(w, 400, "action is required")
		return
	}

	pkg, err := s.loadLatestPackage(r, projectID)
	if err != nil {
		internalServerError(w, "load context package", err)
		return
	}
	if pkg == nil {
		httpx.Error(w, 404, "no context package compiled for project")
		return
	}
	engine, err := policyengine.New(*pkg)
	if err != nil {
		var mismatch *models.IntegrityMismatchError
		if errors.As(err, &mismatch) {
			httpx.Error(w, 409, "stored context package failed integrity verification")
			return
		}
		internalServerError(w, "build policy engine", err)
		return
	}

	decision := engine.CheckAction(req.Action)
	s.Metrics.IncActionDecision(decision.Decision)
	s.emit(r, bus.EventActionChecked, projectID, map[string]interface{}{
		"action":     req.Action,
		"decision":   decision.Decision,
		"package_id": pkg.PackageID,
	})
	s.appendAudit(r, audit.KindActionDecision, projectID, decision.Decision, map[string]interface{}{
		"action":     req.Action,
		"arguments":  req.Arguments,
		"decision":   decision.Decision,
		"reason":     decision.Reason,
		"policy_ref": decision.PolicyRef,
		"package_id": pkg.PackageID,
	})
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"action":     req.Action,
		"package_id": pkg.PackageID,
		"decision":   decision.Decision,
		"reason":     decision.Reason,
		"policy_ref": decision.PolicyRef,
	})
}

func (s *Server) deriveFrameworkRequirements(w http.ResponseWriter, r *http.Request) {
	businessUnitID := chi.URLParam(r, "id")
	reqs, err := resolver.DeriveFrameworkRequirements(r.Context(), s.State, businessUnitID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.Error(w, 404, "business unit not found")
			return
		}
		httpx.Error(w, 422, err.Error())
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"bu_id":        businessUnitID,
		"count":        len(reqs),
		"requirements": reqs,
	})
}

func (s *Server) defaultPipeline(w http.ResponseWriter, r *http.Request) {
	pipeline, err := s.State.DefaultPipeline(r.Context())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.Error(w, 404, "no default pipeline configured")
			return
		}
		internalServerError(w, "load pipeline", err)
		return
	}
	httpx.WriteJSON(w, 200, pipeline)
}
