package policyengine

import (
	"sort"

	"ladder/pkg/models"
)

// Engine answers action/diff/network questions from one already-compiled
// context package. Everything is pre-indexed at construction; no method
// touches the network or a database, which is what makes per-tool-call
// invocation on a developer machine viable.
type Engine struct {
	pkg         models.CompiledContextPackage
	allowed     map[string]struct{}
	blocked     map[string]struct{}
	approval    map[string]struct{}
	prohibited  map[string]struct{}
	allowlist   map[string]struct{}
	checkpoints map[string]models.ApprovalCheckpoint
	diffTable   []diffPattern
}

// New verifies the package integrity hash before indexing. A package whose
// recomputed hash does not match is untrusted and must not drive allow
// decisions.
func New(pkg models.CompiledContextPackage) (*Engine, error) {
	if err := models.VerifyIntegrity(&pkg); err != nil {
		return nil, err
	}
	e := &Engine{
		pkg:         pkg,
		allowed:     toSet(pkg.AutonomyPolicy.AllowedActions),
		blocked:     toSet(pkg.AutonomyPolicy.BlockedActions),
		approval:    toSet(pkg.AutonomyPolicy.ApprovalRequiredFor),
		prohibited:  toSet(pkg.SecurityRequirements.ProhibitedPatterns),
		allowlist:   toSet(pkg.NetworkRequirements.OutboundAllowlist),
		checkpoints: map[string]models.ApprovalCheckpoint{},
	}
	for _, cp := range pkg.ApprovalCheckpoints {
		e.checkpoints[cp.Trigger] = cp
	}
	for _, p := range diffPatterns {
		if _, ok := e.prohibited[p.Name]; ok {
			e.diffTable = append(e.diffTable, p)
		}
	}
	return e, nil
}

// Package returns the package the engine was built from.
func (e *Engine) Package() models.CompiledContextPackage { return e.pkg }

// CheckAction decides one action. Blocked takes precedence over
// approval-required, which takes precedence over allowed; anything not in
// an explicit set is denied (fail closed).
func (e *Engine) CheckAction(action string) models.ActionDecision {
	if _, ok := e.blocked[action]; ok {
		return models.ActionDecision{
			Decision:  models.DecisionBlock,
			Reason:    "action is explicitly blocked",
			PolicyRef: "autonomy_policy.blocked_actions",
		}
	}
	if _, ok := e.approval[action]; ok {
		return models.ActionDecision{
			Decision:  models.DecisionApprovalRequired,
			Reason:    "action requires approval",
			PolicyRef: "autonomy_policy.approval_required_for",
		}
	}
	if _, ok := e.allowed[action]; ok {
		return models.ActionDecision{
			Decision:  models.DecisionAllow,
			Reason:    "action is explicitly allowed",
			PolicyRef: "autonomy_policy.allowed_actions",
		}
	}
	return models.ActionDecision{
		Decision:  models.DecisionBlock,
		Reason:    "action is not in the allowed set; default deny",
		PolicyRef: "autonomy_policy",
	}
}

// Checkpoint returns the approval checkpoint registered for a trigger.
func (e *Engine) Checkpoint(trigger string) (models.ApprovalCheckpoint, bool) {
	cp, ok := e.checkpoints[trigger]
	return cp, ok
}

// CheckNetwork decides outbound reachability for one host. Matching is
// literal: no wildcard or subdomain expansion.
func (e *Engine) CheckNetwork(host string) models.PolicyResult {
	if !e.pkg.NetworkRequirements.PublicEgressForbidden {
		return models.PolicyResult{Allowed: true, Reason: "public egress is not restricted"}
	}
	if _, ok := e.allowlist[host]; ok {
		return models.PolicyResult{Allowed: true, Reason: "host is on the outbound allowlist"}
	}
	return models.PolicyResult{Allowed: false, Reason: "public egress forbidden and host is not allowlisted"}
}

// Summary is a flattened, sorted, human-auditable snapshot of the indexed
// policy sets. The package carries policy metadata only, never secrets.
type Summary struct {
	PackageID           string   `json:"package_id"`
	AutonomyMode        string   `json:"autonomy_mode"`
	AllowedActions      []string `json:"allowed_actions"`
	BlockedActions      []string `json:"blocked_actions"`
	ApprovalRequiredFor []string `json:"approval_required_for"`
	ProhibitedPatterns  []string `json:"prohibited_patterns"`
	OutboundAllowlist   []string `json:"outbound_allowlist"`
	EgressForbidden     bool     `json:"public_egress_forbidden"`
	CheckpointTriggers  []string `json:"checkpoint_triggers"`
}

func (e *Engine) PolicySummary() Summary {
	triggers := make([]string, 0, len(e.checkpoints))
	for t := range e.checkpoints {
		triggers = append(triggers, t)
	}
	sort.Strings(triggers)
	return Summary{
		PackageID:           e.pkg.PackageID,
		AutonomyMode:        e.pkg.AutonomyPolicy.Mode,
		AllowedActions:      setToSorted(e.allowed),
		BlockedActions:      setToSorted(e.blocked),
		ApprovalRequiredFor: setToSorted(e.approval),
		ProhibitedPatterns:  setToSorted(e.prohibited),
		OutboundAllowlist:   setToSorted(e.allowlist),
		EgressForbidden:     e.pkg.NetworkRequirements.PublicEgressForbidden,
		CheckpointTriggers:  triggers,
	}
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
