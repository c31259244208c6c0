package resolver

import (
	"context"
	"fmt"
	"sort"

	"ladder/pkg/models"
)

// SourceReader is the persistence boundary the resolver reads through.
// OrgBaseline returns nil (not an error) when the org has no baseline.
type SourceReader interface {
	Project(ctx context.Context, projectID string) (models.Project, error)
	OrgBaseline(ctx context.Context, orgID string) (*models.OrgBaseline, error)
	FrameworkRequirements(ctx context.Context, businessUnitID string) ([]models.FrameworkRequirement, error)
}

type Resolver struct {
	Source SourceReader
}

func New(source SourceReader) *Resolver {
	return &Resolver{Source: source}
}

// Resolve merges org-baseline floor requirements with the project BU's
// framework requirements for one transition. Merging may only tighten a
// requirement: when both sources assert the same control_id the stricter
// level wins. A project without an org or BU gets the other source alone.
func (r *Resolver) Resolve(ctx context.Context, projectID, sourceEnv, targetEnv string) ([]models.ResolvedRequirement, error) {
	project, err := r.Source.Project(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("resolve requirements: %w", err)
	}
	transition := models.TransitionKey(sourceEnv, targetEnv)
	merged := map[string]models.ResolvedRequirement{}

	if project.OrgID != "" {
		baseline, err := r.Source.OrgBaseline(ctx, project.OrgID)
		if err != nil {
			return nil, fmt.Errorf("resolve requirements: org baseline: %w", err)
		}
		if baseline != nil {
			for _, floor := range baseline.Document.FrameworkRequirements {
				merged[floor.ControlID] = models.ResolvedRequirement{
					ControlID:        floor.ControlID,
					Framework:        floor.Framework,
					RequirementLevel: normalizeLevel(floor.RequirementLevel),
					EvidenceType:     floor.EvidenceType,
					Source:           models.SourceOrgBaseline,
					Transition:       transition,
				}
			}
		}
	}

	if project.BusinessUnitID != "" {
		reqs, err := r.Source.FrameworkRequirements(ctx, project.BusinessUnitID)
		if err != nil {
			return nil, fmt.Errorf("resolve requirements: framework requirements: %w", err)
		}
		for _, req := range reqs {
			if !req.AppliesTo(transition) {
				continue
			}
			level := normalizeLevel(req.RequirementLevel)
			existing, ok := merged[req.ControlID]
			if !ok {
				merged[req.ControlID] = models.ResolvedRequirement{
					ControlID:        req.ControlID,
					Framework:        req.Framework,
					RequirementLevel: level,
					EvidenceType:     req.EvidenceType,
					Source:           models.SourceBUFramework,
					Transition:       transition,
				}
				continue
			}
			if existing.RequirementLevel != models.LevelMandatory && level == models.LevelMandatory {
				existing.RequirementLevel = models.LevelMandatory
				existing.Framework = req.Framework
				existing.EvidenceType = req.EvidenceType
				existing.Source = models.SourceBUFramework
				merged[req.ControlID] = existing
			}
		}
	}

	out := make([]models.ResolvedRequirement, 0, len(merged))
	for _, req := range merged {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequirementLevel != out[j].RequirementLevel {
			return out[i].RequirementLevel == models.LevelMandatory
		}
		return out[i].ControlID < out[j].ControlID
	})
	return out, nil
}

func normalizeLevel(level string) string {
	if level == models.LevelMandatory {
		return models.LevelMandatory
	}
	return models.LevelRecommended
}
