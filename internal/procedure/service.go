// Package procedure manages procedure templates: the reusable step sequences
// that work instances are created from. It owns template versioning, step
// ordering, and the renumbering that keeps branch references consistent when
// steps are deleted.
package procedure

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gestia/tramite/model"
)

// ReferenceChecker reports whether live work records still reference a
// template or one of its steps. Implemented by the work store.
type ReferenceChecker interface {
	TemplateInUse(ctx context.Context, templateID int64) (bool, error)
	StepTemplateInUse(ctx context.Context, stepTemplateID int64) (bool, error)
}

// Service coordinates template and step mutations against the store.
type Service struct {
	store Store
	refs  ReferenceChecker
}

// NewService creates a new template service.
func NewService(store Store, refs ReferenceChecker) *Service {
	return &Service{store: store, refs: refs}
}

// CreateTemplate persists a new template in draft status and records the
// initial history entry.
func (s *Service) CreateTemplate(
	ctx context.Context,
	rctx *model.RequestContext,
	t model.ProcedureTemplate,
) (model.ProcedureTemplate, error) {
	if t.Name == "" {
		return model.ProcedureTemplate{}, model.NewValidationError(model.FieldError{
			Field: "name", Code: "required", Message: "name is required",
		})
	}
	if t.Status == "" {
		t.Status = model.TemplateStatusDraft
	}
	if t.Version == "" {
		t.Version = "1.0"
	}
	if t.Level == "" {
		t.Level = model.TierGeneral
	}

	now := time.Now().UTC()
	t.CreatedBy = rctx.ActorID
	t.UpdatedBy = rctx.ActorID
	t.CreatedAt = now
	t.UpdatedAt = now

	created, err := s.store.CreateTemplate(ctx, t)
	if err != nil {
		return model.ProcedureTemplate{}, err
	}

	_, err = s.store.AppendHistory(ctx, model.HistoryEntry{
		TemplateID: created.ID,
		Version:    created.Version,
		ActorID:    rctx.ActorID,
		Note:       "initial creation",
		ChangedAt:  now,
	})
	if err != nil {
		return model.ProcedureTemplate{}, err
	}
	return created, nil
}

// UpdateTemplate persists template changes. A history entry is appended when
// the version changed or a change note was supplied.
func (s *Service) UpdateTemplate(
	ctx context.Context,
	rctx *model.RequestContext,
	t model.ProcedureTemplate,
	changeNote string,
) (model.ProcedureTemplate, error) {
	existing, err := s.store.GetTemplate(ctx, t.ID)
	if err != nil {
		return model.ProcedureTemplate{}, err
	}

	t.CreatedBy = existing.CreatedBy
	t.CreatedAt = existing.CreatedAt
	t.UpdatedBy = rctx.ActorID
	t.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateTemplate(ctx, t); err != nil {
		return model.ProcedureTemplate{}, err
	}

	if t.Version != existing.Version || changeNote != "" {
		note := changeNote
		if note == "" {
			note = "template updated"
		}
		_, err = s.store.AppendHistory(ctx, model.HistoryEntry{
			TemplateID: t.ID,
			Version:    t.Version,
			ActorID:    rctx.ActorID,
			Note:       note,
			ChangedAt:  t.UpdatedAt,
		})
		if err != nil {
			return model.ProcedureTemplate{}, err
		}
	}
	return t, nil
}

// NewVersion increments a template's minor version and records the change in
// the history log.
func (s *Service) NewVersion(
	ctx context.Context,
	rctx *model.RequestContext,
	templateID int64,
	note string,
) (model.ProcedureTemplate, error) {
	t, err := s.store.GetTemplate(ctx, templateID)
	if err != nil {
		return model.ProcedureTemplate{}, err
	}

	t.Version = bumpMinorVersion(t.Version)
	if note == "" {
		note = "new template version"
	}
	return s.UpdateTemplate(ctx, rctx, t, note)
}

// GetTemplate retrieves a template by ID.
func (s *Service) GetTemplate(ctx context.Context, id int64) (model.ProcedureTemplate, error) {
	return s.store.GetTemplate(ctx, id)
}

// ListTemplates returns templates matching the filters.
func (s *Service) ListTemplates(ctx context.Context, f TemplateFilters) ([]model.ProcedureTemplate, error) {
	return s.store.ListTemplates(ctx, f)
}

// History returns a template's append-only history log.
func (s *Service) History(ctx context.Context, templateID int64) ([]model.HistoryEntry, error) {
	return s.store.History(ctx, templateID)
}

// DeleteTemplate removes a template. Templates referenced by work instances
// are protected from deletion.
func (s *Service) DeleteTemplate(ctx context.Context, templateID int64) error {
	if _, err := s.store.GetTemplate(ctx, templateID); err != nil {
		return err
	}
	inUse, err := s.refs.TemplateInUse(ctx, templateID)
	if err != nil {
		return err
	}
	if inUse {
		return model.NewTemplateInUseError(
			fmt.Sprintf("template %d is referenced by work instances", templateID),
		)
	}
	return s.store.DeleteTemplate(ctx, templateID)
}

// chainLimit bounds related-template traversal against reference cycles.
const chainLimit = 20

// Chain returns the escalation chain starting at the given template and
// following related-template links toward higher tiers.
func (s *Service) Chain(ctx context.Context, templateID int64) ([]model.ProcedureTemplate, error) {
	t, err := s.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}

	chain := []model.ProcedureTemplate{t}
	seen := map[int64]bool{t.ID: true}
	for t.RelatedTemplateID != nil && len(chain) < chainLimit {
		next, err := s.store.GetTemplate(ctx, *t.RelatedTemplateID)
		if err != nil {
			return nil, err
		}
		if seen[next.ID] {
			break
		}
		seen[next.ID] = true
		chain = append(chain, next)
		t = next
	}
	return chain, nil
}

// IsProcessStart reports whether no other template escalates into this one.
func (s *Service) IsProcessStart(ctx context.Context, templateID int64) (bool, error) {
	derived, err := s.store.HasDerived(ctx, templateID)
	if err != nil {
		return false, err
	}
	return !derived, nil
}

// IsProcessEnd reports whether the template has no related higher-tier
// template.
func (s *Service) IsProcessEnd(ctx context.Context, templateID int64) (bool, error) {
	t, err := s.store.GetTemplate(ctx, templateID)
	if err != nil {
		return false, err
	}
	return t.RelatedTemplateID == nil, nil
}

// Steps returns all steps of a template ordered by sequence.
func (s *Service) Steps(ctx context.Context, templateID int64) ([]model.StepTemplate, error) {
	return s.store.Steps(ctx, templateID)
}

// GetStep retrieves a step template by ID.
func (s *Service) GetStep(ctx context.Context, id int64) (model.StepTemplate, error) {
	return s.store.GetStep(ctx, id)
}

// AddStep appends a step to a template. The sequence number is assigned as
// the next free position; branch targets must reference existing steps of
// the same template.
func (s *Service) AddStep(
	ctx context.Context,
	rctx *model.RequestContext,
	step model.StepTemplate,
) (model.StepTemplate, error) {
	t, err := s.store.GetTemplate(ctx, step.TemplateID)
	if err != nil {
		return model.StepTemplate{}, err
	}
	if step.Title == "" {
		return model.StepTemplate{}, model.NewValidationError(model.FieldError{
			Field: "title", Code: "required", Message: "title is required",
		})
	}

	siblings, err := s.store.Steps(ctx, step.TemplateID)
	if err != nil {
		return model.StepTemplate{}, err
	}
	step.Sequence = len(siblings) + 1

	if details := validateBranches(step, siblings); len(details) > 0 {
		return model.StepTemplate{}, model.NewValidationError(details...)
	}

	created, err := s.store.CreateStep(ctx, step)
	if err != nil {
		return model.StepTemplate{}, err
	}
	return created, s.touchTemplate(ctx, rctx, t)
}

// UpdateStep persists step changes. The sequence number is immutable through
// this path; only deletion renumbers.
func (s *Service) UpdateStep(
	ctx context.Context,
	rctx *model.RequestContext,
	step model.StepTemplate,
) error {
	existing, err := s.store.GetStep(ctx, step.ID)
	if err != nil {
		return err
	}
	step.TemplateID = existing.TemplateID
	step.Sequence = existing.Sequence

	siblings, err := s.store.Steps(ctx, step.TemplateID)
	if err != nil {
		return err
	}
	if details := validateBranches(step, siblings); len(details) > 0 {
		return model.NewValidationError(details...)
	}

	if err := s.store.UpdateStep(ctx, step); err != nil {
		return err
	}

	t, err := s.store.GetTemplate(ctx, step.TemplateID)
	if err != nil {
		return err
	}
	return s.touchTemplate(ctx, rctx, t)
}

// DeleteStep removes a step from its template, closes the sequence gap, and
// prunes branch entries that targeted the deleted step. The whole operation
// is applied atomically by the store. Steps referenced by live step
// instances are protected from deletion.
func (s *Service) DeleteStep(ctx context.Context, rctx *model.RequestContext, stepID int64) error {
	step, err := s.store.GetStep(ctx, stepID)
	if err != nil {
		return err
	}

	inUse, err := s.refs.StepTemplateInUse(ctx, stepID)
	if err != nil {
		return err
	}
	if inUse {
		return model.NewStepProtectedError(
			fmt.Sprintf("step %d is referenced by step instances", stepID),
		)
	}

	siblings, err := s.store.Steps(ctx, step.TemplateID)
	if err != nil {
		return err
	}

	changed := stepDeletionPlan(siblings, step)
	if err := s.store.ApplyStepDeletion(ctx, stepID, changed); err != nil {
		return err
	}

	t, err := s.store.GetTemplate(ctx, step.TemplateID)
	if err != nil {
		return err
	}
	return s.touchTemplate(ctx, rctx, t)
}

// stepDeletionPlan computes the surviving steps that must be rewritten after
// removing the given step: every step past the deleted sequence moves down
// one position, and branch entries targeting the deleted step are dropped.
// Steps that change in neither way are left out of the result.
func stepDeletionPlan(steps []model.StepTemplate, deleted model.StepTemplate) []model.StepTemplate {
	var changed []model.StepTemplate
	for _, st := range steps {
		if st.ID == deleted.ID {
			continue
		}
		dirty := false

		if st.Sequence > deleted.Sequence {
			st.Sequence--
			dirty = true
		}

		if len(st.Branches) > 0 {
			kept := st.Branches[:0:0]
			for _, b := range st.Branches {
				if b.TargetStepID == deleted.ID {
					dirty = true
					continue
				}
				kept = append(kept, b)
			}
			st.Branches = kept
		}

		if dirty {
			changed = append(changed, st)
		}
	}
	return changed
}

// validateBranches checks that every declared branch targets an existing
// sibling step and that no branch targets the step itself.
func validateBranches(step model.StepTemplate, siblings []model.StepTemplate) []model.FieldError {
	if len(step.Branches) == 0 {
		return nil
	}

	known := make(map[int64]bool, len(siblings))
	for _, sib := range siblings {
		known[sib.ID] = true
	}

	var details []model.FieldError
	for i, b := range step.Branches {
		field := fmt.Sprintf("branches[%d].target_step_id", i)
		switch {
		case b.TargetStepID == step.ID && step.ID != 0:
			details = append(details, model.FieldError{
				Field: field, Code: "invalid", Message: "a branch cannot target its own step",
			})
		case !known[b.TargetStepID]:
			details = append(details, model.FieldError{
				Field: field, Code: "invalid",
				Message: fmt.Sprintf("branch target %d is not a step of this template", b.TargetStepID),
			})
		}
	}
	return details
}

// touchTemplate stamps the template as updated by the acting user.
func (s *Service) touchTemplate(ctx context.Context, rctx *model.RequestContext, t model.ProcedureTemplate) error {
	t.UpdatedBy = rctx.ActorID
	t.UpdatedAt = time.Now().UTC()
	return s.store.UpdateTemplate(ctx, t)
}

// bumpMinorVersion increments the minor component of a "major.minor" version
// string. Anything else gets ".1" appended.
func bumpMinorVersion(version string) string {
	parts := strings.Split(version, ".")
	if len(parts) >= 2 {
		if minor, err := strconv.Atoi(parts[1]); err == nil {
			return fmt.Sprintf("%s.%d", parts[0], minor+1)
		}
	}
	return version + ".1"
}
