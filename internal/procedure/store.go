package procedure

import (
	"context"

	"github.com/gestia/tramite/model"
)

// Store persists procedure templates, their steps, and the version history.
type Store interface {
	// CreateTemplate persists a new template. Returns CONFLICT if another
	// template with the same (name, category, level) exists.
	CreateTemplate(ctx context.Context, t model.ProcedureTemplate) (model.ProcedureTemplate, error)

	// GetTemplate retrieves a template by ID.
	GetTemplate(ctx context.Context, id int64) (model.ProcedureTemplate, error)

	// UpdateTemplate persists an updated template.
	UpdateTemplate(ctx context.Context, t model.ProcedureTemplate) error

	// DeleteTemplate removes a template and its steps.
	DeleteTemplate(ctx context.Context, id int64) error

	// ListTemplates returns templates matching the filters, newest first.
	ListTemplates(ctx context.Context, f TemplateFilters) ([]model.ProcedureTemplate, error)

	// HasDerived reports whether any template links to the given one through
	// its related-template reference.
	HasDerived(ctx context.Context, id int64) (bool, error)

	// AppendHistory adds an entry to a template's append-only history log.
	AppendHistory(ctx context.Context, h model.HistoryEntry) (model.HistoryEntry, error)

	// History returns a template's history entries, newest first.
	History(ctx context.Context, templateID int64) ([]model.HistoryEntry, error)

	// CreateStep persists a new step template. Returns CONFLICT if the
	// sequence number is already taken within the template.
	CreateStep(ctx context.Context, s model.StepTemplate) (model.StepTemplate, error)

	// GetStep retrieves a step template by ID.
	GetStep(ctx context.Context, id int64) (model.StepTemplate, error)

	// UpdateStep persists an updated step template.
	UpdateStep(ctx context.Context, s model.StepTemplate) error

	// Steps returns all steps of a template ordered by sequence number.
	Steps(ctx context.Context, templateID int64) ([]model.StepTemplate, error)

	// ApplyStepDeletion deletes a step and persists the renumbered and
	// branch-pruned survivors in one atomic operation. Partial application
	// must never be observable.
	ApplyStepDeletion(ctx context.Context, deletedStepID int64, changed []model.StepTemplate) error
}

// TemplateFilters are optional filters for listing templates.
type TemplateFilters struct {
	Category string
	Level    string
	Status   string
}
