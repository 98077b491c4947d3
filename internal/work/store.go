package work

import (
	"context"

	"github.com/gestia/tramite/model"
)

// OpenStepRow pairs an open step instance with its owning work instance, as
// returned by the alert scan query.
type OpenStepRow struct {
	Step model.StepInstance
	Work model.WorkInstance
}

// Store is the persistence interface for work instances, their step
// instances, submission records, and the audit trail.
type Store interface {
	// CreateWork persists the work instance and all of its step instances
	// atomically. Partial creation must never be observable.
	CreateWork(ctx context.Context, w model.WorkInstance, steps []model.StepInstance) (model.WorkInstance, []model.StepInstance, error)

	// GetWork retrieves a work instance by ID.
	GetWork(ctx context.Context, id int64) (model.WorkInstance, error)

	// UpdateWork persists an updated work instance.
	UpdateWork(ctx context.Context, w model.WorkInstance) error

	// ListWork returns work instances matching the filters plus the total
	// count before pagination.
	ListWork(ctx context.Context, f model.WorkFilters) ([]model.WorkInstance, int, error)

	// GetStepInstance retrieves a step instance by ID.
	GetStepInstance(ctx context.Context, id int64) (model.StepInstance, error)

	// StepsOfWork returns all step instances of a work ordered by sequence.
	StepsOfWork(ctx context.Context, workID int64) ([]model.StepInstance, error)

	// UpdateStepInstance persists an updated step instance unconditionally.
	// Used only for unlock transitions driven by a completion that already
	// won its own guarded update.
	UpdateStepInstance(ctx context.Context, s model.StepInstance) error

	// UpdateStepInstanceCAS persists the step instance only if its stored
	// status still equals expectedStatus. Returns a CONFLICT error when the
	// guard fails, so concurrent completions lose cleanly.
	UpdateStepInstanceCAS(ctx context.Context, s model.StepInstance, expectedStatus string) error

	// CreateSubmission persists a submission record. A step instance can
	// carry at most one; a second insert returns CONFLICT.
	CreateSubmission(ctx context.Context, rec model.SubmissionRecord) (model.SubmissionRecord, error)

	// SubmissionForStep retrieves the submission record of a step instance.
	SubmissionForStep(ctx context.Context, stepInstanceID int64) (model.SubmissionRecord, error)

	// AppendEvent adds an entry to a work's audit trail.
	AppendEvent(ctx context.Context, e model.WorkEvent) error

	// Events returns a work's audit trail in chronological order.
	Events(ctx context.Context, workID int64) ([]model.WorkEvent, error)

	// FindOpenSteps returns every pending or in-progress step instance of
	// active work, paired with its work. A non-nil unitID restricts the
	// result to that organizational unit.
	FindOpenSteps(ctx context.Context, unitID *int64) ([]OpenStepRow, error)

	// TemplateInUse reports whether any work instance references the
	// template.
	TemplateInUse(ctx context.Context, templateID int64) (bool, error)

	// StepTemplateInUse reports whether any step instance references the
	// step template.
	StepTemplateInUse(ctx context.Context, stepTemplateID int64) (bool, error)
}
