// Package work executes procedure templates: it creates work instances with
// their step snapshots, drives the per-step state machine with its submission
// and branch gates, owns the work lifecycle transitions, and runs the
// deadline alert scan.
package work

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gestia/tramite/model"
)

// TemplateSource is the read surface of the procedure service the engine
// needs: template lookups and the ordered step list.
type TemplateSource interface {
	GetTemplate(ctx context.Context, id int64) (model.ProcedureTemplate, error)
	GetStep(ctx context.Context, id int64) (model.StepTemplate, error)
	Steps(ctx context.Context, templateID int64) ([]model.StepTemplate, error)
}

// Engine manages the lifecycle of work instances.
type Engine struct {
	store     Store
	templates TemplateSource
}

// NewEngine creates a new work engine.
func NewEngine(store Store, templates TemplateSource) *Engine {
	return &Engine{store: store, templates: templates}
}

// Create instantiates a procedure template into a new work instance. The
// work row and one step instance per step template are created atomically:
// the first step pending, the rest blocked.
func (e *Engine) Create(
	ctx context.Context,
	rctx *model.RequestContext,
	cmd model.CreateWorkCommand,
) (model.WorkDetail, error) {
	// 1. Validate the command and the acting user's unit assignment.
	details := cmd.Validate()
	if rctx.UnitID == nil {
		details = append(details, model.FieldError{
			Field: "actor", Code: "invalid",
			Message: "acting user has no assigned organizational unit",
		})
	}
	if len(details) > 0 {
		return model.WorkDetail{}, model.NewValidationError(details...)
	}

	// 2. Resolve the template; only active templates can be instantiated.
	tmpl, err := e.templates.GetTemplate(ctx, cmd.TemplateID)
	if err != nil {
		return model.WorkDetail{}, err
	}
	if tmpl.Status != model.TemplateStatusActive {
		return model.WorkDetail{}, model.NewTemplateInactiveError(
			fmt.Sprintf("template %d is %s, not active", tmpl.ID, tmpl.Status),
		)
	}

	stepTemplates, err := e.templates.Steps(ctx, cmd.TemplateID)
	if err != nil {
		return model.WorkDetail{}, err
	}
	if len(stepTemplates) == 0 {
		return model.WorkDetail{}, model.NewValidationError(model.FieldError{
			Field: "template_id", Code: "invalid",
			Message: fmt.Sprintf("template %d has no steps", tmpl.ID),
		})
	}

	// 3. Snapshot the template into step instances.
	now := time.Now().UTC()
	w := model.WorkInstance{
		TemplateID:  tmpl.ID,
		ActorID:     rctx.ActorID,
		UnitID:      *rctx.UnitID,
		Title:       cmd.Title,
		Description: cmd.Description,
		Status:      model.WorkStatusStarted,
		CurrentStep: 1,
		StartedAt:   now,
		UpdatedAt:   now,
	}

	steps := make([]model.StepInstance, 0, len(stepTemplates))
	for _, st := range stepTemplates {
		status := model.StepStatusBlocked
		if st.Sequence == 1 {
			status = model.StepStatusPending
		}
		steps = append(steps, model.StepInstance{
			StepTemplateID: st.ID,
			Sequence:       st.Sequence,
			Status:         status,
		})
	}

	// 4. Persist work and steps in one atomic operation.
	w, steps, err = e.store.CreateWork(ctx, w, steps)
	if err != nil {
		return model.WorkDetail{}, err
	}

	e.appendEvent(ctx, w.ID, nil, "work_created", rctx.ActorID, "")

	return model.WorkDetail{Work: w, Steps: steps}, nil
}

// StartStep moves a pending step instance to in-progress and records its
// start timestamp. Any other source state is rejected without mutation.
func (e *Engine) StartStep(
	ctx context.Context,
	rctx *model.RequestContext,
	stepInstanceID int64,
) (model.StepInstance, error) {
	step, err := e.store.GetStepInstance(ctx, stepInstanceID)
	if err != nil {
		return model.StepInstance{}, err
	}

	w, err := e.store.GetWork(ctx, step.WorkID)
	if err != nil {
		return model.StepInstance{}, err
	}
	if !w.Active() {
		return model.StepInstance{}, model.NewWorkNotActiveError(
			fmt.Sprintf("work %d is %s", w.ID, w.Status),
		)
	}

	if step.Status != model.StepStatusPending {
		return model.StepInstance{}, model.NewInvalidTransitionError(
			fmt.Sprintf("step %d is %s, only pending steps can be started", step.ID, step.Status),
		)
	}

	now := time.Now().UTC()
	step.Status = model.StepStatusInProgress
	step.StartedAt = &now

	if err := e.store.UpdateStepInstanceCAS(ctx, step, model.StepStatusPending); err != nil {
		return model.StepInstance{}, err
	}

	e.appendEvent(ctx, w.ID, &step.ID, "step_started", rctx.ActorID, "")

	return step, nil
}

// CompleteStep completes an in-progress step instance. The whole payload is
// validated against the step template before any mutation: a required
// submission needs its reference number and attachment, and a branching step
// needs an explicitly chosen, declared target. Advancing then follows the
// chosen branch, or the next sequence, or completes the work on a terminal
// step. The status write is compare-and-swap guarded, so a concurrent
// completion of the same step loses with CONFLICT.
func (e *Engine) CompleteStep(
	ctx context.Context,
	rctx *model.RequestContext,
	stepInstanceID int64,
	cmd model.CompleteStepCommand,
) (model.WorkDetail, error) {
	// 1. Resolve the step, its work, and its template.
	step, err := e.store.GetStepInstance(ctx, stepInstanceID)
	if err != nil {
		return model.WorkDetail{}, err
	}

	w, err := e.store.GetWork(ctx, step.WorkID)
	if err != nil {
		return model.WorkDetail{}, err
	}
	if !w.Active() {
		return model.WorkDetail{}, model.NewWorkNotActiveError(
			fmt.Sprintf("work %d is %s", w.ID, w.Status),
		)
	}

	if step.Status != model.StepStatusInProgress {
		return model.WorkDetail{}, model.NewInvalidTransitionError(
			fmt.Sprintf("step %d is %s, only in-progress steps can be completed", step.ID, step.Status),
		)
	}

	tmpl, err := e.templates.GetStep(ctx, step.StepTemplateID)
	if err != nil {
		return model.WorkDetail{}, err
	}

	// 2. Validate the payload wholesale before mutating anything.
	if details := cmd.ValidateAgainst(&tmpl); len(details) > 0 {
		return model.WorkDetail{}, model.NewValidationError(details...)
	}

	// 3. Complete the step under the status guard.
	now := time.Now().UTC()
	step.Status = model.StepStatusCompleted
	step.CompletedAt = &now
	step.CompletedBy = rctx.ActorID
	step.Notes = cmd.Notes
	step.ChosenBranch = cmd.BranchTarget

	if err := e.store.UpdateStepInstanceCAS(ctx, step, model.StepStatusInProgress); err != nil {
		return model.WorkDetail{}, err
	}

	// 4. Record the submission, if this step required one.
	if tmpl.RequiresSubmission {
		_, err := e.store.CreateSubmission(ctx, model.SubmissionRecord{
			StepInstanceID:  step.ID,
			ReferenceNumber: cmd.Submission.ReferenceNumber,
			SubmittedAt:     now,
			Attachment:      *cmd.Submission.Attachment,
			Notes:           cmd.Submission.Notes,
		})
		if err != nil {
			return model.WorkDetail{}, err
		}
	}

	e.appendEvent(ctx, w.ID, &step.ID, "step_completed", rctx.ActorID, cmd.Notes)

	// 5. Advance the work.
	switch {
	case tmpl.Terminal:
		w, err = e.finishWork(ctx, rctx, w, model.WorkStatusCompleted, "work_completed", "")
	case cmd.BranchTarget != nil:
		w, err = e.advanceToBranch(ctx, rctx, w, step, *cmd.BranchTarget)
	default:
		w, err = e.advanceToNext(ctx, w, step.Sequence)
	}
	if err != nil {
		return model.WorkDetail{}, err
	}

	steps, err := e.store.StepsOfWork(ctx, w.ID)
	if err != nil {
		return model.WorkDetail{}, err
	}
	return model.WorkDetail{Work: w, Steps: steps}, nil
}

// advanceToBranch unlocks the sibling step instance created from the chosen
// step template and moves the work pointer to its sequence.
func (e *Engine) advanceToBranch(
	ctx context.Context,
	rctx *model.RequestContext,
	w model.WorkInstance,
	completed model.StepInstance,
	targetTemplateID int64,
) (model.WorkInstance, error) {
	siblings, err := e.store.StepsOfWork(ctx, w.ID)
	if err != nil {
		return model.WorkInstance{}, err
	}

	for _, sib := range siblings {
		if sib.StepTemplateID != targetTemplateID {
			continue
		}
		if sib.Status == model.StepStatusBlocked {
			sib.Status = model.StepStatusPending
			if err := e.store.UpdateStepInstance(ctx, sib); err != nil {
				return model.WorkInstance{}, err
			}
		}

		e.appendEvent(ctx, w.ID, &completed.ID, "branch_chosen", rctx.ActorID,
			fmt.Sprintf("unlocked step at sequence %d", sib.Sequence))

		w.CurrentStep = sib.Sequence
		w.Status = model.WorkStatusInProgress
		w.UpdatedAt = time.Now().UTC()
		return w, e.store.UpdateWork(ctx, w)
	}

	return model.WorkInstance{}, model.NewNotFoundError(
		fmt.Sprintf("work %d has no step instance for template %d", w.ID, targetTemplateID),
	)
}

// advanceToNext unlocks the step instance at the next sequence position, if
// one exists, and moves the work pointer forward.
func (e *Engine) advanceToNext(ctx context.Context, w model.WorkInstance, completedSeq int) (model.WorkInstance, error) {
	siblings, err := e.store.StepsOfWork(ctx, w.ID)
	if err != nil {
		return model.WorkInstance{}, err
	}

	next := completedSeq + 1
	for _, sib := range siblings {
		if sib.Sequence != next {
			continue
		}
		if sib.Status == model.StepStatusBlocked {
			sib.Status = model.StepStatusPending
			if err := e.store.UpdateStepInstance(ctx, sib); err != nil {
				return model.WorkInstance{}, err
			}
		}
		break
	}

	w.CurrentStep = next
	w.Status = model.WorkStatusInProgress
	w.UpdatedAt = time.Now().UTC()
	return w, e.store.UpdateWork(ctx, w)
}

// Complete closes an active work instance with an end timestamp.
func (e *Engine) Complete(ctx context.Context, rctx *model.RequestContext, workID int64, comment string) (model.WorkInstance, error) {
	w, err := e.activeWork(ctx, workID)
	if err != nil {
		return model.WorkInstance{}, err
	}
	return e.finishWork(ctx, rctx, w, model.WorkStatusCompleted, "work_completed", comment)
}

// Cancel closes an active work instance as cancelled.
func (e *Engine) Cancel(ctx context.Context, rctx *model.RequestContext, workID int64, comment string) (model.WorkInstance, error) {
	w, err := e.activeWork(ctx, workID)
	if err != nil {
		return model.WorkInstance{}, err
	}
	return e.finishWork(ctx, rctx, w, model.WorkStatusCancelled, "work_cancelled", comment)
}

// Pause suspends a started or in-progress work instance. Timestamps are not
// touched; pause is advisory bookkeeping, not stopping a clock.
func (e *Engine) Pause(ctx context.Context, rctx *model.RequestContext, workID int64) (model.WorkInstance, error) {
	w, err := e.store.GetWork(ctx, workID)
	if err != nil {
		return model.WorkInstance{}, err
	}
	switch w.Status {
	case model.WorkStatusStarted, model.WorkStatusInProgress:
	default:
		return model.WorkInstance{}, model.NewInvalidTransitionError(
			fmt.Sprintf("work %d is %s, only running work can be paused", w.ID, w.Status),
		)
	}

	w.Status = model.WorkStatusPaused
	w.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateWork(ctx, w); err != nil {
		return model.WorkInstance{}, err
	}
	e.appendEvent(ctx, w.ID, nil, "work_paused", rctx.ActorID, "")
	return w, nil
}

// Resume returns a paused work instance to in-progress.
func (e *Engine) Resume(ctx context.Context, rctx *model.RequestContext, workID int64) (model.WorkInstance, error) {
	w, err := e.store.GetWork(ctx, workID)
	if err != nil {
		return model.WorkInstance{}, err
	}
	if w.Status != model.WorkStatusPaused {
		return model.WorkInstance{}, model.NewInvalidTransitionError(
			fmt.Sprintf("work %d is %s, only paused work can be resumed", w.ID, w.Status),
		)
	}

	w.Status = model.WorkStatusInProgress
	w.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateWork(ctx, w); err != nil {
		return model.WorkInstance{}, err
	}
	e.appendEvent(ctx, w.ID, nil, "work_resumed", rctx.ActorID, "")
	return w, nil
}

// Get returns the full read model of a work instance: work, steps, and the
// audit trail.
func (e *Engine) Get(ctx context.Context, workID int64) (model.WorkDetail, error) {
	w, err := e.store.GetWork(ctx, workID)
	if err != nil {
		return model.WorkDetail{}, err
	}
	steps, err := e.store.StepsOfWork(ctx, workID)
	if err != nil {
		return model.WorkDetail{}, err
	}
	events, err := e.store.Events(ctx, workID)
	if err != nil {
		return model.WorkDetail{}, err
	}
	return model.WorkDetail{Work: w, Steps: steps, Events: events}, nil
}

// List returns work instances matching the filters. Non-elevated callers are
// always restricted to their own unit.
func (e *Engine) List(ctx context.Context, rctx *model.RequestContext, f model.WorkFilters) ([]model.WorkInstance, int, error) {
	if !rctx.Elevated() {
		if rctx.UnitID == nil {
			return nil, 0, model.NewValidationError(model.FieldError{
				Field: "actor", Code: "invalid",
				Message: "acting user has no assigned organizational unit",
			})
		}
		f.UnitID = rctx.UnitID
	}
	return e.store.ListWork(ctx, f)
}

// activeWork loads a work instance and rejects closed ones.
func (e *Engine) activeWork(ctx context.Context, workID int64) (model.WorkInstance, error) {
	w, err := e.store.GetWork(ctx, workID)
	if err != nil {
		return model.WorkInstance{}, err
	}
	if !w.Active() {
		return model.WorkInstance{}, model.NewWorkNotActiveError(
			fmt.Sprintf("work %d is %s", w.ID, w.Status),
		)
	}
	return w, nil
}

// finishWork closes the work with the given terminal status and end
// timestamp.
func (e *Engine) finishWork(
	ctx context.Context,
	rctx *model.RequestContext,
	w model.WorkInstance,
	status, event, comment string,
) (model.WorkInstance, error) {
	now := time.Now().UTC()
	w.Status = status
	w.EndedAt = &now
	w.UpdatedAt = now
	if err := e.store.UpdateWork(ctx, w); err != nil {
		return model.WorkInstance{}, err
	}
	e.appendEvent(ctx, w.ID, nil, event, rctx.ActorID, comment)
	return w, nil
}

// appendEvent records an audit trail entry. Event failures never abort the
// operation that produced them.
func (e *Engine) appendEvent(ctx context.Context, workID int64, stepID *int64, event, actorID, comment string) {
	_ = e.store.AppendEvent(ctx, model.WorkEvent{
		ID:             uuid.New().String(),
		WorkID:         workID,
		StepInstanceID: stepID,
		Event:          event,
		ActorID:        actorID,
		Comment:        comment,
		Timestamp:      time.Now().UTC(),
	})
}
