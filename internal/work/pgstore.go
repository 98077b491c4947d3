package work

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gestia/tramite/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL work store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// CreateWork persists the work and all of its steps in one transaction.
func (s *PgStore) CreateWork(
	ctx context.Context,
	w model.WorkInstance,
	steps []model.StepInstance,
) (model.WorkInstance, []model.StepInstance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.WorkInstance{}, nil, fmt.Errorf("begin create work: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO work_instances (
			template_id, actor_id, unit_id, title, description,
			status, current_step, started_at, ended_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		w.TemplateID, w.ActorID, w.UnitID, w.Title, w.Description,
		w.Status, w.CurrentStep, w.StartedAt, w.EndedAt, w.UpdatedAt,
	).Scan(&w.ID)
	if err != nil {
		return model.WorkInstance{}, nil, fmt.Errorf("insert work: %w", err)
	}

	created := make([]model.StepInstance, 0, len(steps))
	for _, st := range steps {
		st.WorkID = w.ID
		err = tx.QueryRow(ctx, `
			INSERT INTO step_instances (
				work_id, step_template_id, sequence, status,
				started_at, completed_at, completed_by, notes, chosen_branch
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id`,
			st.WorkID, st.StepTemplateID, st.Sequence, st.Status,
			st.StartedAt, st.CompletedAt, st.CompletedBy, st.Notes, st.ChosenBranch,
		).Scan(&st.ID)
		if err != nil {
			return model.WorkInstance{}, nil, fmt.Errorf("insert step instance: %w", err)
		}
		created = append(created, st)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.WorkInstance{}, nil, fmt.Errorf("commit create work: %w", err)
	}
	return w, created, nil
}

// GetWork retrieves a work instance by ID.
func (s *PgStore) GetWork(ctx context.Context, id int64) (model.WorkInstance, error) {
	var w model.WorkInstance
	err := s.pool.QueryRow(ctx, `
		SELECT id, template_id, actor_id, unit_id, title, description,
		       status, current_step, started_at, ended_at, updated_at
		FROM work_instances
		WHERE id = $1`,
		id,
	).Scan(
		&w.ID, &w.TemplateID, &w.ActorID, &w.UnitID, &w.Title, &w.Description,
		&w.Status, &w.CurrentStep, &w.StartedAt, &w.EndedAt, &w.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return model.WorkInstance{}, model.NewNotFoundError(
			fmt.Sprintf("work %d not found", id),
		)
	}
	if err != nil {
		return model.WorkInstance{}, fmt.Errorf("query work: %w", err)
	}
	return w, nil
}

// UpdateWork persists an updated work instance.
func (s *PgStore) UpdateWork(ctx context.Context, w model.WorkInstance) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_instances SET
			title = $1, description = $2, status = $3, current_step = $4,
			ended_at = $5, updated_at = $6
		WHERE id = $7`,
		w.Title, w.Description, w.Status, w.CurrentStep,
		w.EndedAt, w.UpdatedAt,
		w.ID,
	)
	if err != nil {
		return fmt.Errorf("update work: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("work %d not found", w.ID))
	}
	return nil
}

// ListWork returns work instances matching the filters, newest first, plus
// the total count before pagination.
func (s *PgStore) ListWork(ctx context.Context, f model.WorkFilters) ([]model.WorkInstance, int, error) {
	where := " WHERE 1 = 1"
	var args []any
	argIdx := 1

	if f.TemplateID != 0 {
		where += fmt.Sprintf(" AND template_id = $%d", argIdx)
		args = append(args, f.TemplateID)
		argIdx++
	}
	if f.ActorID != "" {
		where += fmt.Sprintf(" AND actor_id = $%d", argIdx)
		args = append(args, f.ActorID)
		argIdx++
	}
	if f.UnitID != nil {
		where += fmt.Sprintf(" AND unit_id = $%d", argIdx)
		args = append(args, *f.UnitID)
		argIdx++
	}
	if f.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, f.Status)
		argIdx++
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM work_instances"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count work: %w", err)
	}

	query := `SELECT id, template_id, actor_id, unit_id, title, description,
	                 status, current_step, started_at, ended_at, updated_at
	          FROM work_instances` + where + " ORDER BY started_at DESC, id DESC"

	if f.PageSize > 0 {
		page := f.Page
		if page < 1 {
			page = 1
		}
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
		args = append(args, f.PageSize, (page-1)*f.PageSize)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query work: %w", err)
	}
	defer rows.Close()

	var works []model.WorkInstance
	for rows.Next() {
		var w model.WorkInstance
		if err := rows.Scan(
			&w.ID, &w.TemplateID, &w.ActorID, &w.UnitID, &w.Title, &w.Description,
			&w.Status, &w.CurrentStep, &w.StartedAt, &w.EndedAt, &w.UpdatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan work: %w", err)
		}
		works = append(works, w)
	}
	return works, total, rows.Err()
}

// GetStepInstance retrieves a step instance by ID.
func (s *PgStore) GetStepInstance(ctx context.Context, id int64) (model.StepInstance, error) {
	var st model.StepInstance
	err := s.pool.QueryRow(ctx, `
		SELECT id, work_id, step_template_id, sequence, status,
		       started_at, completed_at, completed_by, notes, chosen_branch
		FROM step_instances
		WHERE id = $1`,
		id,
	).Scan(
		&st.ID, &st.WorkID, &st.StepTemplateID, &st.Sequence, &st.Status,
		&st.StartedAt, &st.CompletedAt, &st.CompletedBy, &st.Notes, &st.ChosenBranch,
	)
	if err == pgx.ErrNoRows {
		return model.StepInstance{}, model.NewNotFoundError(
			fmt.Sprintf("step instance %d not found", id),
		)
	}
	if err != nil {
		return model.StepInstance{}, fmt.Errorf("query step instance: %w", err)
	}
	return st, nil
}

// StepsOfWork returns all step instances of a work ordered by sequence.
func (s *PgStore) StepsOfWork(ctx context.Context, workID int64) ([]model.StepInstance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, work_id, step_template_id, sequence, status,
		       started_at, completed_at, completed_by, notes, chosen_branch
		FROM step_instances
		WHERE work_id = $1
		ORDER BY sequence ASC`,
		workID,
	)
	if err != nil {
		return nil, fmt.Errorf("query step instances: %w", err)
	}
	defer rows.Close()

	var steps []model.StepInstance
	for rows.Next() {
		var st model.StepInstance
		if err := rows.Scan(
			&st.ID, &st.WorkID, &st.StepTemplateID, &st.Sequence, &st.Status,
			&st.StartedAt, &st.CompletedAt, &st.CompletedBy, &st.Notes, &st.ChosenBranch,
		); err != nil {
			return nil, fmt.Errorf("scan step instance: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// UpdateStepInstance persists an updated step instance unconditionally.
func (s *PgStore) UpdateStepInstance(ctx context.Context, st model.StepInstance) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE step_instances SET
			status = $1, started_at = $2, completed_at = $3,
			completed_by = $4, notes = $5, chosen_branch = $6
		WHERE id = $7`,
		st.Status, st.StartedAt, st.CompletedAt,
		st.CompletedBy, st.Notes, st.ChosenBranch,
		st.ID,
	)
	if err != nil {
		return fmt.Errorf("update step instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("step instance %d not found", st.ID))
	}
	return nil
}

// UpdateStepInstanceCAS persists the step only if its stored status still
// matches the expectation. A zero row count distinguishes a lost race from a
// missing row.
func (s *PgStore) UpdateStepInstanceCAS(ctx context.Context, st model.StepInstance, expectedStatus string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE step_instances SET
			status = $1, started_at = $2, completed_at = $3,
			completed_by = $4, notes = $5, chosen_branch = $6
		WHERE id = $7 AND status = $8`,
		st.Status, st.StartedAt, st.CompletedAt,
		st.CompletedBy, st.Notes, st.ChosenBranch,
		st.ID, expectedStatus,
	)
	if err != nil {
		return fmt.Errorf("update step instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM step_instances WHERE id = $1)`, st.ID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check step instance: %w", err)
		}
		if !exists {
			return model.NewNotFoundError(fmt.Sprintf("step instance %d not found", st.ID))
		}
		return model.NewConflictError(
			fmt.Sprintf("step instance %d is no longer %s", st.ID, expectedStatus),
		)
	}
	return nil
}

// CreateSubmission persists a submission record, one per step instance.
func (s *PgStore) CreateSubmission(ctx context.Context, rec model.SubmissionRecord) (model.SubmissionRecord, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM submission_records WHERE step_instance_id = $1)`,
		rec.StepInstanceID,
	).Scan(&exists)
	if err != nil {
		return model.SubmissionRecord{}, fmt.Errorf("check submission: %w", err)
	}
	if exists {
		return model.SubmissionRecord{}, model.NewConflictError(
			fmt.Sprintf("step instance %d already has a submission record", rec.StepInstanceID),
		)
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO submission_records (
			step_instance_id, reference_number, submitted_at,
			attachment_filename, attachment_content_type, attachment_size, attachment_storage_key,
			notes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		rec.StepInstanceID, rec.ReferenceNumber, rec.SubmittedAt,
		rec.Attachment.Filename, rec.Attachment.ContentType, rec.Attachment.Size, rec.Attachment.StorageKey,
		rec.Notes,
	).Scan(&rec.ID)
	if err != nil {
		return model.SubmissionRecord{}, fmt.Errorf("insert submission: %w", err)
	}
	return rec, nil
}

// SubmissionForStep retrieves the submission record of a step instance.
func (s *PgStore) SubmissionForStep(ctx context.Context, stepInstanceID int64) (model.SubmissionRecord, error) {
	var rec model.SubmissionRecord
	err := s.pool.QueryRow(ctx, `
		SELECT id, step_instance_id, reference_number, submitted_at,
		       attachment_filename, attachment_content_type, attachment_size, attachment_storage_key,
		       notes
		FROM submission_records
		WHERE step_instance_id = $1`,
		stepInstanceID,
	).Scan(
		&rec.ID, &rec.StepInstanceID, &rec.ReferenceNumber, &rec.SubmittedAt,
		&rec.Attachment.Filename, &rec.Attachment.ContentType, &rec.Attachment.Size, &rec.Attachment.StorageKey,
		&rec.Notes,
	)
	if err == pgx.ErrNoRows {
		return model.SubmissionRecord{}, model.NewNotFoundError(
			fmt.Sprintf("no submission record for step instance %d", stepInstanceID),
		)
	}
	if err != nil {
		return model.SubmissionRecord{}, fmt.Errorf("query submission: %w", err)
	}
	return rec, nil
}

// AppendEvent adds an audit trail entry.
func (s *PgStore) AppendEvent(ctx context.Context, e model.WorkEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO work_events (id, work_id, step_instance_id, event, actor_id, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.WorkID, e.StepInstanceID, e.Event, e.ActorID, e.Comment, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert work event: %w", err)
	}
	return nil
}

// Events returns a work's audit trail in chronological order.
func (s *PgStore) Events(ctx context.Context, workID int64) ([]model.WorkEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, work_id, step_instance_id, event, actor_id, comment, created_at
		FROM work_events
		WHERE work_id = $1
		ORDER BY created_at ASC`,
		workID,
	)
	if err != nil {
		return nil, fmt.Errorf("query work events: %w", err)
	}
	defer rows.Close()

	var events []model.WorkEvent
	for rows.Next() {
		var e model.WorkEvent
		if err := rows.Scan(
			&e.ID, &e.WorkID, &e.StepInstanceID, &e.Event, &e.ActorID, &e.Comment, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan work event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// FindOpenSteps returns open step instances of active work, optionally
// restricted to one unit.
func (s *PgStore) FindOpenSteps(ctx context.Context, unitID *int64) ([]OpenStepRow, error) {
	query := `
		SELECT s.id, s.work_id, s.step_template_id, s.sequence, s.status,
		       s.started_at, s.completed_at, s.completed_by, s.notes, s.chosen_branch,
		       w.id, w.template_id, w.actor_id, w.unit_id, w.title, w.description,
		       w.status, w.current_step, w.started_at, w.ended_at, w.updated_at
		FROM step_instances s
		JOIN work_instances w ON w.id = s.work_id
		WHERE s.status IN ('pending', 'in_progress')
		  AND w.status IN ('started', 'in_progress', 'paused')`
	var args []any
	if unitID != nil {
		query += " AND w.unit_id = $1"
		args = append(args, *unitID)
	}
	query += " ORDER BY w.id ASC, s.sequence ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query open steps: %w", err)
	}
	defer rows.Close()

	var result []OpenStepRow
	for rows.Next() {
		var row OpenStepRow
		if err := rows.Scan(
			&row.Step.ID, &row.Step.WorkID, &row.Step.StepTemplateID, &row.Step.Sequence, &row.Step.Status,
			&row.Step.StartedAt, &row.Step.CompletedAt, &row.Step.CompletedBy, &row.Step.Notes, &row.Step.ChosenBranch,
			&row.Work.ID, &row.Work.TemplateID, &row.Work.ActorID, &row.Work.UnitID, &row.Work.Title, &row.Work.Description,
			&row.Work.Status, &row.Work.CurrentStep, &row.Work.StartedAt, &row.Work.EndedAt, &row.Work.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan open step: %w", err)
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// TemplateInUse reports whether any work instance references the template.
func (s *PgStore) TemplateInUse(ctx context.Context, templateID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM work_instances WHERE template_id = $1)`,
		templateID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check template references: %w", err)
	}
	return exists, nil
}

// StepTemplateInUse reports whether any step instance references the step
// template.
func (s *PgStore) StepTemplateInUse(ctx context.Context, stepTemplateID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM step_instances WHERE step_template_id = $1)`,
		stepTemplateID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check step template references: %w", err)
	}
	return exists, nil
}
