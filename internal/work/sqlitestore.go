package work

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/gestia/tramite/model"
)

// SQLiteStore is a SQLite-backed Store suitable for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite work store at the given path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// NewSQLiteStoreFromDB wraps an already-open database. The schema is still
// applied, so two stores can share one file.
func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// migrate creates the schema if it doesn't exist.
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS work_instances (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		template_id INTEGER NOT NULL,
		actor_id TEXT NOT NULL,
		unit_id INTEGER NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		current_step INTEGER NOT NULL DEFAULT 1,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS step_instances (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		work_id INTEGER NOT NULL,
		step_template_id INTEGER NOT NULL,
		sequence INTEGER NOT NULL,
		status TEXT NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		completed_by TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		chosen_branch INTEGER,
		FOREIGN KEY (work_id) REFERENCES work_instances(id)
	);

	CREATE TABLE IF NOT EXISTS submission_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		step_instance_id INTEGER NOT NULL UNIQUE,
		reference_number TEXT NOT NULL,
		submitted_at DATETIME NOT NULL,
		attachment_filename TEXT NOT NULL DEFAULT '',
		attachment_content_type TEXT NOT NULL DEFAULT '',
		attachment_size INTEGER NOT NULL DEFAULT 0,
		attachment_storage_key TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (step_instance_id) REFERENCES step_instances(id)
	);

	CREATE TABLE IF NOT EXISTS work_events (
		id TEXT PRIMARY KEY,
		work_id INTEGER NOT NULL,
		step_instance_id INTEGER,
		event TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		comment TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (work_id) REFERENCES work_instances(id)
	);

	CREATE INDEX IF NOT EXISTS idx_step_instances_work ON step_instances(work_id, sequence);
	CREATE INDEX IF NOT EXISTS idx_step_instances_status ON step_instances(status);
	CREATE INDEX IF NOT EXISTS idx_work_instances_unit ON work_instances(unit_id, status);
	CREATE INDEX IF NOT EXISTS idx_work_events_work ON work_events(work_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateWork persists the work and all of its steps in one transaction.
func (s *SQLiteStore) CreateWork(
	ctx context.Context,
	w model.WorkInstance,
	steps []model.StepInstance,
) (model.WorkInstance, []model.StepInstance, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.WorkInstance{}, nil, fmt.Errorf("begin create work: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO work_instances (
			template_id, actor_id, unit_id, title, description,
			status, current_step, started_at, ended_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.TemplateID, w.ActorID, w.UnitID, w.Title, w.Description,
		w.Status, w.CurrentStep, w.StartedAt, w.EndedAt, w.UpdatedAt,
	)
	if err != nil {
		return model.WorkInstance{}, nil, fmt.Errorf("insert work: %w", err)
	}
	w.ID, err = res.LastInsertId()
	if err != nil {
		return model.WorkInstance{}, nil, fmt.Errorf("work id: %w", err)
	}

	created := make([]model.StepInstance, 0, len(steps))
	for _, st := range steps {
		st.WorkID = w.ID
		res, err := tx.ExecContext(ctx, `
			INSERT INTO step_instances (
				work_id, step_template_id, sequence, status,
				started_at, completed_at, completed_by, notes, chosen_branch
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.WorkID, st.StepTemplateID, st.Sequence, st.Status,
			st.StartedAt, st.CompletedAt, st.CompletedBy, st.Notes, st.ChosenBranch,
		)
		if err != nil {
			return model.WorkInstance{}, nil, fmt.Errorf("insert step instance: %w", err)
		}
		st.ID, err = res.LastInsertId()
		if err != nil {
			return model.WorkInstance{}, nil, fmt.Errorf("step instance id: %w", err)
		}
		created = append(created, st)
	}

	if err := tx.Commit(); err != nil {
		return model.WorkInstance{}, nil, fmt.Errorf("commit create work: %w", err)
	}
	return w, created, nil
}

// GetWork retrieves a work instance by ID.
func (s *SQLiteStore) GetWork(ctx context.Context, id int64) (model.WorkInstance, error) {
	var w model.WorkInstance
	err := s.db.QueryRowContext(ctx, `
		SELECT id, template_id, actor_id, unit_id, title, description,
		       status, current_step, started_at, ended_at, updated_at
		FROM work_instances
		WHERE id = ?`,
		id,
	).Scan(
		&w.ID, &w.TemplateID, &w.ActorID, &w.UnitID, &w.Title, &w.Description,
		&w.Status, &w.CurrentStep, &w.StartedAt, &w.EndedAt, &w.UpdatedAt,
	)
	if err == sql.ErrNoRows {
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
func (s *SQLiteStore) UpdateWork(ctx context.Context, w model.WorkInstance) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_instances SET
			title = ?, description = ?, status = ?, current_step = ?,
			ended_at = ?, updated_at = ?
		WHERE id = ?`,
		w.Title, w.Description, w.Status, w.CurrentStep,
		w.EndedAt, w.UpdatedAt,
		w.ID,
	)
	if err != nil {
		return fmt.Errorf("update work: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update work: %w", err)
	}
	if n == 0 {
		return model.NewNotFoundError(fmt.Sprintf("work %d not found", w.ID))
	}
	return nil
}

// ListWork returns work instances matching the filters, newest first, plus
// the total count before pagination.
func (s *SQLiteStore) ListWork(ctx context.Context, f model.WorkFilters) ([]model.WorkInstance, int, error) {
	where := " WHERE 1 = 1"
	var args []any

	if f.TemplateID != 0 {
		where += " AND template_id = ?"
		args = append(args, f.TemplateID)
	}
	if f.ActorID != "" {
		where += " AND actor_id = ?"
		args = append(args, f.ActorID)
	}
	if f.UnitID != nil {
		where += " AND unit_id = ?"
		args = append(args, *f.UnitID)
	}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, f.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM work_instances"+where, args...).Scan(&total); err != nil {
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
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.PageSize, (page-1)*f.PageSize)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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
func (s *SQLiteStore) GetStepInstance(ctx context.Context, id int64) (model.StepInstance, error) {
	var st model.StepInstance
	err := s.db.QueryRowContext(ctx, `
		SELECT id, work_id, step_template_id, sequence, status,
		       started_at, completed_at, completed_by, notes, chosen_branch
		FROM step_instances
		WHERE id = ?`,
		id,
	).Scan(
		&st.ID, &st.WorkID, &st.StepTemplateID, &st.Sequence, &st.Status,
		&st.StartedAt, &st.CompletedAt, &st.CompletedBy, &st.Notes, &st.ChosenBranch,
	)
	if err == sql.ErrNoRows {
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
func (s *SQLiteStore) StepsOfWork(ctx context.Context, workID int64) ([]model.StepInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, work_id, step_template_id, sequence, status,
		       started_at, completed_at, completed_by, notes, chosen_branch
		FROM step_instances
		WHERE work_id = ?
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
func (s *SQLiteStore) UpdateStepInstance(ctx context.Context, st model.StepInstance) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE step_instances SET
			status = ?, started_at = ?, completed_at = ?,
			completed_by = ?, notes = ?, chosen_branch = ?
		WHERE id = ?`,
		st.Status, st.StartedAt, st.CompletedAt,
		st.CompletedBy, st.Notes, st.ChosenBranch,
		st.ID,
	)
	if err != nil {
		return fmt.Errorf("update step instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update step instance: %w", err)
	}
	if n == 0 {
		return model.NewNotFoundError(fmt.Sprintf("step instance %d not found", st.ID))
	}
	return nil
}

// UpdateStepInstanceCAS persists the step only if its stored status still
// matches the expectation.
func (s *SQLiteStore) UpdateStepInstanceCAS(ctx context.Context, st model.StepInstance, expectedStatus string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE step_instances SET
			status = ?, started_at = ?, completed_at = ?,
			completed_by = ?, notes = ?, chosen_branch = ?
		WHERE id = ? AND status = ?`,
		st.Status, st.StartedAt, st.CompletedAt,
		st.CompletedBy, st.Notes, st.ChosenBranch,
		st.ID, expectedStatus,
	)
	if err != nil {
		return fmt.Errorf("update step instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update step instance: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM step_instances WHERE id = ?)`, st.ID,
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
func (s *SQLiteStore) CreateSubmission(ctx context.Context, rec model.SubmissionRecord) (model.SubmissionRecord, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM submission_records WHERE step_instance_id = ?)`,
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

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO submission_records (
			step_instance_id, reference_number, submitted_at,
			attachment_filename, attachment_content_type, attachment_size, attachment_storage_key,
			notes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.StepInstanceID, rec.ReferenceNumber, rec.SubmittedAt,
		rec.Attachment.Filename, rec.Attachment.ContentType, rec.Attachment.Size, rec.Attachment.StorageKey,
		rec.Notes,
	)
	if err != nil {
		return model.SubmissionRecord{}, fmt.Errorf("insert submission: %w", err)
	}
	rec.ID, err = res.LastInsertId()
	if err != nil {
		return model.SubmissionRecord{}, fmt.Errorf("submission id: %w", err)
	}
	return rec, nil
}

// SubmissionForStep retrieves the submission record of a step instance.
func (s *SQLiteStore) SubmissionForStep(ctx context.Context, stepInstanceID int64) (model.SubmissionRecord, error) {
	var rec model.SubmissionRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT id, step_instance_id, reference_number, submitted_at,
		       attachment_filename, attachment_content_type, attachment_size, attachment_storage_key,
		       notes
		FROM submission_records
		WHERE step_instance_id = ?`,
		stepInstanceID,
	).Scan(
		&rec.ID, &rec.StepInstanceID, &rec.ReferenceNumber, &rec.SubmittedAt,
		&rec.Attachment.Filename, &rec.Attachment.ContentType, &rec.Attachment.Size, &rec.Attachment.StorageKey,
		&rec.Notes,
	)
	if err == sql.ErrNoRows {
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
func (s *SQLiteStore) AppendEvent(ctx context.Context, e model.WorkEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_events (id, work_id, step_instance_id, event, actor_id, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.WorkID, e.StepInstanceID, e.Event, e.ActorID, e.Comment, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert work event: %w", err)
	}
	return nil
}

// Events returns a work's audit trail in chronological order.
func (s *SQLiteStore) Events(ctx context.Context, workID int64) ([]model.WorkEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, work_id, step_instance_id, event, actor_id, comment, created_at
		FROM work_events
		WHERE work_id = ?
		ORDER BY created_at ASC, id ASC`,
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
func (s *SQLiteStore) FindOpenSteps(ctx context.Context, unitID *int64) ([]OpenStepRow, error) {
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
		query += " AND w.unit_id = ?"
		args = append(args, *unitID)
	}
	query += " ORDER BY w.id ASC, s.sequence ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
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
func (s *SQLiteStore) TemplateInUse(ctx context.Context, templateID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM work_instances WHERE template_id = ?)`,
		templateID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check template references: %w", err)
	}
	return exists, nil
}

// StepTemplateInUse reports whether any step instance references the step
// template.
func (s *SQLiteStore) StepTemplateInUse(ctx context.Context, stepTemplateID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM step_instances WHERE step_template_id = ?)`,
		stepTemplateID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check step template references: %w", err)
	}
	return exists, nil
}
