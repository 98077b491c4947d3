package procedure

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gestia/tramite/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL procedure store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// CreateTemplate inserts a new template.
func (s *PgStore) CreateTemplate(ctx context.Context, t model.ProcedureTemplate) (model.ProcedureTemplate, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM procedure_templates
			WHERE name = $1 AND category = $2 AND level = $3
		)`,
		t.Name, t.Category, t.Level,
	).Scan(&exists)
	if err != nil {
		return model.ProcedureTemplate{}, fmt.Errorf("check template uniqueness: %w", err)
	}
	if exists {
		return model.ProcedureTemplate{}, model.NewConflictError(
			fmt.Sprintf("template %q already exists for category %q at level %q", t.Name, t.Category, t.Level),
		)
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO procedure_templates (
			name, description, category, level, status, version,
			related_template_id, max_completion_days,
			created_by, updated_by, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8,
			$9, $10, $11, $12
		) RETURNING id`,
		t.Name, t.Description, t.Category, t.Level, t.Status, t.Version,
		t.RelatedTemplateID, t.MaxCompletionDays,
		t.CreatedBy, t.UpdatedBy, t.CreatedAt, t.UpdatedAt,
	).Scan(&t.ID)
	if err != nil {
		return model.ProcedureTemplate{}, fmt.Errorf("insert template: %w", err)
	}
	return t, nil
}

// GetTemplate retrieves a template by ID.
func (s *PgStore) GetTemplate(ctx context.Context, id int64) (model.ProcedureTemplate, error) {
	var t model.ProcedureTemplate
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, description, category, level, status, version,
		       related_template_id, max_completion_days,
		       created_by, updated_by, created_at, updated_at
		FROM procedure_templates
		WHERE id = $1`,
		id,
	).Scan(
		&t.ID, &t.Name, &t.Description, &t.Category, &t.Level, &t.Status, &t.Version,
		&t.RelatedTemplateID, &t.MaxCompletionDays,
		&t.CreatedBy, &t.UpdatedBy, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return model.ProcedureTemplate{}, model.NewNotFoundError(
			fmt.Sprintf("template %d not found", id),
		)
	}
	if err != nil {
		return model.ProcedureTemplate{}, fmt.Errorf("query template: %w", err)
	}
	return t, nil
}

// UpdateTemplate persists an updated template.
func (s *PgStore) UpdateTemplate(ctx context.Context, t model.ProcedureTemplate) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE procedure_templates SET
			name = $1,
			description = $2,
			category = $3,
			level = $4,
			status = $5,
			version = $6,
			related_template_id = $7,
			max_completion_days = $8,
			updated_by = $9,
			updated_at = $10
		WHERE id = $11`,
		t.Name, t.Description, t.Category, t.Level, t.Status, t.Version,
		t.RelatedTemplateID, t.MaxCompletionDays,
		t.UpdatedBy, t.UpdatedAt,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("template %d not found", t.ID))
	}
	return nil
}

// DeleteTemplate removes a template, its steps, and its history.
func (s *PgStore) DeleteTemplate(ctx context.Context, id int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete template: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM step_templates WHERE template_id = $1`, id); err != nil {
		return fmt.Errorf("delete steps: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM template_history WHERE template_id = $1`, id); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM procedure_templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("template %d not found", id))
	}

	return tx.Commit(ctx)
}

// ListTemplates returns templates matching the filters, newest first.
func (s *PgStore) ListTemplates(ctx context.Context, f TemplateFilters) ([]model.ProcedureTemplate, error) {
	query := `SELECT id, name, description, category, level, status, version,
	                 related_template_id, max_completion_days,
	                 created_by, updated_by, created_at, updated_at
	          FROM procedure_templates
	          WHERE 1 = 1`
	var args []any
	argIdx := 1

	if f.Category != "" {
		query += fmt.Sprintf(" AND category = $%d", argIdx)
		args = append(args, f.Category)
		argIdx++
	}
	if f.Level != "" {
		query += fmt.Sprintf(" AND level = $%d", argIdx)
		args = append(args, f.Level)
		argIdx++
	}
	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, f.Status)
	}

	query += " ORDER BY updated_at DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	var templates []model.ProcedureTemplate
	for rows.Next() {
		var t model.ProcedureTemplate
		if err := rows.Scan(
			&t.ID, &t.Name, &t.Description, &t.Category, &t.Level, &t.Status, &t.Version,
			&t.RelatedTemplateID, &t.MaxCompletionDays,
			&t.CreatedBy, &t.UpdatedBy, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// HasDerived reports whether any template links to the given one.
func (s *PgStore) HasDerived(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM procedure_templates WHERE related_template_id = $1
		)`,
		id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check derived templates: %w", err)
	}
	return exists, nil
}

// AppendHistory adds a history entry.
func (s *PgStore) AppendHistory(ctx context.Context, h model.HistoryEntry) (model.HistoryEntry, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO template_history (template_id, version, note, changed_by, changed_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		h.TemplateID, h.Version, h.Note, h.ActorID, h.ChangedAt,
	).Scan(&h.ID)
	if err != nil {
		return model.HistoryEntry{}, fmt.Errorf("insert history entry: %w", err)
	}
	return h, nil
}

// History returns a template's history entries, newest first.
func (s *PgStore) History(ctx context.Context, templateID int64) ([]model.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, template_id, version, note, changed_by, changed_at
		FROM template_history
		WHERE template_id = $1
		ORDER BY changed_at DESC`,
		templateID,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []model.HistoryEntry
	for rows.Next() {
		var h model.HistoryEntry
		if err := rows.Scan(
			&h.ID, &h.TemplateID, &h.Version, &h.Note, &h.ActorID, &h.ChangedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		entries = append(entries, h)
	}
	return entries, rows.Err()
}

// CreateStep inserts a new step template.
func (s *PgStore) CreateStep(ctx context.Context, st model.StepTemplate) (model.StepTemplate, error) {
	branchesJSON, err := json.Marshal(st.Branches)
	if err != nil {
		return model.StepTemplate{}, fmt.Errorf("marshal branches: %w", err)
	}

	var dup bool
	err = s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM step_templates WHERE template_id = $1 AND sequence = $2
		)`,
		st.TemplateID, st.Sequence,
	).Scan(&dup)
	if err != nil {
		return model.StepTemplate{}, fmt.Errorf("check step sequence: %w", err)
	}
	if dup {
		return model.StepTemplate{}, model.NewConflictError(
			fmt.Sprintf("template %d already has a step at sequence %d", st.TemplateID, st.Sequence),
		)
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO step_templates (
			template_id, sequence, title, description, estimated_duration,
			responsible_role, terminal, requires_submission, branches
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		st.TemplateID, st.Sequence, st.Title, st.Description, st.EstimatedDuration,
		st.ResponsibleRole, st.Terminal, st.RequiresSubmission, branchesJSON,
	).Scan(&st.ID)
	if err != nil {
		return model.StepTemplate{}, fmt.Errorf("insert step: %w", err)
	}
	return st, nil
}

// GetStep retrieves a step template by ID.
func (s *PgStore) GetStep(ctx context.Context, id int64) (model.StepTemplate, error) {
	var st model.StepTemplate
	var branchesJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, template_id, sequence, title, description, estimated_duration,
		       responsible_role, terminal, requires_submission, branches
		FROM step_templates
		WHERE id = $1`,
		id,
	).Scan(
		&st.ID, &st.TemplateID, &st.Sequence, &st.Title, &st.Description, &st.EstimatedDuration,
		&st.ResponsibleRole, &st.Terminal, &st.RequiresSubmission, &branchesJSON,
	)
	if err == pgx.ErrNoRows {
		return model.StepTemplate{}, model.NewNotFoundError(
			fmt.Sprintf("step %d not found", id),
		)
	}
	if err != nil {
		return model.StepTemplate{}, fmt.Errorf("query step: %w", err)
	}

	if branchesJSON != nil {
		if err := json.Unmarshal(branchesJSON, &st.Branches); err != nil {
			return model.StepTemplate{}, fmt.Errorf("unmarshal branches: %w", err)
		}
	}
	return st, nil
}

// UpdateStep persists an updated step template.
func (s *PgStore) UpdateStep(ctx context.Context, st model.StepTemplate) error {
	branchesJSON, err := json.Marshal(st.Branches)
	if err != nil {
		return fmt.Errorf("marshal branches: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE step_templates SET
			sequence = $1,
			title = $2,
			description = $3,
			estimated_duration = $4,
			responsible_role = $5,
			terminal = $6,
			requires_submission = $7,
			branches = $8
		WHERE id = $9`,
		st.Sequence, st.Title, st.Description, st.EstimatedDuration,
		st.ResponsibleRole, st.Terminal, st.RequiresSubmission, branchesJSON,
		st.ID,
	)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("step %d not found", st.ID))
	}
	return nil
}

// Steps returns all steps of a template ordered by sequence.
func (s *PgStore) Steps(ctx context.Context, templateID int64) ([]model.StepTemplate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, template_id, sequence, title, description, estimated_duration,
		       responsible_role, terminal, requires_submission, branches
		FROM step_templates
		WHERE template_id = $1
		ORDER BY sequence ASC`,
		templateID,
	)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []model.StepTemplate
	for rows.Next() {
		var st model.StepTemplate
		var branchesJSON []byte
		if err := rows.Scan(
			&st.ID, &st.TemplateID, &st.Sequence, &st.Title, &st.Description, &st.EstimatedDuration,
			&st.ResponsibleRole, &st.Terminal, &st.RequiresSubmission, &branchesJSON,
		); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if branchesJSON != nil {
			_ = json.Unmarshal(branchesJSON, &st.Branches)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// ApplyStepDeletion deletes a step and rewrites the changed survivors in a
// single transaction.
func (s *PgStore) ApplyStepDeletion(ctx context.Context, deletedStepID int64, changed []model.StepTemplate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin step deletion: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM step_templates WHERE id = $1`, deletedStepID)
	if err != nil {
		return fmt.Errorf("delete step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("step %d not found", deletedStepID))
	}

	for _, st := range changed {
		branchesJSON, err := json.Marshal(st.Branches)
		if err != nil {
			return fmt.Errorf("marshal branches: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE step_templates SET sequence = $1, branches = $2 WHERE id = $3`,
			st.Sequence, branchesJSON, st.ID,
		); err != nil {
			return fmt.Errorf("rewrite step %d: %w", st.ID, err)
		}
	}

	return tx.Commit(ctx)
}
