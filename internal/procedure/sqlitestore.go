package procedure

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/gestia/tramite/model"
)

// SQLiteStore is a SQLite-backed Store suitable for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite procedure store at the given path.
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
	CREATE TABLE IF NOT EXISTS procedure_templates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL,
		level TEXT NOT NULL,
		status TEXT NOT NULL,
		version TEXT NOT NULL,
		related_template_id INTEGER,
		max_completion_days INTEGER,
		created_by TEXT NOT NULL DEFAULT '',
		updated_by TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (name, category, level)
	);

	CREATE TABLE IF NOT EXISTS step_templates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		template_id INTEGER NOT NULL,
		sequence INTEGER NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		estimated_duration TEXT NOT NULL DEFAULT '',
		responsible_role TEXT NOT NULL DEFAULT '',
		terminal INTEGER NOT NULL DEFAULT 0,
		requires_submission INTEGER NOT NULL DEFAULT 0,
		branches TEXT,
		FOREIGN KEY (template_id) REFERENCES procedure_templates(id)
	);

	CREATE TABLE IF NOT EXISTS template_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		template_id INTEGER NOT NULL,
		version TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		changed_by TEXT NOT NULL DEFAULT '',
		changed_at DATETIME NOT NULL,
		FOREIGN KEY (template_id) REFERENCES procedure_templates(id)
	);

	CREATE INDEX IF NOT EXISTS idx_step_templates_template ON step_templates(template_id, sequence);
	CREATE INDEX IF NOT EXISTS idx_template_history_template ON template_history(template_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateTemplate inserts a new template.
func (s *SQLiteStore) CreateTemplate(ctx context.Context, t model.ProcedureTemplate) (model.ProcedureTemplate, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM procedure_templates
			WHERE name = ? AND category = ? AND level = ?
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

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO procedure_templates (
			name, description, category, level, status, version,
			related_template_id, max_completion_days,
			created_by, updated_by, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Name, t.Description, t.Category, t.Level, t.Status, t.Version,
		t.RelatedTemplateID, t.MaxCompletionDays,
		t.CreatedBy, t.UpdatedBy, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return model.ProcedureTemplate{}, fmt.Errorf("insert template: %w", err)
	}
	t.ID, err = res.LastInsertId()
	if err != nil {
		return model.ProcedureTemplate{}, fmt.Errorf("template id: %w", err)
	}
	return t, nil
}

// GetTemplate retrieves a template by ID.
func (s *SQLiteStore) GetTemplate(ctx context.Context, id int64) (model.ProcedureTemplate, error) {
	var t model.ProcedureTemplate
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, category, level, status, version,
		       related_template_id, max_completion_days,
		       created_by, updated_by, created_at, updated_at
		FROM procedure_templates
		WHERE id = ?`,
		id,
	).Scan(
		&t.ID, &t.Name, &t.Description, &t.Category, &t.Level, &t.Status, &t.Version,
		&t.RelatedTemplateID, &t.MaxCompletionDays,
		&t.CreatedBy, &t.UpdatedBy, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
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
func (s *SQLiteStore) UpdateTemplate(ctx context.Context, t model.ProcedureTemplate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE procedure_templates SET
			name = ?, description = ?, category = ?, level = ?, status = ?, version = ?,
			related_template_id = ?, max_completion_days = ?,
			updated_by = ?, updated_at = ?
		WHERE id = ?`,
		t.Name, t.Description, t.Category, t.Level, t.Status, t.Version,
		t.RelatedTemplateID, t.MaxCompletionDays,
		t.UpdatedBy, t.UpdatedAt,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	if n == 0 {
		return model.NewNotFoundError(fmt.Sprintf("template %d not found", t.ID))
	}
	return nil
}

// DeleteTemplate removes a template, its steps, and its history.
func (s *SQLiteStore) DeleteTemplate(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete template: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM step_templates WHERE template_id = ?`, id); err != nil {
		return fmt.Errorf("delete steps: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM template_history WHERE template_id = ?`, id); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM procedure_templates WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if n == 0 {
		return model.NewNotFoundError(fmt.Sprintf("template %d not found", id))
	}

	return tx.Commit()
}

// ListTemplates returns templates matching the filters, newest first.
func (s *SQLiteStore) ListTemplates(ctx context.Context, f TemplateFilters) ([]model.ProcedureTemplate, error) {
	query := `SELECT id, name, description, category, level, status, version,
	                 related_template_id, max_completion_days,
	                 created_by, updated_by, created_at, updated_at
	          FROM procedure_templates
	          WHERE 1 = 1`
	var args []any

	if f.Category != "" {
		query += " AND category = ?"
		args = append(args, f.Category)
	}
	if f.Level != "" {
		query += " AND level = ?"
		args = append(args, f.Level)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}

	query += " ORDER BY updated_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
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
func (s *SQLiteStore) HasDerived(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM procedure_templates WHERE related_template_id = ?)`,
		id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check derived templates: %w", err)
	}
	return exists, nil
}

// AppendHistory adds a history entry.
func (s *SQLiteStore) AppendHistory(ctx context.Context, h model.HistoryEntry) (model.HistoryEntry, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO template_history (template_id, version, note, changed_by, changed_at)
		VALUES (?, ?, ?, ?, ?)`,
		h.TemplateID, h.Version, h.Note, h.ActorID, h.ChangedAt,
	)
	if err != nil {
		return model.HistoryEntry{}, fmt.Errorf("insert history entry: %w", err)
	}
	h.ID, err = res.LastInsertId()
	if err != nil {
		return model.HistoryEntry{}, fmt.Errorf("history id: %w", err)
	}
	return h, nil
}

// History returns a template's history entries, newest first.
func (s *SQLiteStore) History(ctx context.Context, templateID int64) ([]model.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, template_id, version, note, changed_by, changed_at
		FROM template_history
		WHERE template_id = ?
		ORDER BY changed_at DESC, id DESC`,
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
func (s *SQLiteStore) CreateStep(ctx context.Context, st model.StepTemplate) (model.StepTemplate, error) {
	branchesJSON, err := json.Marshal(st.Branches)
	if err != nil {
		return model.StepTemplate{}, fmt.Errorf("marshal branches: %w", err)
	}

	var dup bool
	err = s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM step_templates WHERE template_id = ? AND sequence = ?)`,
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

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO step_templates (
			template_id, sequence, title, description, estimated_duration,
			responsible_role, terminal, requires_submission, branches
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.TemplateID, st.Sequence, st.Title, st.Description, st.EstimatedDuration,
		st.ResponsibleRole, st.Terminal, st.RequiresSubmission, string(branchesJSON),
	)
	if err != nil {
		return model.StepTemplate{}, fmt.Errorf("insert step: %w", err)
	}
	st.ID, err = res.LastInsertId()
	if err != nil {
		return model.StepTemplate{}, fmt.Errorf("step id: %w", err)
	}
	return st, nil
}

// GetStep retrieves a step template by ID.
func (s *SQLiteStore) GetStep(ctx context.Context, id int64) (model.StepTemplate, error) {
	var st model.StepTemplate
	var branchesJSON sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, template_id, sequence, title, description, estimated_duration,
		       responsible_role, terminal, requires_submission, branches
		FROM step_templates
		WHERE id = ?`,
		id,
	).Scan(
		&st.ID, &st.TemplateID, &st.Sequence, &st.Title, &st.Description, &st.EstimatedDuration,
		&st.ResponsibleRole, &st.Terminal, &st.RequiresSubmission, &branchesJSON,
	)
	if err == sql.ErrNoRows {
		return model.StepTemplate{}, model.NewNotFoundError(
			fmt.Sprintf("step %d not found", id),
		)
	}
	if err != nil {
		return model.StepTemplate{}, fmt.Errorf("query step: %w", err)
	}

	if branchesJSON.Valid && branchesJSON.String != "" {
		if err := json.Unmarshal([]byte(branchesJSON.String), &st.Branches); err != nil {
			return model.StepTemplate{}, fmt.Errorf("unmarshal branches: %w", err)
		}
	}
	return st, nil
}

// UpdateStep persists an updated step template.
func (s *SQLiteStore) UpdateStep(ctx context.Context, st model.StepTemplate) error {
	branchesJSON, err := json.Marshal(st.Branches)
	if err != nil {
		return fmt.Errorf("marshal branches: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE step_templates SET
			sequence = ?, title = ?, description = ?, estimated_duration = ?,
			responsible_role = ?, terminal = ?, requires_submission = ?, branches = ?
		WHERE id = ?`,
		st.Sequence, st.Title, st.Description, st.EstimatedDuration,
		st.ResponsibleRole, st.Terminal, st.RequiresSubmission, string(branchesJSON),
		st.ID,
	)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	if n == 0 {
		return model.NewNotFoundError(fmt.Sprintf("step %d not found", st.ID))
	}
	return nil
}

// Steps returns all steps of a template ordered by sequence.
func (s *SQLiteStore) Steps(ctx context.Context, templateID int64) ([]model.StepTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, template_id, sequence, title, description, estimated_duration,
		       responsible_role, terminal, requires_submission, branches
		FROM step_templates
		WHERE template_id = ?
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
		var branchesJSON sql.NullString
		if err := rows.Scan(
			&st.ID, &st.TemplateID, &st.Sequence, &st.Title, &st.Description, &st.EstimatedDuration,
			&st.ResponsibleRole, &st.Terminal, &st.RequiresSubmission, &branchesJSON,
		); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if branchesJSON.Valid && branchesJSON.String != "" {
			_ = json.Unmarshal([]byte(branchesJSON.String), &st.Branches)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// ApplyStepDeletion deletes a step and rewrites the changed survivors in a
// single transaction.
func (s *SQLiteStore) ApplyStepDeletion(ctx context.Context, deletedStepID int64, changed []model.StepTemplate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin step deletion: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM step_templates WHERE id = ?`, deletedStepID)
	if err != nil {
		return fmt.Errorf("delete step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete step: %w", err)
	}
	if n == 0 {
		return model.NewNotFoundError(fmt.Sprintf("step %d not found", deletedStepID))
	}

	for _, st := range changed {
		branchesJSON, err := json.Marshal(st.Branches)
		if err != nil {
			return fmt.Errorf("marshal branches: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE step_templates SET sequence = ?, branches = ? WHERE id = ?`,
			st.Sequence, string(branchesJSON), st.ID,
		); err != nil {
			return fmt.Errorf("rewrite step %d: %w", st.ID, err)
		}
	}

	return tx.Commit()
}
