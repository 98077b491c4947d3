package procedure

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gestia/tramite/model"
)

// MemoryStore is an in-memory Store for testing and single-instance use.
type MemoryStore struct {
	mu        sync.RWMutex
	templates map[int64]model.ProcedureTemplate
	steps     map[int64]model.StepTemplate
	history   map[int64][]model.HistoryEntry // key: template ID
	nextID    int64
}

// NewMemoryStore creates a new in-memory procedure store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates: make(map[int64]model.ProcedureTemplate),
		steps:     make(map[int64]model.StepTemplate),
		history:   make(map[int64][]model.HistoryEntry),
	}
}

func (s *MemoryStore) nextIDLocked() int64 {
	s.nextID++
	return s.nextID
}

// CreateTemplate persists a new template.
func (s *MemoryStore) CreateTemplate(_ context.Context, t model.ProcedureTemplate) (model.ProcedureTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.templates {
		if existing.Name == t.Name && existing.Category == t.Category && existing.Level == t.Level {
			return model.ProcedureTemplate{}, model.NewConflictError(
				fmt.Sprintf("template %q already exists for category %q at level %q", t.Name, t.Category, t.Level),
			)
		}
	}

	t.ID = s.nextIDLocked()
	s.templates[t.ID] = t
	return t, nil
}

// GetTemplate retrieves a template by ID.
func (s *MemoryStore) GetTemplate(_ context.Context, id int64) (model.ProcedureTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.templates[id]
	if !exists {
		return model.ProcedureTemplate{}, model.NewNotFoundError(
			fmt.Sprintf("template %d not found", id),
		)
	}
	return t, nil
}

// UpdateTemplate persists an updated template.
func (s *MemoryStore) UpdateTemplate(_ context.Context, t model.ProcedureTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.templates[t.ID]; !exists {
		return model.NewNotFoundError(fmt.Sprintf("template %d not found", t.ID))
	}

	for _, existing := range s.templates {
		if existing.ID != t.ID && existing.Name == t.Name &&
			existing.Category == t.Category && existing.Level == t.Level {
			return model.NewConflictError(
				fmt.Sprintf("template %q already exists for category %q at level %q", t.Name, t.Category, t.Level),
			)
		}
	}

	s.templates[t.ID] = t
	return nil
}

// DeleteTemplate removes a template, its steps, and its history.
func (s *MemoryStore) DeleteTemplate(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.templates[id]; !exists {
		return model.NewNotFoundError(fmt.Sprintf("template %d not found", id))
	}

	delete(s.templates, id)
	delete(s.history, id)
	for stepID, st := range s.steps {
		if st.TemplateID == id {
			delete(s.steps, stepID)
		}
	}
	return nil
}

// ListTemplates returns templates matching the filters, newest first.
func (s *MemoryStore) ListTemplates(_ context.Context, f TemplateFilters) ([]model.ProcedureTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ProcedureTemplate
	for _, t := range s.templates {
		if f.Category != "" && t.Category != f.Category {
			continue
		}
		if f.Level != "" && t.Level != f.Level {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		result = append(result, t)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result, nil
}

// HasDerived reports whether any template links to the given one.
func (s *MemoryStore) HasDerived(_ context.Context, id int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.templates {
		if t.RelatedTemplateID != nil && *t.RelatedTemplateID == id {
			return true, nil
		}
	}
	return false, nil
}

// AppendHistory adds a history entry.
func (s *MemoryStore) AppendHistory(_ context.Context, h model.HistoryEntry) (model.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h.ID = s.nextIDLocked()
	s.history[h.TemplateID] = append(s.history[h.TemplateID], h)
	return h, nil
}

// History returns a template's history entries, newest first.
func (s *MemoryStore) History(_ context.Context, templateID int64) ([]model.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.history[templateID]
	result := make([]model.HistoryEntry, len(entries))
	copy(result, entries)
	sort.Slice(result, func(i, j int) bool {
		if !result[i].ChangedAt.Equal(result[j].ChangedAt) {
			return result[i].ChangedAt.After(result[j].ChangedAt)
		}
		return result[i].ID > result[j].ID
	})
	return result, nil
}

// CreateStep persists a new step template.
func (s *MemoryStore) CreateStep(_ context.Context, st model.StepTemplate) (model.StepTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.templates[st.TemplateID]; !exists {
		return model.StepTemplate{}, model.NewNotFoundError(
			fmt.Sprintf("template %d not found", st.TemplateID),
		)
	}
	for _, existing := range s.steps {
		if existing.TemplateID == st.TemplateID && existing.Sequence == st.Sequence {
			return model.StepTemplate{}, model.NewConflictError(
				fmt.Sprintf("template %d already has a step at sequence %d", st.TemplateID, st.Sequence),
			)
		}
	}

	st.ID = s.nextIDLocked()
	s.steps[st.ID] = st
	return st, nil
}

// GetStep retrieves a step template by ID.
func (s *MemoryStore) GetStep(_ context.Context, id int64) (model.StepTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, exists := s.steps[id]
	if !exists {
		return model.StepTemplate{}, model.NewNotFoundError(
			fmt.Sprintf("step %d not found", id),
		)
	}
	return st, nil
}

// UpdateStep persists an updated step template.
func (s *MemoryStore) UpdateStep(_ context.Context, st model.StepTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.steps[st.ID]; !exists {
		return model.NewNotFoundError(fmt.Sprintf("step %d not found", st.ID))
	}
	s.steps[st.ID] = st
	return nil
}

// Steps returns all steps of a template ordered by sequence.
func (s *MemoryStore) Steps(_ context.Context, templateID int64) ([]model.StepTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.StepTemplate
	for _, st := range s.steps {
		if st.TemplateID == templateID {
			result = append(result, st)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Sequence < result[j].Sequence
	})
	return result, nil
}

// ApplyStepDeletion deletes a step and rewrites the changed survivors under
// one lock acquisition, so the operation is atomic for readers.
func (s *MemoryStore) ApplyStepDeletion(_ context.Context, deletedStepID int64, changed []model.StepTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.steps[deletedStepID]; !exists {
		return model.NewNotFoundError(fmt.Sprintf("step %d not found", deletedStepID))
	}

	delete(s.steps, deletedStepID)
	for _, st := range changed {
		s.steps[st.ID] = st
	}
	return nil
}
