package work

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gestia/tramite/model"
)

// MemoryStore is an in-memory Store for testing and single-instance use.
type MemoryStore struct {
	mu          sync.RWMutex
	works       map[int64]model.WorkInstance
	steps       map[int64]model.StepInstance
	submissions map[int64]model.SubmissionRecord // key: step instance ID
	events      map[int64][]model.WorkEvent      // key: work ID
	nextID      int64
}

// NewMemoryStore creates a new in-memory work store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		works:       make(map[int64]model.WorkInstance),
		steps:       make(map[int64]model.StepInstance),
		submissions: make(map[int64]model.SubmissionRecord),
		events:      make(map[int64][]model.WorkEvent),
	}
}

func (s *MemoryStore) nextIDLocked() int64 {
	s.nextID++
	return s.nextID
}

// CreateWork persists the work and all of its steps under one lock
// acquisition, so the creation is atomic for readers.
func (s *MemoryStore) CreateWork(
	_ context.Context,
	w model.WorkInstance,
	steps []model.StepInstance,
) (model.WorkInstance, []model.StepInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w.ID = s.nextIDLocked()
	s.works[w.ID] = w

	created := make([]model.StepInstance, 0, len(steps))
	for _, st := range steps {
		st.ID = s.nextIDLocked()
		st.WorkID = w.ID
		s.steps[st.ID] = st
		created = append(created, st)
	}
	return w, created, nil
}

// GetWork retrieves a work instance by ID.
func (s *MemoryStore) GetWork(_ context.Context, id int64) (model.WorkInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, exists := s.works[id]
	if !exists {
		return model.WorkInstance{}, model.NewNotFoundError(
			fmt.Sprintf("work %d not found", id),
		)
	}
	return w, nil
}

// UpdateWork persists an updated work instance.
func (s *MemoryStore) UpdateWork(_ context.Context, w model.WorkInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.works[w.ID]; !exists {
		return model.NewNotFoundError(fmt.Sprintf("work %d not found", w.ID))
	}
	s.works[w.ID] = w
	return nil
}

// ListWork returns work instances matching the filters, newest first, plus
// the total count before pagination.
func (s *MemoryStore) ListWork(_ context.Context, f model.WorkFilters) ([]model.WorkInstance, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.WorkInstance
	for _, w := range s.works {
		if f.TemplateID != 0 && w.TemplateID != f.TemplateID {
			continue
		}
		if f.ActorID != "" && w.ActorID != f.ActorID {
			continue
		}
		if f.UnitID != nil && w.UnitID != *f.UnitID {
			continue
		}
		if f.Status != "" && w.Status != f.Status {
			continue
		}
		matched = append(matched, w)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].StartedAt.Equal(matched[j].StartedAt) {
			return matched[i].StartedAt.After(matched[j].StartedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	page, size := f.Page, f.PageSize
	if page < 1 {
		page = 1
	}
	if size > 0 {
		start := (page - 1) * size
		if start >= total {
			return nil, total, nil
		}
		end := start + size
		if end > total {
			end = total
		}
		matched = matched[start:end]
	}
	return matched, total, nil
}

// GetStepInstance retrieves a step instance by ID.
func (s *MemoryStore) GetStepInstance(_ context.Context, id int64) (model.StepInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, exists := s.steps[id]
	if !exists {
		return model.StepInstance{}, model.NewNotFoundError(
			fmt.Sprintf("step instance %d not found", id),
		)
	}
	return st, nil
}

// StepsOfWork returns all step instances of a work ordered by sequence.
func (s *MemoryStore) StepsOfWork(_ context.Context, workID int64) ([]model.StepInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.StepInstance
	for _, st := range s.steps {
		if st.WorkID == workID {
			result = append(result, st)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Sequence < result[j].Sequence
	})
	return result, nil
}

// UpdateStepInstance persists an updated step instance unconditionally.
func (s *MemoryStore) UpdateStepInstance(_ context.Context, st model.StepInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.steps[st.ID]; !exists {
		return model.NewNotFoundError(fmt.Sprintf("step instance %d not found", st.ID))
	}
	s.steps[st.ID] = st
	return nil
}

// UpdateStepInstanceCAS persists the step only if its stored status still
// matches the expectation.
func (s *MemoryStore) UpdateStepInstanceCAS(_ context.Context, st model.StepInstance, expectedStatus string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.steps[st.ID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("step instance %d not found", st.ID))
	}
	if current.Status != expectedStatus {
		return model.NewConflictError(
			fmt.Sprintf("step instance %d is %s, expected %s", st.ID, current.Status, expectedStatus),
		)
	}
	s.steps[st.ID] = st
	return nil
}

// CreateSubmission persists a submission record, one per step instance.
func (s *MemoryStore) CreateSubmission(_ context.Context, rec model.SubmissionRecord) (model.SubmissionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.submissions[rec.StepInstanceID]; exists {
		return model.SubmissionRecord{}, model.NewConflictError(
			fmt.Sprintf("step instance %d already has a submission record", rec.StepInstanceID),
		)
	}

	rec.ID = s.nextIDLocked()
	s.submissions[rec.StepInstanceID] = rec
	return rec, nil
}

// SubmissionForStep retrieves the submission record of a step instance.
func (s *MemoryStore) SubmissionForStep(_ context.Context, stepInstanceID int64) (model.SubmissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.submissions[stepInstanceID]
	if !exists {
		return model.SubmissionRecord{}, model.NewNotFoundError(
			fmt.Sprintf("no submission record for step instance %d", stepInstanceID),
		)
	}
	return rec, nil
}

// AppendEvent adds an audit trail entry.
func (s *MemoryStore) AppendEvent(_ context.Context, e model.WorkEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[e.WorkID] = append(s.events[e.WorkID], e)
	return nil
}

// Events returns a work's audit trail in chronological order.
func (s *MemoryStore) Events(_ context.Context, workID int64) ([]model.WorkEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[workID]
	result := make([]model.WorkEvent, len(events))
	copy(result, events)
	return result, nil
}

// FindOpenSteps returns open step instances of active work, optionally
// restricted to one unit.
func (s *MemoryStore) FindOpenSteps(_ context.Context, unitID *int64) ([]OpenStepRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []OpenStepRow
	for _, st := range s.steps {
		if !st.Open() {
			continue
		}
		w, exists := s.works[st.WorkID]
		if !exists || !w.Active() {
			continue
		}
		if unitID != nil && w.UnitID != *unitID {
			continue
		}
		rows = append(rows, OpenStepRow{Step: st, Work: w})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Work.ID != rows[j].Work.ID {
			return rows[i].Work.ID < rows[j].Work.ID
		}
		return rows[i].Step.Sequence < rows[j].Step.Sequence
	})
	return rows, nil
}

// TemplateInUse reports whether any work instance references the template.
func (s *MemoryStore) TemplateInUse(_ context.Context, templateID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, w := range s.works {
		if w.TemplateID == templateID {
			return true, nil
		}
	}
	return false, nil
}

// StepTemplateInUse reports whether any step instance references the step
// template.
func (s *MemoryStore) StepTemplateInUse(_ context.Context, stepTemplateID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, st := range s.steps {
		if st.StepTemplateID == stepTemplateID {
			return true, nil
		}
	}
	return false, nil
}

// Len returns the number of stored work instances.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.works)
}
