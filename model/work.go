package model

import "time"

// Work instance status constants.
const (
	WorkStatusStarted    = "started"
	WorkStatusInProgress = "in_progress"
	WorkStatusPaused     = "paused"
	WorkStatusCompleted  = "completed"
	WorkStatusCancelled  = "cancelled"
)

// Step instance status constants. Blocked is the resting state of any step
// whose predecessor has not unlocked it yet.
const (
	StepStatusPending    = "pending"
	StepStatusInProgress = "in_progress"
	StepStatusCompleted  = "completed"
	StepStatusBlocked    = "blocked"
)

// WorkInstance is a live execution of a procedure template by a specific
// actor and organizational unit.
type WorkInstance struct {
	ID          int64      `json:"id"`
	TemplateID  int64      `json:"template_id"`
	ActorID     string     `json:"actor_id"`
	UnitID      int64      `json:"unit_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	CurrentStep int        `json:"current_step"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Active returns true while the work can still advance.
func (w *WorkInstance) Active() bool {
	switch w.Status {
	case WorkStatusStarted, WorkStatusInProgress, WorkStatusPaused:
		return true
	}
	return false
}

// Elapsed returns the duration between the start of the work and its end
// timestamp, or now if the work has not ended.
func (w *WorkInstance) Elapsed(now time.Time) time.Duration {
	end := now
	if w.EndedAt != nil {
		end = *w.EndedAt
	}
	return end.Sub(w.StartedAt)
}

// StepInstance is the live state of one step template within one work
// instance. Deadline-related values are derived on demand, never stored.
type StepInstance struct {
	ID             int64      `json:"id"`
	WorkID         int64      `json:"work_id"`
	StepTemplateID int64      `json:"step_template_id"`
	Sequence       int        `json:"sequence"`
	Status         string     `json:"status"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CompletedBy    string     `json:"completed_by,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	ChosenBranch   *int64     `json:"chosen_branch,omitempty"`
}

// Open returns true if the step still awaits completion.
func (s *StepInstance) Open() bool {
	return s.Status == StepStatusPending || s.Status == StepStatusInProgress
}

// SubmissionRecord is the proof-of-dispatch artifact required to complete a
// step flagged as requiring an external submission. Immutable once created.
type SubmissionRecord struct {
	ID              int64      `json:"id"`
	StepInstanceID  int64      `json:"step_instance_id"`
	ReferenceNumber string     `json:"reference_number"`
	SubmittedAt     time.Time  `json:"submitted_at"`
	Attachment      Attachment `json:"attachment"`
	Notes           string     `json:"notes,omitempty"`
}

// WorkEvent records one entry in a work instance's audit trail.
type WorkEvent struct {
	ID             string     `json:"id"`
	WorkID         int64      `json:"work_id"`
	StepInstanceID *int64     `json:"step_instance_id,omitempty"`
	Event          string     `json:"event"`
	ActorID        string     `json:"actor_id"`
	Comment        string     `json:"comment,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
}

// WorkDetail is the full read model for a single work instance.
type WorkDetail struct {
	Work   WorkInstance   `json:"work"`
	Steps  []StepInstance `json:"steps"`
	Events []WorkEvent    `json:"events,omitempty"`
}

// WorkFilters are optional filters for listing work instances.
type WorkFilters struct {
	TemplateID int64
	ActorID    string
	UnitID     *int64
	Status     string
	Page       int
	PageSize   int
}

// StepAlert is one entry of the deadline alert scan. DaysRemaining is the
// raw calendar-date delta and may be negative for overdue steps.
type StepAlert struct {
	WorkID         int64     `json:"work_id"`
	StepInstanceID int64     `json:"step_instance_id"`
	WorkTitle      string    `json:"work_title"`
	StepTitle      string    `json:"step_title"`
	ActorID        string    `json:"actor_id"`
	UnitID         int64     `json:"unit_id"`
	Deadline       time.Time `json:"deadline"`
	DaysRemaining  int       `json:"days_remaining"`
	Overdue        bool      `json:"overdue"`
}
