package model

import "time"

// Procedure template lifecycle status constants.
const (
	TemplateStatusDraft    = "draft"
	TemplateStatusActive   = "active"
	TemplateStatusObsolete = "obsolete"
)

// Organizational tier constants, ordered from lowest to highest. A template
// at tier "general" applies to every unit.
const (
	TierPost        = "post"
	TierCompany     = "company"
	TierCommand     = "command"
	TierZone        = "zone"
	TierDirectorate = "directorate"
	TierGeneral     = "general"
)

// ProcedureTemplate is a reusable definition of an ordered set of steps an
// organization executes. A template may link to a related template of a
// higher tier, forming an escalation chain.
type ProcedureTemplate struct {
	ID                int64      `json:"id"`
	Name              string     `json:"name"`
	Description       string     `json:"description,omitempty"`
	Category          string     `json:"category"`
	Level             string     `json:"level"`
	Status            string     `json:"status"`
	Version           string     `json:"version"`
	RelatedTemplateID *int64     `json:"related_template_id,omitempty"`
	MaxCompletionDays *int       `json:"max_completion_days,omitempty"`
	CreatedBy         string     `json:"created_by,omitempty"`
	UpdatedBy         string     `json:"updated_by,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Branch is a declared alternative successor for a step. The target must be
// another step of the same template; target existence is validated at write
// time.
type Branch struct {
	Label        string `json:"label"`
	TargetStepID int64  `json:"target_step_id"`
}

// StepTemplate is one ordered unit of work within a procedure template.
// Sequence numbers are contiguous integers starting at 1 within a template.
type StepTemplate struct {
	ID                 int64    `json:"id"`
	TemplateID         int64    `json:"template_id"`
	Sequence           int      `json:"sequence"`
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	EstimatedDuration  string   `json:"estimated_duration,omitempty"`
	ResponsibleRole    string   `json:"responsible_role,omitempty"`
	Terminal           bool     `json:"terminal"`
	RequiresSubmission bool     `json:"requires_submission"`
	Branches           []Branch `json:"branches,omitempty"`
}

// HasBranches returns true if the step declares at least one branch.
func (s *StepTemplate) HasBranches() bool {
	return len(s.Branches) > 0
}

// BranchTo returns the branch targeting the given step template id, or nil.
func (s *StepTemplate) BranchTo(targetStepID int64) *Branch {
	for i := range s.Branches {
		if s.Branches[i].TargetStepID == targetStepID {
			return &s.Branches[i]
		}
	}
	return nil
}

// HistoryEntry records one version change of a procedure template. The
// history log is append-only.
type HistoryEntry struct {
	ID         int64     `json:"id"`
	TemplateID int64     `json:"template_id"`
	Version    string    `json:"version"`
	ActorID    string    `json:"actor_id"`
	Note       string    `json:"note"`
	ChangedAt  time.Time `json:"changed_at"`
}
