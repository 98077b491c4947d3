package model

// CreateWorkCommand starts a new work instance from a procedure template.
type CreateWorkCommand struct {
	TemplateID  int64  `json:"template_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Validate checks the command fields before any mutation happens.
func (c *CreateWorkCommand) Validate() []FieldError {
	var details []FieldError
	if c.TemplateID == 0 {
		details = append(details, FieldError{
			Field: "template_id", Code: "required", Message: "template_id is required",
		})
	}
	if c.Title == "" {
		details = append(details, FieldError{
			Field: "title", Code: "required", Message: "title is required",
		})
	}
	return details
}

// SubmissionInput carries the proof-of-dispatch data for steps that require
// an external submission.
type SubmissionInput struct {
	ReferenceNumber string      `json:"reference_number"`
	Attachment      *Attachment `json:"attachment"`
	Notes           string      `json:"notes,omitempty"`
}

// CompleteStepCommand completes an in-progress step instance. BranchTarget is
// mandatory when the underlying step template declares branches; Submission is
// mandatory when it requires one.
type CompleteStepCommand struct {
	Notes        string           `json:"notes,omitempty"`
	BranchTarget *int64           `json:"branch_target,omitempty"`
	Submission   *SubmissionInput `json:"submission,omitempty"`
}

// ValidateAgainst checks the command against the step template it completes.
// The whole payload is validated before any state change.
func (c *CompleteStepCommand) ValidateAgainst(step *StepTemplate) []FieldError {
	var details []FieldError

	if step.RequiresSubmission {
		switch {
		case c.Submission == nil:
			details = append(details, FieldError{
				Field: "submission", Code: "required",
				Message: "this step requires an outbound submission",
			})
		default:
			if c.Submission.ReferenceNumber == "" {
				details = append(details, FieldError{
					Field: "submission.reference_number", Code: "required",
					Message: "outbound reference number is required",
				})
			}
			if c.Submission.Attachment == nil || c.Submission.Attachment.StorageKey == "" {
				details = append(details, FieldError{
					Field: "submission.attachment", Code: "required",
					Message: "an attached document is required",
				})
			}
		}
	}

	if step.HasBranches() {
		switch {
		case c.BranchTarget == nil:
			details = append(details, FieldError{
				Field: "branch_target", Code: "required",
				Message: "this step requires choosing a branch",
			})
		case step.BranchTo(*c.BranchTarget) == nil:
			details = append(details, FieldError{
				Field: "branch_target", Code: "invalid",
				Message: "chosen branch is not declared on this step",
			})
		}
	}

	return details
}
