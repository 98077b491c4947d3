package model

// Actor is a person known to the organizational directory. The directory is
// an external collaborator; this service only reads the assigned unit and
// role flags, it never mutates actors.
type Actor struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	UnitID *int64 `json:"unit_id,omitempty"`
	Roles  []string `json:"roles,omitempty"`
}

// Unit is an organizational unit. Only the tier is consulted here, for
// template applicability comparisons.
type Unit struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Tier string `json:"tier"`
}

// Attachment is an opaque handle to a stored document. File contents are
// never interpreted by this service.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
	StorageKey  string `json:"storage_key"`
}
