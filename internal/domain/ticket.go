// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package domain

import "time"

// Ticket is a running workflow instance.
type Ticket struct {
	ID                string `gorm:"primaryKey"`
	WorkflowID        string `gorm:"index"`
	WorkflowVersionID string
	VersionNumber     int

	Title       string
	Description string

	Status         TicketStatus `gorm:"index"`
	PreviousStatus TicketStatus

	// CurrentStepID is authoritative for linear flow; during parallel
	// execution ActiveBranches is authoritative instead.
	CurrentStepID string

	Requester       UserRef  `gorm:"serializer:json"`
	ManagerSnapshot *UserRef `gorm:"serializer:json"`

	FormValues    map[string]any `gorm:"serializer:json"`
	FormVersion   int
	FormVersions  []FormVersion `gorm:"serializer:json"`
	AttachmentIDs []string      `gorm:"serializer:json"`

	ActiveBranches []BranchState `gorm:"serializer:json"`
	JoinProceeded  bool
	// PendingEndStepID holds a deferred terminal notify under ANY/MAJORITY
	// joins until every branch is terminal.
	PendingEndStepID string

	PendingChangeRequestID string
	// CRLock is the change-request creation lock acquired by conditional
	// update; cleared when the create attempt resolves either way.
	CRLock *time.Time `gorm:"column:cr_lock"`

	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

func (Ticket) TableName() string { return "tickets" }

// BranchState tracks one parallel branch on the ticket.
type BranchState struct {
	BranchID         string       `json:"branch_id"`
	BranchName       string       `json:"branch_name"`
	ParentForkStepID string       `json:"parent_fork_step_id"`
	State            BranchStatus `json:"state"`
	CurrentStepID    string       `json:"current_step_id"`
}

// Branch returns the branch state for (forkStepID, branchID), or nil.
func (t *Ticket) Branch(forkStepID, branchID string) *BranchState {
	for i := range t.ActiveBranches {
		b := &t.ActiveBranches[i]
		if b.ParentForkStepID == forkStepID && b.BranchID == branchID {
			return b
		}
	}
	return nil
}

// BranchesOfFork returns all branch states rooted at the fork.
func (t *Ticket) BranchesOfFork(forkStepID string) []*BranchState {
	var out []*BranchState
	for i := range t.ActiveBranches {
		if t.ActiveBranches[i].ParentForkStepID == forkStepID {
			out = append(out, &t.ActiveBranches[i])
		}
	}
	return out
}

// FormVersion is one stored snapshot of the ticket's form values and
// attachments. Versions are dense and monotonic starting at 1.
type FormVersion struct {
	Version           int                `json:"version"`
	Source            FormVersionSource  `json:"source"`
	FormValues        map[string]any     `json:"form_values"`
	AttachmentIDs     []string           `json:"attachment_ids,omitempty"`
	ChangedBy         UserRef            `json:"changed_by"`
	FieldChanges      []FieldChange      `json:"field_changes,omitempty"`
	AttachmentChanges []AttachmentChange `json:"attachment_changes,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
}

// FieldChange is one (step, field) value difference, decorated with the
// field label and step name from the workflow version.
type FieldChange struct {
	StepID     string `json:"step_id,omitempty"`
	StepName   string `json:"step_name,omitempty"`
	FieldKey   string `json:"field_key"`
	FieldLabel string `json:"field_label,omitempty"`
	OldValue   any    `json:"old_value,omitempty"`
	NewValue   any    `json:"new_value,omitempty"`
}

// AttachmentChangeType marks an attachment as added or removed.
type AttachmentChangeType string

const (
	AttachmentAdded   AttachmentChangeType = "ADDED"
	AttachmentRemoved AttachmentChangeType = "REMOVED"
)

// AttachmentChange is one attachment difference in a change request.
type AttachmentChange struct {
	AttachmentID string               `json:"attachment_id"`
	FileName     string               `json:"file_name,omitempty"`
	Change       AttachmentChangeType `json:"change"`
}
