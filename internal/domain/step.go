// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package domain

import "time"

// TicketStep is a materialized per-ticket instance of a step definition.
type TicketStep struct {
	ID       string `gorm:"primaryKey"`
	TicketID string `gorm:"index"`
	// StepID is the template step id this instance was materialized from.
	StepID   string   `gorm:"index"`
	StepName string
	StepType StepType  `gorm:"index"`
	State    StepState `gorm:"index"`
	// PreviousState is recorded whenever the step is paused (change
	// request, info request, hold) so resolution can restore it.
	PreviousState StepState
	IsTerminal    bool

	AssignedTo *UserRef `gorm:"serializer:json"`
	// Denormalized copies of AssignedTo for the indexes the pending-work
	// queries need.
	AssignedToEmail string `gorm:"index"`
	AssignedToAADID string `gorm:"index;column:assigned_to_aad_id"`

	Data StepData `gorm:"serializer:json"`

	// OrderIndex reconstructs workflow execution order for display.
	OrderIndex int

	StartedAt   *time.Time
	DueAt       *time.Time `gorm:"index"`
	CompletedAt *time.Time

	// Branch identity for steps inside a fork.
	BranchID         string `gorm:"index"`
	BranchName       string
	ParentForkStepID string

	// Sub-workflow identity for expanded steps.
	ParentSubWorkflowStepID string `gorm:"index"`
	FromSubWorkflowID       string
	FromSubWorkflowName     string

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (TicketStep) TableName() string { return "ticket_steps" }

// SetAssignee updates AssignedTo together with its denormalized index
// columns. Pass nil to clear.
func (s *TicketStep) SetAssignee(u *UserRef) {
	s.AssignedTo = u
	if u == nil {
		s.AssignedToEmail = ""
		s.AssignedToAADID = ""
		return
	}
	s.AssignedToEmail = u.NormalizedEmail()
	s.AssignedToAADID = u.AADID
}

// InBranch reports whether the step carries branch identity.
func (s *TicketStep) InBranch() bool { return s.BranchID != "" }

// StepData is the embedded per-step document.
type StepData struct {
	FormValues   map[string]any `json:"form_values,omitempty"`
	OutputValues map[string]any `json:"output_values,omitempty"`
	DraftValues  map[string]any `json:"draft_values,omitempty"`
	DraftNotes   string         `json:"draft_notes,omitempty"`
	Instructions string         `json:"instructions,omitempty"`
	Notes        []Note         `json:"notes,omitempty"`
	HoldReason   string         `json:"hold_reason,omitempty"`

	AttachmentIDs []string `json:"attachment_ids,omitempty"`

	// LinkedRows are pre-populated task rows, one per source row of the
	// linked repeating form section.
	LinkedRows []LinkedRow `json:"linked_rows,omitempty"`

	// Parallel approval tracking. Emails, normalized lowercase.
	ParallelRule               ParallelRule           `json:"parallel_rule,omitempty"`
	ParallelPendingApprovers   []string               `json:"parallel_pending_approvers,omitempty"`
	ParallelCompletedApprovers []string               `json:"parallel_completed_approvers,omitempty"`
	ParallelApproversInfo      []ParallelApproverInfo `json:"parallel_approvers_info,omitempty"`

	CompletedBy    *UserRef `json:"completed_by,omitempty"`
	CompletionNote string   `json:"completion_note,omitempty"`

	SLAAcknowledged   bool     `json:"sla_acknowledged,omitempty"`
	SLAAcknowledgedBy *UserRef `json:"sla_acknowledged_by,omitempty"`
}

// ParallelApproverInfo snapshots one parallel approver with the directory id
// used for robust matching.
type ParallelApproverInfo struct {
	User      UserRef `json:"user"`
	IsPrimary bool    `json:"is_primary,omitempty"`
}

// LinkedRow is one pre-populated task row derived from a repeating form
// section row.
type LinkedRow struct {
	SourceRowIndex int                       `json:"source_row_index"`
	Context        map[string]LinkedRowValue `json:"context"`
	OutputValues   map[string]any            `json:"output_values,omitempty"`
}

// LinkedRowValue carries the source value with its display label.
type LinkedRowValue struct {
	Value any    `json:"value"`
	Label string `json:"label,omitempty"`
}

// Note is one free-form note on a step or ticket.
type Note struct {
	Author        UserRef   `json:"author"`
	Content       string    `json:"content"`
	AttachmentIDs []string  `json:"attachment_ids,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
