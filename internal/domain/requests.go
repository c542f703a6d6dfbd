// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package domain

import "time"

// ApprovalTask is one approver's pending decision on an approval step.
// Parallel approvals create one task per approver.
type ApprovalTask struct {
	ID           string `gorm:"primaryKey"`
	TicketID     string `gorm:"index"`
	TicketStepID string `gorm:"index"`

	Approver UserRef `gorm:"serializer:json"`
	// Denormalized for the pending-approvals-by-principal indexes.
	ApproverEmail string `gorm:"index"`
	ApproverAADID string `gorm:"index;column:approver_aad_id"`

	Decision  Decision `gorm:"index"`
	Comment   string
	DecidedAt *time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ApprovalTask) TableName() string { return "approval_tasks" }

// Assignment is one entry of a task step's assignment history. A new row is
// created on each assign or reassign; the previous active row is marked
// REASSIGNED with an end timestamp.
type Assignment struct {
	ID           string `gorm:"primaryKey"`
	TicketID     string `gorm:"index"`
	TicketStepID string `gorm:"index"`

	Agent      UserRef `gorm:"serializer:json"`
	AssignedBy UserRef `gorm:"serializer:json"`
	Status     AssignmentStatus `gorm:"index"`
	Reason     string

	StartedAt time.Time
	EndedAt   *time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Assignment) TableName() string { return "assignments" }

// InfoRequest is an open-response side thread on a step. At most one OPEN
// request per step.
type InfoRequest struct {
	ID           string `gorm:"primaryKey"`
	TicketID     string `gorm:"index"`
	TicketStepID string `gorm:"index"`

	Requester UserRef `gorm:"serializer:json"`
	Recipient UserRef `gorm:"serializer:json"`
	// RecipientRole classifies the recipient relative to the step:
	// "requester" or "agent".
	RecipientRole string

	Subject  string
	Question string
	Status   InfoRequestStatus `gorm:"index"`

	Response              string
	ResponseAttachmentIDs []string `gorm:"serializer:json"`
	RespondedAt           *time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (InfoRequest) TableName() string { return "info_requests" }

// HandoverRequest is a task assignee's request to hand the step off. At most
// one PENDING request per step.
type HandoverRequest struct {
	ID           string `gorm:"primaryKey"`
	TicketID     string `gorm:"index"`
	TicketStepID string `gorm:"index"`

	RequestedBy UserRef `gorm:"serializer:json"`
	Reason      string
	Status      HandoverStatus `gorm:"index"`

	DecidedBy *UserRef `gorm:"serializer:json"`
	NewAgent  *UserRef `gorm:"serializer:json"`
	DecidedAt *time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (HandoverRequest) TableName() string { return "handover_requests" }

// ChangeRequest is a requester's proposed mutation of form_values and
// attachment_ids on an IN_PROGRESS ticket.
type ChangeRequest struct {
	ID       string `gorm:"primaryKey"`
	TicketID string `gorm:"index"`

	Requester UserRef `gorm:"serializer:json"`
	Approver  UserRef `gorm:"serializer:json"`

	OriginalData          map[string]any `gorm:"serializer:json"`
	ProposedData          map[string]any `gorm:"serializer:json"`
	OriginalAttachmentIDs []string       `gorm:"serializer:json"`
	ProposedAttachmentIDs []string       `gorm:"serializer:json"`

	FieldChanges      []FieldChange      `gorm:"serializer:json"`
	AttachmentChanges []AttachmentChange `gorm:"serializer:json"`

	// FromVersion is the ticket form version the proposal was computed
	// against; ToVersion is assigned on approval.
	FromVersion int
	ToVersion   *int

	Reason string
	Notes  string
	Status ChangeRequestStatus `gorm:"index"`

	ReviewedBy *UserRef `gorm:"serializer:json"`
	ReviewedAt *time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ChangeRequest) TableName() string { return "change_requests" }
