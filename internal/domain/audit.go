// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package domain

import "time"

// AuditKind is the typed event kind of an audit entry.
type AuditKind string

const (
	AuditCreateTicket     AuditKind = "CREATE_TICKET"
	AuditSubmitForm       AuditKind = "SUBMIT_FORM"
	AuditApprove          AuditKind = "APPROVE"
	AuditReject           AuditKind = "REJECT"
	AuditSkip             AuditKind = "SKIP"
	AuditAssignAgent      AuditKind = "ASSIGN_AGENT"
	AuditReassignAgent    AuditKind = "REASSIGN_AGENT"
	AuditReassignApprover AuditKind = "REASSIGN_APPROVER"
	AuditCompleteTask     AuditKind = "COMPLETE_TASK"
	AuditSaveDraft        AuditKind = "SAVE_DRAFT"
	AuditAddNote          AuditKind = "ADD_NOTE"
	AuditRequestInfo      AuditKind = "REQUEST_INFO"
	AuditRespondInfo      AuditKind = "RESPOND_INFO"
	AuditHold             AuditKind = "ON_HOLD"
	AuditResume           AuditKind = "RESUME"
	AuditSkipStep         AuditKind = "SKIP_STEP"
	AuditSLAAcknowledged  AuditKind = "SLA_ACKNOWLEDGED"
	AuditCancelTicket     AuditKind = "CANCEL_TICKET"

	AuditTicketCompleted AuditKind = "TICKET_COMPLETED"
	AuditTicketRejected  AuditKind = "TICKET_REJECTED"
	AuditTicketSkipped   AuditKind = "TICKET_SKIPPED"

	AuditForkActivated        AuditKind = "FORK_ACTIVATED"
	AuditBranchCompleted      AuditKind = "BRANCH_COMPLETED"
	AuditJoinCompleted        AuditKind = "JOIN_COMPLETED"
	AuditSubWorkflowStarted   AuditKind = "SUB_WORKFLOW_STARTED"
	AuditSubWorkflowCompleted AuditKind = "SUB_WORKFLOW_COMPLETED"

	AuditHandoverRequested AuditKind = "HANDOVER_REQUESTED"
	AuditHandoverApproved  AuditKind = "HANDOVER_APPROVED"
	AuditHandoverRejected  AuditKind = "HANDOVER_REJECTED"
	AuditHandoverCancelled AuditKind = "HANDOVER_CANCELLED"

	AuditChangeRequestCreated   AuditKind = "CHANGE_REQUEST_CREATED"
	AuditChangeRequestApproved  AuditKind = "CHANGE_REQUEST_APPROVED"
	AuditChangeRequestRejected  AuditKind = "CHANGE_REQUEST_REJECTED"
	AuditChangeRequestCancelled AuditKind = "CHANGE_REQUEST_CANCELLED"
	AuditCRWorkflowPaused       AuditKind = "CHANGE_REQUEST_WORKFLOW_PAUSED"
	AuditCRWorkflowResumed      AuditKind = "CHANGE_REQUEST_WORKFLOW_RESUMED"

	AuditAutoOnboarded AuditKind = "AUTO_ONBOARDED"
)

// AuditEvent is one append-only log entry keyed by ticket and correlation.
type AuditEvent struct {
	ID           string `gorm:"primaryKey"`
	TicketID     string `gorm:"index"`
	TicketStepID string `gorm:"index"`

	Kind    AuditKind      `gorm:"index"`
	Actor   UserRef        `gorm:"serializer:json"`
	Details map[string]any `gorm:"serializer:json"`

	CorrelationID string `gorm:"index"`
	// Seq disambiguates events written within one clock tick; assigned by
	// the audit writer, monotonically increasing per process.
	Seq       int64 `gorm:"index"`
	CreatedAt time.Time
}

func (AuditEvent) TableName() string { return "audit_events" }

// NotificationOutbox is one durable delivery record. Delivery is
// at-least-once; receivers deduplicate on ID.
type NotificationOutbox struct {
	ID          string `gorm:"primaryKey"`
	TemplateKey string `gorm:"index"`
	Category    string

	Recipients []string       `gorm:"serializer:json"`
	Payload    map[string]any `gorm:"serializer:json"`

	Status        NotificationStatus `gorm:"index"`
	RetryCount    int
	NextAttemptAt time.Time `gorm:"index"`
	// LockedUntil is the per-row advisory lock held for one send attempt.
	LockedUntil *time.Time
	LastError   string

	TicketID      string `gorm:"index"`
	CorrelationID string

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (NotificationOutbox) TableName() string { return "notification_outbox" }
