// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package notification defines the closed template-key enum, its mapping to
// in-app categories, and the pure renderer that turns (key, payload) into an
// email subject and HTML body. Admin-configured overrides take precedence
// over the built-in templates.
package notification

// Key is a notification template key.
type Key string

const (
	KeyTicketCreated     Key = "TICKET_CREATED"
	KeyTicketCompleted   Key = "TICKET_COMPLETED"
	KeyTicketRejected    Key = "TICKET_REJECTED"
	KeyTicketSkipped     Key = "TICKET_SKIPPED"
	KeyTicketCancelled   Key = "TICKET_CANCELLED"
	KeyFormPending       Key = "FORM_PENDING"
	KeyApprovalPending   Key = "APPROVAL_PENDING"
	KeyApprovalDecided   Key = "APPROVAL_DECIDED"
	KeyLookupSecondary   Key = "LOOKUP_SECONDARY"
	KeyTaskAssigned      Key = "TASK_ASSIGNED"
	KeyTaskReassigned    Key = "TASK_REASSIGNED"
	KeyTaskCompleted     Key = "TASK_COMPLETED"
	KeyInfoRequested     Key = "INFO_REQUESTED"
	KeyInfoResponded     Key = "INFO_RESPONDED"
	KeyHandoverRequested Key = "HANDOVER_REQUESTED"
	KeyHandoverDecision  Key = "HANDOVER_DECISION"
	KeyStepNotify        Key = "STEP_NOTIFY"
	KeyCRPaused          Key = "CR_PAUSED"
	KeyCRDecided         Key = "CR_DECIDED"
	KeyCRResumed         Key = "CR_RESUMED"
	KeySLABreached       Key = "SLA_BREACHED"
)

// Category is the in-app grouping of a notification.
type Category string

const (
	CategoryTicket      Category = "TICKET"
	CategoryApproval    Category = "APPROVAL"
	CategoryTask        Category = "TASK"
	CategoryInfoRequest Category = "INFO_REQUEST"
	CategorySystem      Category = "SYSTEM"
)

// categories maps every key 1:1 to its in-app category.
var categories = map[Key]Category{
	KeyTicketCreated:     CategoryTicket,
	KeyTicketCompleted:   CategoryTicket,
	KeyTicketRejected:    CategoryTicket,
	KeyTicketSkipped:     CategoryTicket,
	KeyTicketCancelled:   CategoryTicket,
	KeyFormPending:       CategoryTicket,
	KeyApprovalPending:   CategoryApproval,
	KeyApprovalDecided:   CategoryApproval,
	KeyLookupSecondary:   CategoryApproval,
	KeyTaskAssigned:      CategoryTask,
	KeyTaskReassigned:    CategoryTask,
	KeyTaskCompleted:     CategoryTask,
	KeyInfoRequested:     CategoryInfoRequest,
	KeyInfoResponded:     CategoryInfoRequest,
	KeyHandoverRequested: CategoryTask,
	KeyHandoverDecision:  CategoryTask,
	KeyStepNotify:        CategorySystem,
	KeyCRPaused:          CategorySystem,
	KeyCRDecided:         CategorySystem,
	KeyCRResumed:         CategorySystem,
	KeySLABreached:       CategorySystem,
}

// CategoryOf returns the in-app category of a key; unknown keys are SYSTEM.
func CategoryOf(k Key) Category {
	if c, ok := categories[k]; ok {
		return c
	}
	return CategorySystem
}

// Known reports whether k belongs to the closed enum.
func Known(k Key) bool {
	_, ok := categories[k]
	return ok
}
