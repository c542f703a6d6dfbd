// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package domain defines the persisted entity model of the Ticketflow engine:
// workflow templates and versions, tickets and their materialized steps,
// approval tasks, assignments, side-thread requests, change requests, audit
// events, and the notification outbox.
package domain

// TicketStatus is the lifecycle status of a ticket.
type TicketStatus string

const (
	TicketOpen              TicketStatus = "OPEN"
	TicketInProgress        TicketStatus = "IN_PROGRESS"
	TicketWaitingForRequest TicketStatus = "WAITING_FOR_REQUESTER"
	TicketWaitingForAgent   TicketStatus = "WAITING_FOR_AGENT"
	TicketWaitingForCR      TicketStatus = "WAITING_FOR_CR"
	TicketOnHold            TicketStatus = "ON_HOLD"
	TicketCompleted         TicketStatus = "COMPLETED"
	TicketRejected          TicketStatus = "REJECTED"
	TicketSkipped           TicketStatus = "SKIPPED"
	TicketCancelled         TicketStatus = "CANCELLED"
)

// IsTerminal reports whether the status is absorbing.
func (s TicketStatus) IsTerminal() bool {
	switch s {
	case TicketCompleted, TicketRejected, TicketSkipped, TicketCancelled:
		return true
	}
	return false
}

// StepState is the lifecycle state of a materialized ticket step.
type StepState string

const (
	StepNotStarted          StepState = "NOT_STARTED"
	StepActive              StepState = "ACTIVE"
	StepWaitingForApproval  StepState = "WAITING_FOR_APPROVAL"
	StepWaitingForRequester StepState = "WAITING_FOR_REQUESTER"
	StepWaitingForAgent     StepState = "WAITING_FOR_AGENT"
	StepWaitingForBranches  StepState = "WAITING_FOR_BRANCHES"
	StepWaitingForCR        StepState = "WAITING_FOR_CR"
	StepCompleted           StepState = "COMPLETED"
	StepRejected            StepState = "REJECTED"
	StepSkipped             StepState = "SKIPPED"
	StepCancelled           StepState = "CANCELLED"
	StepOnHold              StepState = "ON_HOLD"
)

// IsTerminal reports whether the state is absorbing.
func (s StepState) IsTerminal() bool {
	switch s {
	case StepCompleted, StepRejected, StepSkipped, StepCancelled:
		return true
	}
	return false
}

// IsPausable reports whether a change request pause captures this state.
func (s StepState) IsPausable() bool {
	switch s {
	case StepActive, StepWaitingForApproval, StepWaitingForRequester,
		StepWaitingForAgent, StepWaitingForBranches:
		return true
	}
	return false
}

// StepType distinguishes the step-definition variants.
type StepType string

const (
	StepTypeForm        StepType = "FORM_STEP"
	StepTypeApproval    StepType = "APPROVAL_STEP"
	StepTypeTask        StepType = "TASK_STEP"
	StepTypeNotify      StepType = "NOTIFY_STEP"
	StepTypeFork        StepType = "FORK_STEP"
	StepTypeJoin        StepType = "JOIN_STEP"
	StepTypeSubWorkflow StepType = "SUB_WORKFLOW_STEP"
)

// EventType is the closed set of workflow events that drive transitions.
type EventType string

const (
	EventSubmitForm           EventType = "SUBMIT_FORM"
	EventApprove              EventType = "APPROVE"
	EventReject               EventType = "REJECT"
	EventSkip                 EventType = "SKIP"
	EventCompleteTask         EventType = "COMPLETE_TASK"
	EventRequestInfo          EventType = "REQUEST_INFO"
	EventRespondInfo          EventType = "RESPOND_INFO"
	EventAssignAgent          EventType = "ASSIGN_AGENT"
	EventReassignAgent        EventType = "REASSIGN_AGENT"
	EventCancel               EventType = "CANCEL"
	EventOnHold               EventType = "ON_HOLD"
	EventResume               EventType = "RESUME"
	EventSkipStep             EventType = "SKIP_STEP"
	EventHandoverRequest      EventType = "HANDOVER_REQUEST"
	EventAcknowledgeSLA       EventType = "ACKNOWLEDGE_SLA"
	EventForkActivated        EventType = "FORK_ACTIVATED"
	EventBranchCompleted      EventType = "BRANCH_COMPLETED"
	EventJoinComplete         EventType = "JOIN_COMPLETE"
	EventSubWorkflowStart     EventType = "SUB_WORKFLOW_START"
	EventSubWorkflowCompleted EventType = "SUB_WORKFLOW_COMPLETED"
	EventSubWorkflowFailed    EventType = "SUB_WORKFLOW_FAILED"
)

// JoinMode controls when a join proceeds over its fork's branches.
type JoinMode string

const (
	JoinAll      JoinMode = "ALL"
	JoinAny      JoinMode = "ANY"
	JoinMajority JoinMode = "MAJORITY"
)

// FailurePolicy controls what a branch failure does to its siblings.
type FailurePolicy string

const (
	FailAll        FailurePolicy = "FAIL_ALL"
	ContinueOthers FailurePolicy = "CONTINUE_OTHERS"
	CancelOthers   FailurePolicy = "CANCEL_OTHERS"
)

// BranchStatus is the state of one BranchState entry on a ticket.
type BranchStatus string

const (
	BranchActive    BranchStatus = "ACTIVE"
	BranchCompleted BranchStatus = "COMPLETED"
	BranchRejected  BranchStatus = "REJECTED"
	BranchSkipped   BranchStatus = "SKIPPED"
	BranchCancelled BranchStatus = "CANCELLED"
)

// IsTerminal reports whether the branch has finished, successfully or not.
func (s BranchStatus) IsTerminal() bool {
	return s != BranchActive && s != ""
}

// IsFailed reports whether the branch counts as failed for join math.
func (s BranchStatus) IsFailed() bool {
	switch s {
	case BranchRejected, BranchCancelled, BranchSkipped:
		return true
	}
	return false
}

// Decision is an approval task outcome.
type Decision string

const (
	DecisionPending   Decision = "PENDING"
	DecisionApproved  Decision = "APPROVED"
	DecisionRejected  Decision = "REJECTED"
	DecisionSkipped   Decision = "SKIPPED"
	DecisionCancelled Decision = "CANCELLED"
)

// ApproverMode selects the approver-resolution strategy for an approval step.
type ApproverMode string

const (
	ApproverRequesterManager ApproverMode = "REQUESTER_MANAGER"
	ApproverSpecificEmail    ApproverMode = "SPECIFIC_EMAIL"
	ApproverSpocEmail        ApproverMode = "SPOC_EMAIL"
	ApproverConditional      ApproverMode = "CONDITIONAL"
	ApproverStepAssignee     ApproverMode = "STEP_ASSIGNEE"
	ApproverFromLookup       ApproverMode = "FROM_LOOKUP"
)

// ParallelRule decides how many parallel approvals complete the step.
type ParallelRule string

const (
	ParallelAll ParallelRule = "ALL"
	ParallelAny ParallelRule = "ANY"
)

// RecipientKind selects notify-step recipients.
type RecipientKind string

const (
	RecipientRequester     RecipientKind = "requester"
	RecipientAssignedAgent RecipientKind = "assigned_agent"
	RecipientApprovers     RecipientKind = "approvers"
)

// InfoRequestStatus is the lifecycle of an info request side thread.
type InfoRequestStatus string

const (
	InfoRequestOpen      InfoRequestStatus = "OPEN"
	InfoRequestResponded InfoRequestStatus = "RESPONDED"
	InfoRequestClosed    InfoRequestStatus = "CLOSED"
	InfoRequestCancelled InfoRequestStatus = "CANCELLED"
)

// HandoverStatus is the lifecycle of a handover request.
type HandoverStatus string

const (
	HandoverPending   HandoverStatus = "PENDING"
	HandoverApproved  HandoverStatus = "APPROVED"
	HandoverRejected  HandoverStatus = "REJECTED"
	HandoverCancelled HandoverStatus = "CANCELLED"
)

// ChangeRequestStatus is the lifecycle of a change request.
type ChangeRequestStatus string

const (
	ChangeRequestPending   ChangeRequestStatus = "PENDING"
	ChangeRequestApproved  ChangeRequestStatus = "APPROVED"
	ChangeRequestRejected  ChangeRequestStatus = "REJECTED"
	ChangeRequestCancelled ChangeRequestStatus = "CANCELLED"
)

// AssignmentStatus tracks the assignment history chain.
type AssignmentStatus string

const (
	AssignmentActive     AssignmentStatus = "ACTIVE"
	AssignmentReassigned AssignmentStatus = "REASSIGNED"
	AssignmentEnded      AssignmentStatus = "ENDED"
)

// FormVersionSource records what produced a form snapshot.
type FormVersionSource string

const (
	FormVersionInitial       FormVersionSource = "INITIAL"
	FormVersionChangeRequest FormVersionSource = "CHANGE_REQUEST"
)

// NotificationStatus is the outbox delivery state.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "PENDING"
	NotificationSent    NotificationStatus = "SENT"
	NotificationFailed  NotificationStatus = "FAILED"
)

// Action is an authorization-checked operation on a step or ticket.
type Action string

const (
	ActionSubmitForm   Action = "submit_form"
	ActionApprove      Action = "approve"
	ActionReject       Action = "reject"
	ActionSkip         Action = "skip"
	ActionRequestInfo  Action = "request_info"
	ActionRespondInfo  Action = "respond_info"
	ActionAssign       Action = "assign"
	ActionReassign     Action = "reassign"
	ActionCompleteTask Action = "complete_task"
	ActionSaveDraft    Action = "save_draft"
	ActionAddNote      Action = "add_note"
	ActionHold         Action = "hold"
	ActionResume       Action = "resume"
	ActionSkipStep     Action = "skip_step"
	ActionHandover     Action = "handover"
	ActionAckSLA       Action = "ack_sla"
	ActionCancelTicket Action = "cancel_ticket"
)
