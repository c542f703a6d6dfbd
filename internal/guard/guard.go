// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package guard makes per-action authorization decisions over the identity
// model: requester, step assignee, directory manager, and parallel
// approvers. All principal comparisons go through the identity package.
package guard

import (
	"log/slog"

	"github.com/rashadism/ticketflow/internal/apperr"
	"github.com/rashadism/ticketflow/internal/domain"
	"github.com/rashadism/ticketflow/internal/identity"
)

// Env is the state the decision is made over. AllSteps, OpenInfoRequest and
// ApprovalTasks are optional; actions that need them document it.
type Env struct {
	Ticket *domain.Ticket
	Step   *domain.TicketStep
	// AllSteps enables the last-completed-approval rules for assign,
	// reassign, and handover decisions.
	AllSteps []domain.TicketStep
	// OpenInfoRequest targets respond_info.
	OpenInfoRequest *domain.InfoRequest
	// ApprovalTasks is the legacy fallback for parallel membership.
	ApprovalTasks []domain.ApprovalTask
}

// Guard is the decision point.
type Guard struct {
	logger *slog.Logger
}

// New creates a Guard.
func New(logger *slog.Logger) *Guard {
	return &Guard{logger: logger}
}

// CanActOnStep returns nil when actor may perform action, or an error of
// kind PermissionDenied / InvalidState explaining the refusal.
func (g *Guard) CanActOnStep(actor domain.UserRef, env Env, action domain.Action) error {
	t, step := env.Ticket, env.Step

	if t.Status.IsTerminal() {
		return apperr.InvalidState("ticket %s is %s; no further actions are allowed", t.ID, t.Status)
	}

	// A paused ticket only accepts notes from its participants.
	if t.Status == domain.TicketWaitingForCR || (step != nil && step.State == domain.StepWaitingForCR) {
		if action != domain.ActionAddNote {
			return apperr.InvalidState("ticket %s is paused for a change request", t.ID)
		}
		if g.isRequester(actor, t) || g.isManager(actor, t) ||
			(step != nil && (g.isAssignee(actor, step) || g.isParallelApprover(actor, env))) {
			return nil
		}
		return apperr.PermissionDenied("only participants may add notes while a change request is pending")
	}

	switch action {
	case domain.ActionSubmitForm:
		if !g.isRequester(actor, t) {
			return apperr.PermissionDenied("only the requester may submit this form")
		}
		if step.State != domain.StepActive {
			return apperr.InvalidState("form step %s is %s, not ACTIVE", step.ID, step.State)
		}
		return nil

	case domain.ActionApprove, domain.ActionReject, domain.ActionSkip:
		if !g.isAssignee(actor, step) && !g.isParallelApprover(actor, env) {
			return apperr.PermissionDenied("you are not an approver on this step")
		}
		switch step.State {
		case domain.StepWaitingForApproval, domain.StepWaitingForRequester, domain.StepWaitingForAgent:
			return nil
		}
		return apperr.InvalidState("step %s is %s and cannot be decided", step.ID, step.State)

	case domain.ActionRequestInfo:
		if !g.isAssignee(actor, step) && !g.isParallelApprover(actor, env) {
			return apperr.PermissionDenied("only the step owner may request information")
		}
		switch step.StepType {
		case domain.StepTypeApproval:
			if step.State != domain.StepWaitingForApproval {
				return apperr.InvalidState("approval step %s is %s", step.ID, step.State)
			}
		case domain.StepTypeTask:
			if step.State != domain.StepActive {
				return apperr.InvalidState("task step %s is %s", step.ID, step.State)
			}
		default:
			return apperr.InvalidState("step %s does not support info requests", step.ID)
		}
		return nil

	case domain.ActionRespondInfo:
		if env.OpenInfoRequest != nil && identity.Same(actor, env.OpenInfoRequest.Recipient) {
			return nil
		}
		if step.State == domain.StepWaitingForRequester && g.isRequester(actor, t) {
			return nil
		}
		return apperr.PermissionDenied("only the requested recipient may respond")

	case domain.ActionAssign, domain.ActionReassign:
		if step.StepType != domain.StepTypeTask {
			return apperr.InvalidState("step %s is not a task step", step.ID)
		}
		if g.isManager(actor, t) || g.isLastApprovalResponsible(actor, env) {
			return nil
		}
		return apperr.PermissionDenied("only the manager or the responsible approver may assign agents")

	case domain.ActionCompleteTask:
		if step.State == domain.StepCompleted {
			if step.Data.CompletedBy != nil && identity.Same(actor, *step.Data.CompletedBy) {
				// Idempotent repeat by the original completer.
				return nil
			}
			completer := "another user"
			if step.Data.CompletedBy != nil {
				completer = step.Data.CompletedBy.DisplayName
			}
			return apperr.PermissionDenied("task already completed by %s", completer)
		}
		if !g.isAssignee(actor, step) {
			return apperr.PermissionDenied("only the assigned agent may complete this task")
		}
		if step.State != domain.StepActive {
			return apperr.InvalidState("task step %s is %s, not ACTIVE", step.ID, step.State)
		}
		return nil

	case domain.ActionSaveDraft:
		switch step.StepType {
		case domain.StepTypeForm:
			if g.isRequester(actor, t) {
				return nil
			}
		case domain.StepTypeTask:
			if g.isAssignee(actor, step) {
				return nil
			}
		}
		return apperr.PermissionDenied("only the step owner may save drafts")

	case domain.ActionAddNote:
		if step != nil && step.State.IsTerminal() {
			return apperr.InvalidState("step %s is %s; notes are closed", step.ID, step.State)
		}
		if step == nil {
			// Ticket-level note.
			if g.isRequester(actor, t) || g.isManager(actor, t) {
				return nil
			}
			return apperr.PermissionDenied("only the requester or manager may add ticket notes")
		}
		if g.isAssignee(actor, step) || g.isManager(actor, t) {
			return nil
		}
		if step.StepType == domain.StepTypeApproval && g.isParallelApprover(actor, env) {
			return nil
		}
		return apperr.PermissionDenied("you may not add notes to this step")

	case domain.ActionHold:
		if !g.isAssignee(actor, step) {
			return apperr.PermissionDenied("only the assignee may put this step on hold")
		}
		if step.State != domain.StepActive && step.State != domain.StepWaitingForApproval {
			return apperr.InvalidState("step %s is %s and cannot be held", step.ID, step.State)
		}
		return nil

	case domain.ActionResume:
		if !g.isAssignee(actor, step) && !g.isManager(actor, t) {
			return apperr.PermissionDenied("only the assignee or manager may resume this step")
		}
		if step.State != domain.StepOnHold {
			return apperr.InvalidState("step %s is not on hold", step.ID)
		}
		return nil

	case domain.ActionSkipStep:
		if !g.isManager(actor, t) {
			return apperr.PermissionDenied("only the manager may skip a step")
		}
		if step.State.IsTerminal() {
			return apperr.InvalidState("step %s is already %s", step.ID, step.State)
		}
		return nil

	case domain.ActionHandover:
		if !g.isAssignee(actor, step) {
			return apperr.PermissionDenied("only the assignee may request a handover")
		}
		if step.State != domain.StepActive {
			return apperr.InvalidState("task step %s is %s", step.ID, step.State)
		}
		return nil

	case domain.ActionAckSLA:
		if !g.isAssignee(actor, step) {
			return apperr.PermissionDenied("only the assignee may acknowledge the SLA")
		}
		return nil

	case domain.ActionCancelTicket:
		if g.isRequester(actor, t) || g.isManager(actor, t) {
			return nil
		}
		return apperr.PermissionDenied("only the requester or manager may cancel the ticket")
	}

	return apperr.PermissionDenied("unknown action %q", action)
}

// DecideHandover authorizes a handover decision: the manager, or the
// responsible principal of the last completed approval step.
func (g *Guard) DecideHandover(actor domain.UserRef, env Env) error {
	if g.isManager(actor, env.Ticket) || g.isLastApprovalResponsible(actor, env) {
		return nil
	}
	return apperr.PermissionDenied("only the manager or the responsible approver may decide handovers")
}

func (g *Guard) isRequester(actor domain.UserRef, t *domain.Ticket) bool {
	return identity.Same(actor, t.Requester)
}

func (g *Guard) isManager(actor domain.UserRef, t *domain.Ticket) bool {
	return t.ManagerSnapshot != nil && identity.Same(actor, *t.ManagerSnapshot)
}

func (g *Guard) isAssignee(actor domain.UserRef, step *domain.TicketStep) bool {
	return step != nil && step.AssignedTo != nil && identity.Same(actor, *step.AssignedTo)
}

// isParallelApprover checks membership in order: the pending list, the
// parallel_approvers_info snapshot (carrying directory ids), and finally the
// step's approval tasks as a legacy fallback.
func (g *Guard) isParallelApprover(actor domain.UserRef, env Env) bool {
	step := env.Step
	if step == nil {
		return false
	}
	if identity.InEmails(actor, step.Data.ParallelPendingApprovers) {
		return true
	}
	for _, info := range step.Data.ParallelApproversInfo {
		if identity.Same(actor, info.User) {
			return true
		}
	}
	for _, task := range env.ApprovalTasks {
		if task.TicketStepID == step.ID && identity.Same(actor, task.Approver) {
			return true
		}
	}
	return false
}

// isLastApprovalResponsible reports whether actor is the principal
// responsible for task assignment on the last completed approval step: the
// designated primary for a parallel approval, the assignee otherwise.
func (g *Guard) isLastApprovalResponsible(actor domain.UserRef, env Env) bool {
	last := LastCompletedApproval(env.AllSteps)
	if last == nil {
		return false
	}
	if len(last.Data.ParallelApproversInfo) > 0 {
		for _, info := range last.Data.ParallelApproversInfo {
			if info.IsPrimary {
				return identity.Same(actor, info.User)
			}
		}
		return false
	}
	return last.AssignedTo != nil && identity.Same(actor, *last.AssignedTo)
}

// LastCompletedApproval returns the most recently completed approval step.
func LastCompletedApproval(steps []domain.TicketStep) *domain.TicketStep {
	var last *domain.TicketStep
	for i := range steps {
		s := &steps[i]
		if s.StepType != domain.StepTypeApproval || s.State != domain.StepCompleted {
			continue
		}
		if last == nil || (s.CompletedAt != nil && last.CompletedAt != nil && s.CompletedAt.After(*last.CompletedAt)) {
			last = s
		}
	}
	return last
}
