// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"

	"github.com/rashadism/ticketflow/internal/accessstore"
	"github.com/rashadism/ticketflow/internal/apperr"
	"github.com/rashadism/ticketflow/internal/audit"
	"github.com/rashadism/ticketflow/internal/domain"
	"github.com/rashadism/ticketflow/internal/identity"
	"github.com/rashadism/ticketflow/internal/idgen"
	"github.com/rashadism/ticketflow/internal/notification"
	"github.com/rashadism/ticketflow/internal/repository"
)

// Approve records an approval decision on an approval step.
func (e *Engine) Approve(ctx context.Context, actor domain.Actor, ticketID, stepID, comment string) (*domain.Ticket, error) {
	return e.decide(ctx, actor, ticketID, stepID, comment,
		domain.ActionApprove, domain.DecisionApproved, domain.EventApprove, domain.AuditApprove)
}

// Reject records a rejection on an approval step.
func (e *Engine) Reject(ctx context.Context, actor domain.Actor, ticketID, stepID, comment string) (*domain.Ticket, error) {
	return e.decide(ctx, actor, ticketID, stepID, comment,
		domain.ActionReject, domain.DecisionRejected, domain.EventReject, domain.AuditReject)
}

// Skip records a skip decision on an approval step.
func (e *Engine) Skip(ctx context.Context, actor domain.Actor, ticketID, stepID, comment string) (*domain.Ticket, error) {
	return e.decide(ctx, actor, ticketID, stepID, comment,
		domain.ActionSkip, domain.DecisionSkipped, domain.EventSkip, domain.AuditSkip)
}

// decide is the shared approve/reject/skip path. Under parallel rule ANY two
// racing approvers serialize on the step's version: exactly one decision
// completes the step, the loser's reload sees the terminal state and
// becomes a no-op.
func (e *Engine) decide(ctx context.Context, actor domain.Actor, ticketID, stepID, comment string,
	action domain.Action, decision domain.Decision, event domain.EventType, auditKind domain.AuditKind) (*domain.Ticket, error) {
	env, err := e.loadEnv(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	step, err := e.findStep(ctx, env, stepID)
	if err != nil {
		return nil, err
	}
	ge, err := e.authorize(ctx, env, step, actor, action)
	if err != nil {
		return nil, err
	}

	// An approval decision closes any open info side thread first.
	if ge.OpenInfoRequest != nil {
		ge.OpenInfoRequest.Status = domain.InfoRequestCancelled
		if err := e.store.UpdateInfoRequest(ctx, ge.OpenInfoRequest); err != nil {
			return nil, err
		}
	}

	resolved, settled, err := e.settleDecision(ctx, step, actor.UserRef, decision, comment)
	if err != nil {
		return nil, err
	}
	if settled {
		// The losing decision changes nothing: no audit entry, no
		// notification, no advance. Hand back the winner's outcome.
		e.logger.Debug("decision lost the race to a settled step",
			"ticket_id", ticketID, "step_id", stepID, "state", step.State)
		return e.store.GetTicket(ctx, ticketID)
	}

	_ = e.audit.Write(ctx, actor.CorrelationID, audit.Entry{
		TicketID:     env.ticket.ID,
		TicketStepID: step.ID,
		Kind:         auditKind,
		Actor:        actor.UserRef,
		Details:      map[string]any{"step_id": stepID, "comment": comment},
	})

	payload := basePayload(env.ticket)
	payload["step_name"] = step.StepName
	payload["approver_name"] = actor.DisplayName
	payload["decision"] = string(decision)
	e.notifyUsers(ctx, env, actor.CorrelationID, notification.KeyApprovalDecided,
		[]domain.UserRef{env.ticket.Requester}, payload)

	if err := e.reloadSteps(ctx, env); err != nil {
		return nil, err
	}
	switch resolved {
	case domain.StepCompleted:
		if err := e.advance(ctx, env, actor, step, domain.EventApprove); err != nil {
			return nil, err
		}
	case domain.StepRejected, domain.StepSkipped:
		if err := e.handleStepFailure(ctx, env, actor, step, event, comment); err != nil {
			return nil, err
		}
	}
	// WAITING_FOR_APPROVAL: a partial ALL decision; nothing advances yet.

	if err := e.store.UpdateTicket(ctx, env.ticket); err != nil {
		return nil, err
	}
	return env.ticket, nil
}

// settleDecision applies the decision under the step's optimistic version,
// reloading on conflict. settled reports that a racing decision closed the
// step first; in that case nothing was written and step holds the winner's
// state.
func (e *Engine) settleDecision(ctx context.Context, step *domain.TicketStep,
	actor domain.UserRef, decision domain.Decision, comment string) (resolved domain.StepState, settled bool, err error) {
	err = repository.Retry(ctx, func(ctx context.Context) error {
		cur, err := e.store.GetStep(ctx, step.ID)
		if err != nil {
			return err
		}
		if cur.State.IsTerminal() {
			settled = true
			*step = *cur
			return nil
		}
		settled = false
		state, err := e.applyDecision(ctx, cur, actor, decision, comment)
		if err != nil {
			return err
		}
		resolved = state
		*step = *cur
		return nil
	})
	return resolved, settled, err
}

// applyDecision writes the actor's approval task and the step bookkeeping,
// returning the step state the decision resolved to.
func (e *Engine) applyDecision(ctx context.Context, step *domain.TicketStep,
	actor domain.UserRef, decision domain.Decision, comment string) (domain.StepState, error) {
	now := e.clock.Now()
	tasks, err := e.store.ListApprovalTasks(ctx, step.ID)
	if err != nil {
		return "", err
	}

	var mine *domain.ApprovalTask
	for i := range tasks {
		t := &tasks[i]
		if t.Decision == domain.DecisionPending && identity.Same(actor, t.Approver) {
			mine = t
			break
		}
	}
	if mine == nil {
		// Single-approver steps accept the decision from whoever the guard
		// admitted (reassignment may have left the task on a stale alias).
		if len(step.Data.ParallelPendingApprovers) == 0 {
			for i := range tasks {
				if tasks[i].Decision == domain.DecisionPending {
					mine = &tasks[i]
					break
				}
			}
		}
		if mine == nil {
			return "", apperr.InvalidState("no pending approval task for %s on step %s", actor.Email, step.StepID)
		}
	}

	mine.Decision = decision
	mine.Comment = comment
	mine.DecidedAt = &now
	if err := e.store.UpdateApprovalTask(ctx, mine); err != nil {
		return "", err
	}

	parallel := len(step.Data.ParallelPendingApprovers) > 0 || len(step.Data.ParallelApproversInfo) > 0
	if parallel {
		step.Data.ParallelPendingApprovers = removeEmail(step.Data.ParallelPendingApprovers, mine.Approver.NormalizedEmail())
		if decision == domain.DecisionApproved {
			step.Data.ParallelCompletedApprovers = append(step.Data.ParallelCompletedApprovers, mine.Approver.NormalizedEmail())
		}
	}

	var final domain.StepState
	switch {
	case decision == domain.DecisionRejected:
		final = domain.StepRejected
	case decision == domain.DecisionSkipped:
		final = domain.StepSkipped
	case !parallel:
		final = domain.StepCompleted
	case step.Data.ParallelRule == domain.ParallelAny:
		final = domain.StepCompleted
	case len(step.Data.ParallelPendingApprovers) == 0:
		final = domain.StepCompleted
	default:
		// ALL with approvals outstanding.
		final = domain.StepWaitingForApproval
	}

	if final != domain.StepWaitingForApproval && parallel {
		// Settle the remaining tasks so no orphan decision lingers.
		for i := range tasks {
			t := &tasks[i]
			if t.ID == mine.ID || t.Decision != domain.DecisionPending {
				continue
			}
			t.Decision = domain.DecisionCancelled
			t.DecidedAt = &now
			if err := e.store.UpdateApprovalTask(ctx, t); err != nil {
				return "", err
			}
		}
		step.Data.ParallelPendingApprovers = nil
	}

	step.State = final
	if final.IsTerminal() {
		step.CompletedAt = &now
		step.Data.CompletedBy = &mine.Approver
	}
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return "", err
	}
	return final, nil
}

func removeEmail(list []string, email string) []string {
	out := list[:0]
	for _, v := range list {
		if v != email {
			out = append(out, v)
		}
	}
	return out
}

// ReassignApproval moves a pending approval to a new approver: the current
// assignee (or a pending parallel approver reassigning themselves) or the
// manager may do it.
func (e *Engine) ReassignApproval(ctx context.Context, actor domain.Actor, ticketID, stepID string,
	newApprover domain.UserRef, reason string) error {
	env, err := e.loadEnv(ctx, ticketID)
	if err != nil {
		return err
	}
	step, err := e.findStep(ctx, env, stepID)
	if err != nil {
		return err
	}
	if step.State != domain.StepWaitingForApproval {
		return apperr.InvalidState("step %s is %s, not awaiting approval", step.StepID, step.State)
	}
	if newApprover.NormalizedEmail() == "" {
		return apperr.Validation("new approver requires an email",
			apperr.FieldMessage{Field: "new_approver.email", Message: "required"})
	}

	isManager := env.ticket.ManagerSnapshot != nil && identity.Same(actor.UserRef, *env.ticket.ManagerSnapshot)
	isAssignee := step.AssignedTo != nil && identity.Same(actor.UserRef, *step.AssignedTo)
	isParallelSelf := identity.InEmails(actor.UserRef, step.Data.ParallelPendingApprovers)
	if !isManager && !isAssignee && !isParallelSelf {
		return apperr.PermissionDenied("only the manager or the pending approver may reassign this approval")
	}

	// The replaced principal: the assignee for a single approval; the actor
	// themselves when a parallel approver hands their slot over.
	replaced := step.AssignedTo
	if isParallelSelf {
		replaced = &actor.UserRef
	}

	now := e.clock.Now()
	tasks, err := e.store.ListApprovalTasks(ctx, step.ID)
	if err != nil {
		return err
	}
	for i := range tasks {
		t := &tasks[i]
		if t.Decision != domain.DecisionPending || replaced == nil || !identity.Same(*replaced, t.Approver) {
			continue
		}
		t.Decision = domain.DecisionCancelled
		t.DecidedAt = &now
		if err := e.store.UpdateApprovalTask(ctx, t); err != nil {
			return err
		}
	}

	task := domain.ApprovalTask{
		ID:           e.ids.NewID(idgen.PrefixApprovalTask),
		TicketID:     env.ticket.ID,
		TicketStepID: step.ID,
		Approver:     newApprover,
		Decision:     domain.DecisionPending,
	}
	repository.NormalizeApprover(&task)
	if err := e.store.CreateApprovalTasks(ctx, []domain.ApprovalTask{task}); err != nil {
		return err
	}

	if isParallelSelf && replaced != nil {
		step.Data.ParallelPendingApprovers = removeEmail(step.Data.ParallelPendingApprovers, replaced.NormalizedEmail())
		step.Data.ParallelPendingApprovers = append(step.Data.ParallelPendingApprovers, newApprover.NormalizedEmail())
		for i := range step.Data.ParallelApproversInfo {
			info := &step.Data.ParallelApproversInfo[i]
			if identity.Same(*replaced, info.User) {
				info.User = newApprover
			}
		}
	} else {
		step.SetAssignee(&newApprover)
	}
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return err
	}

	e.onboard(ctx, env, actor.CorrelationID, newApprover, accessstore.TriggerApprovalReassignment, true, false)

	_ = e.audit.Write(ctx, actor.CorrelationID, audit.Entry{
		TicketID:     env.ticket.ID,
		TicketStepID: step.ID,
		Kind:         domain.AuditReassignApprover,
		Actor:        actor.UserRef,
		Details: map[string]any{
			"new_approver": newApprover.NormalizedEmail(),
			"reason":       reason,
		},
	})

	payload := basePayload(env.ticket)
	payload["step_name"] = step.StepName
	e.notifyUsers(ctx, env, actor.CorrelationID, notification.KeyApprovalPending,
		[]domain.UserRef{newApprover}, payload)
	return nil
}
