// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"

	"github.com/rashadism/ticketflow/internal/audit"
	"github.com/rashadism/ticketflow/internal/domain"
	"github.com/rashadism/ticketflow/internal/notification"
	"github.com/rashadism/ticketflow/internal/repository"
	"github.com/rashadism/ticketflow/internal/subworkflow"
	"github.com/rashadism/ticketflow/internal/transition"
)

// completeTicket finishes the ticket successfully.
func (e *Engine) completeTicket(ctx context.Context, env *actionEnv, actor domain.Actor) error {
	now := e.clock.Now()
	env.ticket.Status = domain.TicketCompleted
	env.ticket.CompletedAt = &now

	_ = e.audit.Write(ctx, actor.CorrelationID, audit.Entry{
		TicketID: env.ticket.ID,
		Kind:     domain.AuditTicketCompleted,
		Actor:    actor.UserRef,
	})

	recipients := []domain.UserRef{env.ticket.Requester}
	if env.ticket.ManagerSnapshot != nil {
		recipients = append(recipients, *env.ticket.ManagerSnapshot)
	}
	e.notifyUsers(ctx, env, actor.CorrelationID, notification.KeyTicketCompleted,
		recipients, basePayload(env.ticket))
	e.logger.Info("ticket completed", "ticket_id", env.ticket.ID)
	return nil
}

// handleStepFailure routes a REJECTED or SKIPPED step: a workflow-declared
// failure edge wins; otherwise branch failure policy, or ticket failure.
func (e *Engine) handleStepFailure(ctx context.Context, env *actionEnv, actor domain.Actor,
	step *domain.TicketStep, event domain.EventType, comment string) error {
	def, err := e.defFor(ctx, env, step)
	if err != nil {
		return err
	}
	// An explicit failure transition overrides the default semantics.
	tr, err := transition.Resolve(def, step.StepID, event, conditionContext(env.ticket))
	if err == nil && tr != nil {
		return e.applyTransition(ctx, env, actor, step, def, tr)
	}

	failStatus := domain.TicketRejected
	branchState := domain.BranchRejected
	if event == domain.EventSkip {
		failStatus = domain.TicketSkipped
		branchState = domain.BranchSkipped
	}

	if !step.InBranch() {
		return e.failTicket(ctx, env, actor, failStatus, comment)
	}

	branch := env.ticket.Branch(step.ParentForkStepID, step.BranchID)
	if branch == nil || branch.State.IsTerminal() {
		return nil
	}
	forkSD := def.StepByID(step.ParentForkStepID)
	if forkSD == nil || forkSD.Fork == nil {
		return e.failTicket(ctx, env, actor, failStatus, comment)
	}

	switch forkSD.Fork.FailurePolicy {
	case domain.ContinueOthers:
		branch.State = branchState
		_ = e.audit.Write(ctx, actor.CorrelationID, audit.Entry{
			TicketID:     env.ticket.ID,
			TicketStepID: step.ID,
			Kind:         domain.AuditBranchCompleted,
			Actor:        actor.UserRef,
			Details: map[string]any{
				"branch_id": branch.BranchID,
				"state":     string(branchState),
			},
		})
		if err := e.cancelBranchSteps(ctx, env, actor, def, forkSD, branch.BranchID); err != nil {
			return err
		}
		if env.ticket.JoinProceeded {
			return e.maybeFinishDeferred(ctx, env, actor)
		}
		return e.evaluateJoinOfFork(ctx, env, actor, def, step.ParentForkStepID)

	case domain.CancelOthers:
		branch.State = branchState
		for i := range env.ticket.ActiveBranches {
			b := &env.ticket.ActiveBranches[i]
			if b.ParentForkStepID != step.ParentForkStepID || b.BranchID == branch.BranchID {
				continue
			}
			if !b.State.IsTerminal() {
				b.State = domain.BranchCancelled
			}
			if err := e.cancelBranchSteps(ctx, env, actor, def, forkSD, b.BranchID); err != nil {
				return err
			}
		}
		return e.failTicket(ctx, env, actor, failStatus, comment)

	default: // FAIL_ALL
		branch.State = branchState
		return e.failTicket(ctx, env, actor, failStatus, comment)
	}
}

// cancelBranchSteps cancels every non-terminal step instance of one branch,
// tracing the branch's step set through the definition.
func (e *Engine) cancelBranchSteps(ctx context.Context, env *actionEnv, actor domain.Actor,
	def *domain.WorkflowDefinition, forkSD *domain.StepDefinition, branchID string) error {
	var startID, joinID string
	for _, b := range forkSD.Fork.Branches {
		if b.BranchID == branchID {
			startID = b.StartStepID
			break
		}
	}
	for i := range def.Steps {
		sd := &def.Steps[i]
		if sd.StepType == domain.StepTypeJoin && sd.Join != nil && sd.Join.ForkStepID == forkSD.StepID {
			joinID = sd.StepID
			break
		}
	}
	member := map[string]bool{}
	for _, id := range subworkflow.TraceBranch(def, startID, joinID) {
		member[id] = true
	}

	return e.cancelSteps(ctx, env, actor, func(s *domain.TicketStep) bool {
		return s.BranchID == branchID && member[s.StepID] && !s.State.IsTerminal()
	})
}

// cancelSteps cancels every step matching the predicate, along with its
// pending approval tasks, open info request, and pending handover. Each step
// write retries on concurrency.
func (e *Engine) cancelSteps(ctx context.Context, env *actionEnv, actor domain.Actor,
	match func(*domain.TicketStep) bool) error {
	if err := e.reloadSteps(ctx, env); err != nil {
		return err
	}
	now := e.clock.Now()
	for i := range env.steps {
		s := env.steps[i]
		if !match(&s) {
			continue
		}
		err := repository.Retry(ctx, func(ctx context.Context) error {
			cur, err := e.store.GetStep(ctx, s.ID)
			if err != nil {
				return err
			}
			if cur.State.IsTerminal() {
				return nil
			}
			cur.State = domain.StepCancelled
			cur.CompletedAt = &now
			return e.store.UpdateStep(ctx, cur)
		})
		if err != nil {
			return err
		}
		if err := e.cancelStepSideThreads(ctx, s.ID); err != nil {
			return err
		}
	}
	return e.reloadSteps(ctx, env)
}

// cancelStepSideThreads cancels pending approval tasks, the open info
// request, and the pending handover of one step.
func (e *Engine) cancelStepSideThreads(ctx context.Context, ticketStepID string) error {
	now := e.clock.Now()
	tasks, err := e.store.ListApprovalTasks(ctx, ticketStepID)
	if err != nil {
		return err
	}
	for i := range tasks {
		t := tasks[i]
		if t.Decision != domain.DecisionPending {
			continue
		}
		t.Decision = domain.DecisionCancelled
		t.DecidedAt = &now
		if err := e.store.UpdateApprovalTask(ctx, &t); err != nil {
			return err
		}
	}
	if ir, err := e.store.OpenInfoRequest(ctx, ticketStepID); err != nil {
		return err
	} else if ir != nil {
		ir.Status = domain.InfoRequestCancelled
		if err := e.store.UpdateInfoRequest(ctx, ir); err != nil {
			return err
		}
	}
	if hr, err := e.store.PendingHandover(ctx, ticketStepID); err != nil {
		return err
	} else if hr != nil {
		hr.Status = domain.HandoverCancelled
		if err := e.store.UpdateHandover(ctx, hr); err != nil {
			return err
		}
	}
	return nil
}

// failTicket ends the ticket as REJECTED, SKIPPED, or CANCELLED: every
// non-terminal step is cancelled, except NOTIFY steps which are activated
// and completed so the failure notification still goes out.
func (e *Engine) failTicket(ctx context.Context, env *actionEnv, actor domain.Actor,
	status domain.TicketStatus, comment string) error {
	now := e.clock.Now()
	env.ticket.Status = status
	env.ticket.CompletedAt = &now

	if err := e.reloadSteps(ctx, env); err != nil {
		return err
	}
	for i := range env.steps {
		s := env.steps[i]
		if s.State.IsTerminal() {
			continue
		}
		if s.StepType == domain.StepTypeNotify {
			if err := e.deliverNotifyAtTerminal(ctx, env, actor, &s, status); err != nil {
				return err
			}
			continue
		}
		err := repository.Retry(ctx, func(ctx context.Context) error {
			cur, err := e.store.GetStep(ctx, s.ID)
			if err != nil {
				return err
			}
			if cur.State.IsTerminal() {
				return nil
			}
			cur.State = domain.StepCancelled
			cur.CompletedAt = &now
			return e.store.UpdateStep(ctx, cur)
		})
		if err != nil {
			return err
		}
		if err := e.cancelStepSideThreads(ctx, s.ID); err != nil {
			return err
		}
	}

	kind := domain.AuditTicketRejected
	key := notification.KeyTicketRejected
	switch status {
	case domain.TicketSkipped:
		kind = domain.AuditTicketSkipped
		key = notification.KeyTicketSkipped
	case domain.TicketCancelled:
		kind = domain.AuditCancelTicket
		key = notification.KeyTicketCancelled
	}
	_ = e.audit.Write(ctx, actor.CorrelationID, audit.Entry{
		TicketID: env.ticket.ID,
		Kind:     kind,
		Actor:    actor.UserRef,
		Details:  map[string]any{"comment": comment},
	})

	recipients := []domain.UserRef{env.ticket.Requester}
	if env.ticket.ManagerSnapshot != nil {
		recipients = append(recipients, *env.ticket.ManagerSnapshot)
	}
	payload := basePayload(env.ticket)
	payload["comment"] = comment
	payload["reason"] = comment
	e.notifyUsers(ctx, env, actor.CorrelationID, key, recipients, payload)
	e.logger.Info("ticket ended", "ticket_id", env.ticket.ID, "status", status)
	return nil
}

// deliverNotifyAtTerminal completes a pending NOTIFY step during ticket
// failure so its configured recipients still hear about the outcome.
func (e *Engine) deliverNotifyAtTerminal(ctx context.Context, env *actionEnv, actor domain.Actor,
	step *domain.TicketStep, status domain.TicketStatus) error {
	sd, _, err := e.stepDef(ctx, env, step)
	if err != nil {
		return err
	}
	if sd.Notify != nil {
		key := notification.KeyTicketRejected
		if status == domain.TicketSkipped {
			key = notification.KeyTicketSkipped
		} else if status == domain.TicketCancelled {
			key = notification.KeyTicketCancelled
		}
		payload := basePayload(env.ticket)
		payload["step_name"] = step.StepName
		e.notifyUsers(ctx, env, actor.CorrelationID, key,
			e.resolveRecipients(env, sd.Notify.Recipients), payload)
	}
	now := e.clock.Now()
	step.State = domain.StepCompleted
	step.CompletedAt = &now
	return e.store.UpdateStep(ctx, step)
}
