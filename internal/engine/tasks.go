// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"

	"github.com/rashadism/ticketflow/internal/accessstore"
	"github.com/rashadism/ticketflow/internal/apperr"
	"github.com/rashadism/ticketflow/internal/audit"
	"github.com/rashadism/ticketflow/internal/domain"
	"github.com/rashadism/ticketflow/internal/guard"
	"github.com/rashadism/ticketflow/internal/identity"
	"github.com/rashadism/ticketflow/internal/idgen"
	"github.com/rashadism/ticketflow/internal/notification"
)

// AssignAgent assigns an unassigned active task step to an agent.
func (e *Engine) AssignAgent(ctx context.Context, actor domain.Actor, ticketID, stepID string,
	agent domain.UserRef, reason string) (*domain.Ticket, error) {
	return e.assignAgent(ctx, actor, ticketID, stepID, agent, reason, domain.ActionAssign)
}

// ReassignAgent moves an assigned task step to a different agent. The
// previous active assignment is closed as REASSIGNED.
func (e *Engine) ReassignAgent(ctx context.Context, actor domain.Actor, ticketID, stepID string,
	agent domain.UserRef, reason string) (*domain.Ticket, error) {
	return e.assignAgent(ctx, actor, ticketID, stepID, agent, reason, domain.ActionReassign)
}

func (e *Engine) assignAgent(ctx context.Context, actor domain.Actor, ticketID, stepID string,
	agent domain.UserRef, reason string, action domain.Action) (*domain.Ticket, error) {
	env, err := e.loadEnv(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	step, err := e.findStep(ctx, env, stepID)
	if err != nil {
		return nil, err
	}
	if _, err := e.authorize(ctx, env, step, actor, action); err != nil {
		return nil, err
	}
	if step.State != domain.StepActive {
		return nil, apperr.InvalidState("task step %s is %s, not ACTIVE", step.StepID, step.State)
	}
	if agent.NormalizedEmail() == "" {
		return nil, apperr.Validation("agent requires an email",
			apperr.FieldMessage{Field: "agent.email", Message: "required"})
	}

	now := e.clock.Now()
	prev, err := e.store.ActiveAssignment(ctx, step.ID)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		prev.Status = domain.AssignmentReassigned
		prev.EndedAt = &now
		if err := e.store.UpdateAssignment(ctx, prev); err != nil {
			return nil, err
		}
	}

	assignment := &domain.Assignment{
		ID:           e.ids.NewID(idgen.PrefixAssignment),
		TicketID:     env.ticket.ID,
		TicketStepID: step.ID,
		Agent:        agent,
		AssignedBy:   actor.UserRef,
		Status:       domain.AssignmentActive,
		Reason:       reason,
		StartedAt:    now,
	}
	if err := e.store.CreateAssignment(ctx, assignment); err != nil {
		return nil, err
	}

	step.SetAssignee(&agent)
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return nil, err
	}

	trigger := accessstore.TriggerTaskAssignment
	kind := domain.AuditAssignAgent
	key := notification.KeyTaskAssigned
	if action == domain.ActionReassign || prev != nil {
		trigger = accessstore.TriggerTaskReassignment
		kind = domain.AuditReassignAgent
		key = notification.KeyTaskReassigned
	}
	e.onboard(ctx, env, actor.CorrelationID, agent, trigger, false, true)

	_ = e.audit.Write(ctx, actor.CorrelationID, audit.Entry{
		TicketID:     env.ticket.ID,
		TicketStepID: step.ID,
		Kind:         kind,
		Actor:        actor.UserRef,
		Details: map[string]any{
			"agent":  agent.NormalizedEmail(),
			"reason": reason,
		},
	})

	payload := basePayload(env.ticket)
	payload["step_name"] = step.StepName
	payload["agent_name"] = agent.DisplayName
	e.notifyUsers(ctx, env, actor.CorrelationID, key, []domain.UserRef{agent}, payload)
	return env.ticket, nil
}

// CompleteTask finishes an active task step with its output values and
// advances the workflow. Repeated by the original completer it is an
// idempotent no-op.
func (e *Engine) CompleteTask(ctx context.Context, actor domain.Actor, ticketID, stepID string,
	outputValues map[string]any, completionNote string, attachmentIDs []string) (*domain.Ticket, error) {
	env, err := e.loadEnv(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	step, err := e.findStep(ctx, env, stepID)
	if err != nil {
		return nil, err
	}
	ge, err := e.authorize(ctx, env, step, actor, domain.ActionCompleteTask)
	if err != nil {
		return nil, err
	}
	if step.State == domain.StepCompleted {
		// The guard admits only the original completer here.
		return env.ticket, nil
	}

	sd, _, err := e.stepDef(ctx, env, step)
	if err != nil {
		return nil, err
	}
	if sd.Task != nil && len(sd.Task.OutputFields) > 0 {
		if err := validateForm(&domain.FormConfig{Fields: sd.Task.OutputFields}, outputValues); err != nil {
			return nil, err
		}
	}

	// Completing the task closes any open info side thread.
	if ge.OpenInfoRequest != nil {
		ge.OpenInfoRequest.Status = domain.InfoRequestCancelled
		if err := e.store.UpdateInfoRequest(ctx, ge.OpenInfoRequest); err != nil {
			return nil, err
		}
	}

	for _, id := range attachmentIDs {
		if err := e.attachments.MoveTempAttachment(ctx, id, env.ticket.ID); err != nil {
			e.logger.Warn("failed to move attachment",
				"attachment_id", id, "ticket_id", env.ticket.ID, "error", err)
		}
	}

	now := e.clock.Now()
	step.State = domain.StepCompleted
	step.CompletedAt = &now
	step.Data.OutputValues = outputValues
	step.Data.CompletionNote = completionNote
	step.Data.CompletedBy = &actor.UserRef
	step.Data.DraftValues = nil
	step.Data.DraftNotes = ""
	step.Data.AttachmentIDs = append(step.Data.AttachmentIDs, attachmentIDs...)
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return nil, err
	}

	_ = e.audit.Write(ctx, actor.CorrelationID, audit.Entry{
		TicketID:     env.ticket.ID,
		TicketStepID: step.ID,
		Kind:         domain.AuditCompleteTask,
		Actor:        actor.UserRef,
		Details:      map[string]any{"step_id": stepID},
	})

	payload := basePayload(env.ticket)
	payload["step_name"] = step.StepName
	payload["agent_name"] = actor.DisplayName
	e.notifyUsers(ctx, env, actor.CorrelationID, notification.KeyTaskCompleted,
		[]domain.UserRef{env.ticket.Requester}, payload)

	if err := e.reloadSteps(ctx, env); err != nil {
		return nil, err
	}
	if err := e.advance(ctx, env, actor, step, domain.EventCompleteTask); err != nil {
		return nil, err
	}
	if err := e.store.UpdateTicket(ctx, env.ticket); err != nil {
		return nil, err
	}
	return env.ticket, nil
}

// RequestHandover opens a handover request on an active task step. At most
// one pending request per step.
func (e *Engine) RequestHandover(ctx context.Context, actor domain.Actor, ticketID, stepID, reason string) (*domain.HandoverRequest, error) {
	env, err := e.loadEnv(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	step, err := e.findStep(ctx, env, stepID)
	if err != nil {
		return nil, err
	}
	if _, err := e.authorize(ctx, env, step, actor, domain.ActionHandover); err != nil {
		return nil, err
	}
	if pending, err := e.store.PendingHandover(ctx, step.ID); err != nil {
		return nil, err
	} else if pending != nil {
		return nil, apperr.InvalidState("step %s already has a pending handover request", step.StepID)
	}

	hr := &domain.HandoverRequest{
		ID:           e.ids.NewID(idgen.PrefixHandover),
		TicketID:     env.ticket.ID,
		TicketStepID: step.ID,
		RequestedBy:  actor.UserRef,
		Reason:       reason,
		Status:       domain.HandoverPending,
	}
	if err := e.store.CreateHandover(ctx, hr); err != nil {
		return nil, err
	}

	_ = e.audit.Write(ctx, actor.CorrelationID, audit.Entry{
		TicketID:     env.ticket.ID,
		TicketStepID: step.ID,
		Kind:         domain.AuditHandoverRequested,
		Actor:        actor.UserRef,
		Details:      map[string]any{"reason": reason},
	})

	payload := basePayload(env.ticket)
	payload["step_name"] = step.StepName
	payload["agent_name"] = actor.DisplayName
	payload["reason"] = reason
	e.notifyUsers(ctx, env, actor.CorrelationID, notification.KeyHandoverRequested,
		e.handoverDeciders(env), payload)
	return hr, nil
}

// handoverDeciders returns who may decide a handover: the manager and the
// responsible principal of the last completed approval step.
func (e *Engine) handoverDeciders(env *actionEnv) []domain.UserRef {
	var out []domain.UserRef
	if env.ticket.ManagerSnapshot != nil {
		out = append(out, *env.ticket.ManagerSnapshot)
	}
	last := guard.LastCompletedApproval(env.steps)
	if last == nil {
		return out
	}
	if len(last.Data.ParallelApproversInfo) > 0 {
		for _, info := range last.Data.ParallelApproversInfo {
			if info.IsPrimary {
				out = append(out, info.User)
				break
			}
		}
	} else if last.AssignedTo != nil {
		out = append(out, *last.AssignedTo)
	}
	return out
}

// DecideHandover approves or rejects a pending handover. Approval hands the
// step to the named new agent.
func (e *Engine) DecideHandover(ctx context.Context, actor domain.Actor, ticketID, handoverID string,
	approve bool, newAgent *domain.UserRef) (*domain.Ticket, error) {
	env, err := e.loadEnv(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	hr, err := e.store.GetHandover(ctx, handoverID)
	if err != nil {
		return nil, err
	}
	if hr.TicketID != env.ticket.ID {
		return nil, apperr.NotFound("handover request", handoverID)
	}
	if hr.Status != domain.HandoverPending {
		return nil, apperr.InvalidState("handover request %s is %s, not PENDING", hr.ID, hr.Status)
	}
	step, err := e.store.GetStep(ctx, hr.TicketStepID)
	if err != nil {
		return nil, err
	}

	ge, err := e.guardEnv(ctx, env, step)
	if err != nil {
		return nil, err
	}
	if err := e.guard.DecideHandover(actor.UserRef, ge); err != nil {
		return nil, err
	}

	now := e.clock.Now()
	kind := domain.AuditHandoverRejected
	decision := "rejected"
	if approve {
		if newAgent == nil || newAgent.NormalizedEmail() == "" {
			return nil, apperr.Validation("approving a handover requires a new agent",
				apperr.FieldMessage{Field: "new_agent.email", Message: "required"})
		}
		kind = domain.AuditHandoverApproved
		decision = "approved"

		prev, err := e.store.ActiveAssignment(ctx, step.ID)
		if err != nil {
			return nil, err
		}
		if prev != nil {
			prev.Status = domain.AssignmentReassigned
			prev.EndedAt = &now
			if err := e.store.UpdateAssignment(ctx, prev); err != nil {
				return nil, err
			}
		}
		assignment := &domain.Assignment{
			ID:           e.ids.NewID(idgen.PrefixAssignment),
			TicketID:     env.ticket.ID,
			TicketStepID: step.ID,
			Agent:        *newAgent,
			AssignedBy:   actor.UserRef,
			Status:       domain.AssignmentActive,
			Reason:       "handover " + hr.ID,
			StartedAt:    now,
		}
		if err := e.store.CreateAssignment(ctx, assignment); err != nil {
			return nil, err
		}
		step.SetAssignee(newAgent)
		if err := e.store.UpdateStep(ctx, step); err != nil {
			return nil, err
		}
		e.onboard(ctx, env, actor.CorrelationID, *newAgent, accessstore.TriggerHandoverAssignment, false, true)

		hr.Status = domain.HandoverApproved
		hr.NewAgent = newAgent
	} else {
		hr.Status = domain.HandoverRejected
	}
	hr.DecidedBy = &actor.UserRef
	hr.DecidedAt = &now
	if err := e.store.UpdateHandover(ctx, hr); err != nil {
		return nil, err
	}

	_ = e.audit.Write(ctx, actor.CorrelationID, audit.Entry{
		TicketID:     env.ticket.ID,
		TicketStepID: step.ID,
		Kind:         kind,
		Actor:        actor.UserRef,
		Details:      map[string]any{"handover_id": hr.ID},
	})

	payload := basePayload(env.ticket)
	payload["step_name"] = step.StepName
	payload["decision"] = decision
	recipients := []domain.UserRef{hr.RequestedBy}
	if approve && newAgent != nil {
		recipients = append(recipients, *newAgent)
	}
	e.notifyUsers(ctx, env, actor.CorrelationID, notification.KeyHandoverDecision, recipients, payload)
	return env.ticket, nil
}

// CancelHandover withdraws a pending handover request. Only its requester
// may cancel it.
func (e *Engine) CancelHandover(ctx context.Context, actor domain.Actor, ticketID, handoverID string) error {
	env, err := e.loadEnv(ctx, ticketID)
	if err != nil {
		return err
	}
	hr, err := e.store.GetHandover(ctx, handoverID)
	if err != nil {
		return err
	}
	if hr.TicketID != env.ticket.ID {
		return apperr.NotFound("handover request", handoverID)
	}
	if hr.Status != domain.HandoverPending {
		return apperr.InvalidState("handover request %s is %s, not PENDING", hr.ID, hr.Status)
	}
	if !identity.Same(actor.UserRef, hr.RequestedBy) {
		return apperr.PermissionDenied("only the requester of the handover may cancel it")
	}

	now := e.clock.Now()
	hr.Status = domain.HandoverCancelled
	hr.DecidedBy = &actor.UserRef
	hr.DecidedAt = &now
	if err := e.store.UpdateHandover(ctx, hr); err != nil {
		return err
	}

	return e.audit.Write(ctx, actor.CorrelationID, audit.Entry{
		TicketID:     env.ticket.ID,
		TicketStepID: hr.TicketStepID,
		Kind:         domain.AuditHandoverCancelled,
		Actor:        actor.UserRef,
		Details:      map[string]any{"handover_id": hr.ID},
	})
}
