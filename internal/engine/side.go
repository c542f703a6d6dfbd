// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"

	"github.com/rashadism/ticketflow/internal/apperr"
	"github.com/rashadism/ticketflow/internal/audit"
	"github.com/rashadism/ticketflow/internal/domain"
	"github.com/rashadism/ticketflow/internal/idgen"
	"github.com/rashadism/ticketflow/internal/notification"
	"github.com/rashadism/ticketflow/internal/transition"
)

// RecipientRole classifies who an info request targets.
const (
	InfoRecipientRequester = "requester"
	InfoRecipientAgent     = "agent"
)

// RequestInfo opens an information request from the step owner to the ticket
// requester or the assigned agent. The step and ticket pause until the
// response arrives. At most one open request per step.
func (e *Engine) RequestInfo(ctx context.Context, actor domain.Actor, ticketID, stepID,
	recipientRole, subject, question string) (*domain.InfoRequest, error) {
	env, err := e.loadEnv(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	step, err := e.findStep(ctx, env, stepID)
	if err != nil {
		return nil, err
	}
	ge, err := e.authorize(ctx, env, step, actor, domain.ActionRequestInfo)
	if err != nil {
		return nil, err
	}
	if ge.OpenInfoRequest != nil {
		return nil, apperr.New(apperr.KindInfoRequestOpen,
			"step %s already has an open info request", step.StepID)
	}

	var recipient domain.UserRef
	var waitState domain.StepState
	var waitStatus domain.TicketStatus
	switch recipientRole {
	case InfoRecipientRequester:
		recipient = env.ticket.Requester
		waitState = domain.StepWaitingForRequester
		waitStatus = domain.TicketWaitingForRequest
	case InfoRecipientAgent:
		if step.AssignedTo == nil {
			return nil, apperr.InvalidState("step %s has no assigned agent to ask", step.StepID)
		}
		recipient = *step.AssignedTo
		waitState = domain.StepWaitingForAgent
		waitStatus = domain.TicketWaitingForAgent
	default:
		return nil, apperr.Validation("recipient_role must be requester or agent",
			apperr.FieldMessage{Field: "recipient_role", Message: "unknown role"})
	}

	ir := &domain.InfoRequest{
		ID:            e.ids.NewID(idgen.PrefixInfoRequest),
		TicketID:      env.ticket.ID,
		TicketStepID:  step.ID,
		Requester:     actor.UserRef,
		Recipient:     recipient,
		RecipientRole: recipientRole,
		Subject:       subject,
		Question:      question,
		Status:        domain.InfoRequestOpen,
	}
	if err := e.store.CreateInfoRequest(ctx, ir); err != nil {
		return nil, err
	}

	step.PreviousState = step.State
	step.State = waitState
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return nil, err
	}
	env.ticket.PreviousStatus = env.ticket.Status
	env.ticket.Status = waitStatus

	_ = e.audit.Write(ctx, actor.CorrelationID, audit.Entry{
		TicketID:     env.ticket.ID,
		TicketStepID: step.ID,
		Kind:         domain.AuditRequestInfo,
		Actor:        actor.UserRef,
		Details: map[string]any{
			"recipient_role": recipientRole,
			"subject":        subject,
		},
	})

	payload := basePayload(env.ticket)
	payload["step_name"] = step.StepName
	payload["requester_name"] = actor.DisplayName
	payload["question"] = question
	e.notifyUsers(ctx, env, actor.CorrelationID, notification.KeyInfoRequested,
		[]domain.UserRef{recipient}, payload)

	if err := e.store.UpdateTicket(ctx, env.ticket); err != nil {
		return nil, err
	}
	return ir, nil
}

// RespondInfo answers the open info request on a step and restores the step
// and ticket to their pre-request states.
func (e *Engine) RespondInfo(ctx context.Context, actor domain.Actor, ticketID, stepID,
	response string, attachmentIDs []string) (*domain.Ticket, error) {
	env, err := e.loadEnv(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	step, err := e.findStep(ctx, env, stepID)
	if err != nil {
		return nil, err
	}
	ge, err := e.authorize(ctx, env, step, actor, domain.ActionRespondInfo)
	if err != nil {
		return nil, err
	}
	if ge.OpenInfoRequest == nil {
		return nil, apperr.InvalidState("step %s has no open info request", step.StepID)
	}

	for _, id := range attachmentIDs {
		if err := e.attachments.MoveTempAttachment(ctx, id, env.ticket.ID); err != nil {
			e.logger.Warn("failed to move attachment",
				"attachment_id", id, "ticket_id", env.ticket.ID, "error", err)
		}
	}

	now := e.clock.Now()
	ir := ge.OpenInfoRequest
	ir.Status = domain.InfoRequestResponded
	ir.Response = response
	ir.ResponseAttachmentIDs = attachmentIDs
	ir.RespondedAt = &now
	if err := e.store.UpdateInfoRequest(ctx, ir); err != nil {
		return nil, err
	}

	if step.PreviousState != "" {
		step.State = step.PreviousState
		step.PreviousState = ""
	}
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return nil, err
	}
	if env.ticket.PreviousStatus != "" {
		env.ticket.Status = env.ticket.PreviousStatus
		env.ticket.PreviousStatus = ""
	} else {
		env.ticket.Status = domain.TicketInProgress
	}

	_ = e.audit.Write(ctx, actor.CorrelationID, audit.Entry{
		TicketID:     env.ticket.ID,
		TicketStepID: step.ID,
		Kind:         domain.AuditRespondInfo,
		Actor:        actor.UserRef,
		Details:      map[string]any{"info_request_id": ir.ID},
	})

	payload := basePayload(env.ticket)
	payload["step_name"] = step.StepName
	payload["responder_name"] = actor.DisplayName
	e.notifyUsers(ctx, env, actor.CorrelationID, notification.KeyInfoResponded,
		[]domain.UserRef{ir.Requester}, payload)

	if err := e.store.UpdateTicket(ctx, env.ticket); err != nil {
		return nil, err
	}
	return env.ticket, nil
}

// AddNote appends a free-form note to a step.
func (e *Engine) AddNote(ctx context.Context, actor domain.Actor, ticketID, stepID,
	content string, attachmentIDs []string) error {
	env, err := e.loadEnv(ctx, ticketID)
	if err != nil {
		return err
	}
	step, err := e.findStep(ctx, env, stepID)
	if err != nil {
		return err
	}
	if _, err := e.authorize(ctx, env, step, actor, domain.ActionAddNote); err != nil {
		return err
	}

	step.Data.Notes = append(step.Data.Notes, domain.Note{
		Author:        actor.UserRef,
		Content:       content,
		AttachmentIDs: attachmentIDs,
		CreatedAt:     e.clock.Now(),
	})
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return err
	}

	return e.audit.Write(ctx, actor.CorrelationID, audit.Entry{
		TicketID:     env.ticket.ID,
		TicketStepID: step.ID,
		Kind:         domain.AuditAddNote,
		Actor:        actor.UserRef,
	})
}

// AddTicketNote records a ticket-level note. Ticket notes live in the audit
// trail rather than on any step document.
func (e *Engine) AddTicketNote(ctx context.Context, actor domain.Actor, ticketID, content string) error {
	env, err := e.loadEnv(ctx, ticketID)
	if err != nil {
		return err
	}
	if _, err := e.authorize(ctx, env, nil, actor, domain.ActionAddNote); err != nil {
		return err
	}

	return e.audit.Write(ctx, actor.CorrelationID, audit.Entry{
		TicketID: env.ticket.ID,
		Kind:     domain.AuditAddNote,
		Actor:    actor.UserRef,
		Details:  map[string]any{"content": content},
	})
}

// Hold pauses an active step, recording the state to restore on resume.
func (e *Engine) Hold(ctx context.Context, actor domain.Actor, ticketID, stepID, reason string) (*domain.Ticket, error) {
	env, err := e.loadEnv(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	step, err := e.findStep(ctx, env, stepID)
	if err != nil {
		return nil, err
	}
	if _, err := e.authorize(ctx, env, step, actor, domain.ActionHold); err != nil {
		return nil, err
	}

	step.PreviousState = step.State
	step.State = domain.StepOnHold
	step.Data.HoldReason = reason
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return nil, err
	}
	env.ticket.PreviousStatus = env.ticket.Status
	env.ticket.Status = domain.TicketOnHold

	_ = e.audit.Write(ctx, actor.CorrelationID, audit.Entry{
		TicketID:     env.ticket.ID,
		TicketStepID: step.ID,
		Kind:         domain.AuditHold,
		Actor:        actor.UserRef,
		Details:      map[string]any{"reason": reason},
	})

	if err := e.store.UpdateTicket(ctx, env.ticket); err != nil {
		return nil, err
	}
	return env.ticket, nil
}

// Resume lifts a hold, restoring the step and ticket states.
func (e *Engine) Resume(ctx context.Context, actor domain.Actor, ticketID, stepID string) (*domain.Ticket, error) {
	env, err := e.loadEnv(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	step, err := e.findStep(ctx, env, stepID)
	if err != nil {
		return nil, err
	}
	if _, err := e.authorize(ctx, env, step, actor, domain.ActionResume); err != nil {
		return nil, err
	}

	step.State = step.PreviousState
	if step.State == "" {
		step.State = domain.StepActive
	}
	step.PreviousState = ""
	step.Data.HoldReason = ""
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return nil, err
	}
	env.ticket.Status = env.ticket.PreviousStatus
	if env.ticket.Status == "" {
		env.ticket.Status = domain.TicketInProgress
	}
	env.ticket.PreviousStatus = ""

	_ = e.audit.Write(ctx, actor.CorrelationID, audit.Entry{
		TicketID:     env.ticket.ID,
		TicketStepID: step.ID,
		Kind:         domain.AuditResume,
		Actor:        actor.UserRef,
	})

	if err := e.store.UpdateTicket(ctx, env.ticket); err != nil {
		return nil, err
	}
	return env.ticket, nil
}

// SkipStep lets the manager bypass a stuck step. The workflow advances along
// a SKIP_STEP edge when one is declared, otherwise along whatever edge leaves
// the step.
func (e *Engine) SkipStep(ctx context.Context, actor domain.Actor, ticketID, stepID, reason string) (*domain.Ticket, error) {
	env, err := e.loadEnv(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	step, err := e.findStep(ctx, env, stepID)
	if err != nil {
		return nil, err
	}
	if _, err := e.authorize(ctx, env, step, actor, domain.ActionSkipStep); err != nil {
		return nil, err
	}

	now := e.clock.Now()
	step.State = domain.StepSkipped
	step.CompletedAt = &now
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return nil, err
	}
	if err := e.cancelStepSideThreads(ctx, step.ID); err != nil {
		return nil, err
	}

	_ = e.audit.Write(ctx, actor.CorrelationID, audit.Entry{
		TicketID:     env.ticket.ID,
		TicketStepID: step.ID,
		Kind:         domain.AuditSkipStep,
		Actor:        actor.UserRef,
		Details:      map[string]any{"reason": reason},
	})

	if env.ticket.Status != domain.TicketInProgress && !env.ticket.Status.IsTerminal() {
		env.ticket.Status = domain.TicketInProgress
		env.ticket.PreviousStatus = ""
	}
	if err := e.reloadSteps(ctx, env); err != nil {
		return nil, err
	}

	def, err := e.defFor(ctx, env, step)
	if err != nil {
		return nil, err
	}
	tr, err := transition.Resolve(def, step.StepID, domain.EventSkipStep, conditionContext(env.ticket))
	if apperr.IsKind(err, apperr.KindTransitionNotFound) {
		tr, err = transition.ResolveAny(def, step.StepID, conditionContext(env.ticket))
	}
	if err != nil {
		return nil, err
	}
	if err := e.applyTransition(ctx, env, actor, step, def, tr); err != nil {
		return nil, err
	}
	if err := e.store.UpdateTicket(ctx, env.ticket); err != nil {
		return nil, err
	}
	return env.ticket, nil
}

// AcknowledgeSLA records that the assignee has seen a breached due time.
func (e *Engine) AcknowledgeSLA(ctx context.Context, actor domain.Actor, ticketID, stepID string) error {
	env, err := e.loadEnv(ctx, ticketID)
	if err != nil {
		return err
	}
	step, err := e.findStep(ctx, env, stepID)
	if err != nil {
		return err
	}
	if _, err := e.authorize(ctx, env, step, actor, domain.ActionAckSLA); err != nil {
		return err
	}
	if step.DueAt == nil || step.DueAt.After(e.clock.Now()) {
		return apperr.InvalidState("step %s has not breached its due time", step.StepID)
	}

	step.Data.SLAAcknowledged = true
	step.Data.SLAAcknowledgedBy = &actor.UserRef
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return err
	}

	return e.audit.Write(ctx, actor.CorrelationID, audit.Entry{
		TicketID:     env.ticket.ID,
		TicketStepID: step.ID,
		Kind:         domain.AuditSLAAcknowledged,
		Actor:        actor.UserRef,
	})
}

// CancelTicket ends the ticket as CANCELLED: every open step is cancelled
// and the participants are notified.
func (e *Engine) CancelTicket(ctx context.Context, actor domain.Actor, ticketID, reason string) (*domain.Ticket, error) {
	env, err := e.loadEnv(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if _, err := e.authorize(ctx, env, nil, actor, domain.ActionCancelTicket); err != nil {
		return nil, err
	}

	if err := e.failTicket(ctx, env, actor, domain.TicketCancelled, reason); err != nil {
		return nil, err
	}
	if err := e.store.UpdateTicket(ctx, env.ticket); err != nil {
		return nil, err
	}
	return env.ticket, nil
}
