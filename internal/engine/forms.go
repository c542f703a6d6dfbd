// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"

	"github.com/rashadism/ticketflow/internal/audit"
	"github.com/rashadism/ticketflow/internal/domain"
)

// SubmitForm completes an ACTIVE form step: validates the values against the
// field definitions, merges them into the ticket's form_values, and advances.
func (e *Engine) SubmitForm(ctx context.Context, actor domain.Actor, ticketID, stepID string,
	values map[string]any, attachmentIDs []string) (*domain.Ticket, error) {
	env, err := e.loadEnv(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	step, err := e.findStep(ctx, env, stepID)
	if err != nil {
		return nil, err
	}
	if _, err := e.authorize(ctx, env, step, actor, domain.ActionSubmitForm); err != nil {
		return nil, err
	}
	sd, _, err := e.stepDef(ctx, env, step)
	if err != nil {
		return nil, err
	}
	if err := validateForm(sd.Form, values); err != nil {
		return nil, err
	}

	if env.ticket.FormValues == nil {
		env.ticket.FormValues = map[string]any{}
	}
	for k, v := range values {
		env.ticket.FormValues[k] = v
	}
	for _, id := range attachmentIDs {
		if err := e.attachments.MoveTempAttachment(ctx, id, env.ticket.ID); err != nil {
			e.logger.Warn("failed to move attachment",
				"attachment_id", id, "ticket_id", env.ticket.ID, "error", err)
		}
		env.ticket.AttachmentIDs = append(env.ticket.AttachmentIDs, id)
	}

	now := e.clock.Now()
	step.State = domain.StepCompleted
	step.CompletedAt = &now
	step.Data.FormValues = values
	step.Data.DraftValues = nil
	step.Data.DraftNotes = ""
	step.Data.AttachmentIDs = append(step.Data.AttachmentIDs, attachmentIDs...)
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return nil, err
	}

	_ = e.audit.Write(ctx, actor.CorrelationID, audit.Entry{
		TicketID:     env.ticket.ID,
		TicketStepID: step.ID,
		Kind:         domain.AuditSubmitForm,
		Actor:        actor.UserRef,
		Details:      map[string]any{"step_id": stepID},
	})

	if env.ticket.Status == domain.TicketOpen {
		env.ticket.Status = domain.TicketInProgress
	}
	if err := e.reloadSteps(ctx, env); err != nil {
		return nil, err
	}
	if err := e.advance(ctx, env, actor, step, domain.EventSubmitForm); err != nil {
		return nil, err
	}
	if err := e.store.UpdateTicket(ctx, env.ticket); err != nil {
		return nil, err
	}
	return env.ticket, nil
}

// SaveDraft stores work-in-progress values on a form or task step without
// advancing anything.
func (e *Engine) SaveDraft(ctx context.Context, actor domain.Actor, ticketID, stepID string,
	draftValues map[string]any, draftNotes string) error {
	env, err := e.loadEnv(ctx, ticketID)
	if err != nil {
		return err
	}
	step, err := e.findStep(ctx, env, stepID)
	if err != nil {
		return err
	}
	if _, err := e.authorize(ctx, env, step, actor, domain.ActionSaveDraft); err != nil {
		return err
	}

	step.Data.DraftValues = draftValues
	step.Data.DraftNotes = draftNotes
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return err
	}

	return e.audit.Write(ctx, actor.CorrelationID, audit.Entry{
		TicketID:     env.ticket.ID,
		TicketStepID: step.ID,
		Kind:         domain.AuditSaveDraft,
		Actor:        actor.UserRef,
	})
}
