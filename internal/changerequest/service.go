// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package changerequest implements the orthogonal change-request flow: a
// requester proposes a mutation of an in-progress ticket's form values and
// attachments, the workflow pauses atomically while an approver reviews it,
// and the decision applies (or discards) the proposal as a new form version
// before resuming the paused steps.
package changerequest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/rashadism/ticketflow/internal/apperr"
	"github.com/rashadism/ticketflow/internal/attachments"
	"github.com/rashadism/ticketflow/internal/audit"
	"github.com/rashadism/ticketflow/internal/domain"
	"github.com/rashadism/ticketflow/internal/identity"
	"github.com/rashadism/ticketflow/internal/idgen"
	"github.com/rashadism/ticketflow/internal/notification"
	"github.com/rashadism/ticketflow/internal/repository"
)

// Service runs the change-request lifecycle.
type Service struct {
	store       *repository.Store
	audit       *audit.Writer
	attachments attachments.Store
	ids         idgen.Generator
	clock       idgen.Clock
	logger      *slog.Logger
}

// New creates the service.
func New(store *repository.Store, aw *audit.Writer, att attachments.Store,
	ids idgen.Generator, clock idgen.Clock, logger *slog.Logger) *Service {
	return &Service{store: store, audit: aw, attachments: att, ids: ids, clock: clock, logger: logger}
}

// Create opens a change request and pauses the workflow. Creation is
// serialized by a compare-and-set lock on the ticket row so two concurrent
// attempts cannot both open one.
func (s *Service) Create(ctx context.Context, actor domain.Actor, ticketID string,
	proposedValues map[string]any, proposedAttachmentIDs []string, reason string) (*domain.ChangeRequest, error) {
	ticket, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if !identity.Same(actor.UserRef, ticket.Requester) {
		return nil, apperr.PermissionDenied("only the requester may open a change request")
	}
	if ticket.Status != domain.TicketInProgress {
		return nil, apperr.InvalidState("ticket %s is %s; change requests require IN_PROGRESS", ticket.ID, ticket.Status)
	}
	steps, err := s.store.ListSteps(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if !anyApprovalCompleted(steps) {
		return nil, apperr.InvalidState("ticket %s has no completed approval step yet", ticket.ID)
	}

	ok, err := s.store.AcquireCRLock(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if pending, perr := s.store.PendingChangeRequest(ctx, ticketID); perr == nil && pending != nil {
			return nil, apperr.Validation(
				fmt.Sprintf("ticket %s already has pending change request %s", ticketID, pending.ID))
		}
		return nil, apperr.Validation(
			fmt.Sprintf("a change request for ticket %s is already being created", ticketID))
	}

	cr, err := s.createLocked(ctx, actor, ticketID, proposedValues, proposedAttachmentIDs, reason)
	if rerr := s.store.ReleaseCRLock(ctx, ticketID); rerr != nil {
		s.logger.Error("failed to release change request lock", "ticket_id", ticketID, "error", rerr)
	}
	return cr, err
}

// createLocked runs the creation body while the CAS lock is held.
func (s *Service) createLocked(ctx context.Context, actor domain.Actor, ticketID string,
	proposedValues map[string]any, proposedAttachmentIDs []string, reason string) (*domain.ChangeRequest, error) {
	// Reload: acquiring the lock bumped the row version.
	ticket, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	version, err := s.store.GetVersionByID(ctx, ticket.WorkflowVersionID)
	if err != nil {
		return nil, err
	}
	steps, err := s.store.ListSteps(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	fieldChanges, err := s.fieldChanges(&version.Definition, ticket.FormValues, proposedValues)
	if err != nil {
		return nil, err
	}
	attachmentChanges := s.attachmentChanges(ctx, ticket.AttachmentIDs, proposedAttachmentIDs)
	if len(fieldChanges) == 0 && len(attachmentChanges) == 0 {
		return nil, apperr.Validation("the proposal changes nothing")
	}

	approver, err := s.resolveApprover(ticket, &version.Definition, steps)
	if err != nil {
		return nil, err
	}

	cr := &domain.ChangeRequest{
		ID:                    s.ids.NewID(idgen.PrefixChangeRequest),
		TicketID:              ticket.ID,
		Requester:             actor.UserRef,
		Approver:              approver,
		OriginalData:          ticket.FormValues,
		ProposedData:          proposedValues,
		OriginalAttachmentIDs: ticket.AttachmentIDs,
		ProposedAttachmentIDs: proposedAttachmentIDs,
		FieldChanges:          fieldChanges,
		AttachmentChanges:     attachmentChanges,
		FromVersion:           ticket.FormVersion,
		Reason:                reason,
		Status:                domain.ChangeRequestPending,
	}
	if err := s.store.CreateChangeRequest(ctx, cr); err != nil {
		return nil, err
	}

	// Pause every live step, then the ticket itself.
	var pausedIDs []string
	for i := range steps {
		step := &steps[i]
		if !step.State.IsPausable() {
			continue
		}
		step.PreviousState = step.State
		step.State = domain.StepWaitingForCR
		if err := s.store.UpdateStep(ctx, step); err != nil {
			return nil, err
		}
		pausedIDs = append(pausedIDs, step.StepID)
	}
	ticket.PreviousStatus = ticket.Status
	ticket.Status = domain.TicketWaitingForCR
	ticket.PendingChangeRequestID = cr.ID
	if err := s.store.UpdateTicket(ctx, ticket); err != nil {
		return nil, err
	}

	_ = s.audit.Write(ctx, actor.CorrelationID, audit.Entry{
		TicketID: ticket.ID,
		Kind:     domain.AuditCRWorkflowPaused,
		Actor:    actor.UserRef,
		Details: map[string]any{
			"change_request_id": cr.ID,
			"paused_steps":      pausedIDs,
		},
	})
	_ = s.audit.Write(ctx, actor.CorrelationID, audit.Entry{
		TicketID: ticket.ID,
		Kind:     domain.AuditChangeRequestCreated,
		Actor:    actor.UserRef,
		Details:  map[string]any{"change_request_id": cr.ID, "reason": reason},
	})

	payload := s.payload(ticket, cr)
	s.notify(ctx, ticket, actor.CorrelationID, notification.KeyCRPaused,
		s.participants(ticket, steps), payload)
	s.notify(ctx, ticket, actor.CorrelationID, notification.KeyApprovalPending,
		[]domain.UserRef{approver}, payload)

	s.logger.Info("change request created",
		"change_request_id", cr.ID, "ticket_id", ticket.ID, "approver", approver.NormalizedEmail())
	return cr, nil
}

// Approve applies the proposal as a new form version and resumes the
// workflow.
func (s *Service) Approve(ctx context.Context, actor domain.Actor, ticketID, changeRequestID, notes string) (*domain.ChangeRequest, error) {
	ticket, cr, steps, err := s.loadPending(ctx, ticketID, changeRequestID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeReview(actor, ticket, cr); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	newVersion := ticket.FormVersion + 1
	if len(ticket.FormVersions) == 0 {
		// Tickets created before versioning get their baseline seeded first.
		ticket.FormVersions = append(ticket.FormVersions, domain.FormVersion{
			Version:       1,
			Source:        domain.FormVersionInitial,
			FormValues:    cr.OriginalData,
			AttachmentIDs: cr.OriginalAttachmentIDs,
			ChangedBy:     ticket.Requester,
			CreatedAt:     ticket.CreatedAt,
		})
		if newVersion <= 1 {
			newVersion = 2
		}
	}
	ticket.FormVersions = append(ticket.FormVersions, domain.FormVersion{
		Version:           newVersion,
		Source:            domain.FormVersionChangeRequest,
		FormValues:        cr.ProposedData,
		AttachmentIDs:     cr.ProposedAttachmentIDs,
		ChangedBy:         actor.UserRef,
		FieldChanges:      cr.FieldChanges,
		AttachmentChanges: cr.AttachmentChanges,
		CreatedAt:         now,
	})
	ticket.FormValues = cr.ProposedData
	ticket.AttachmentIDs = cr.ProposedAttachmentIDs
	ticket.FormVersion = newVersion

	// The change request settles before the workflow wakes up: a failure
	// between the two writes must never leave a resumed ticket pointing at a
	// still-pending proposal.
	cr.Status = domain.ChangeRequestApproved
	cr.ToVersion = &newVersion
	cr.Notes = notes
	cr.ReviewedBy = &actor.UserRef
	cr.ReviewedAt = &now
	if err := s.store.UpdateChangeRequest(ctx, cr); err != nil {
		return nil, err
	}

	_ = s.audit.Write(ctx, actor.CorrelationID, audit.Entry{
		TicketID: ticket.ID,
		Kind:     domain.AuditChangeRequestApproved,
		Actor:    actor.UserRef,
		Details:  map[string]any{"change_request_id": cr.ID, "to_version": newVersion},
	})

	// The form mutation and the resume land in one conditional update.
	if err := s.resume(ctx, actor, ticket, steps, cr); err != nil {
		return nil, err
	}

	payload := s.payload(ticket, cr)
	payload["decision"] = "approved"
	s.notify(ctx, ticket, actor.CorrelationID, notification.KeyCRDecided,
		append(s.participants(ticket, steps), cr.Requester), payload)
	return cr, nil
}

// Reject discards the proposal and resumes the workflow unchanged.
func (s *Service) Reject(ctx context.Context, actor domain.Actor, ticketID, changeRequestID, notes string) (*domain.ChangeRequest, error) {
	ticket, cr, steps, err := s.loadPending(ctx, ticketID, changeRequestID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeReview(actor, ticket, cr); err != nil {
		return nil, err
	}
	return s.close(ctx, actor, ticket, cr, steps, domain.ChangeRequestRejected,
		domain.AuditChangeRequestRejected, notes)
}

// Cancel lets the requester withdraw a pending change request, resuming the
// workflow unchanged.
func (s *Service) Cancel(ctx context.Context, actor domain.Actor, ticketID, changeRequestID string) (*domain.ChangeRequest, error) {
	ticket, cr, steps, err := s.loadPending(ctx, ticketID, changeRequestID)
	if err != nil {
		return nil, err
	}
	if !identity.Same(actor.UserRef, cr.Requester) {
		return nil, apperr.PermissionDenied("only the requester may cancel the change request")
	}
	return s.close(ctx, actor, ticket, cr, steps, domain.ChangeRequestCancelled,
		domain.AuditChangeRequestCancelled, "")
}

func (s *Service) close(ctx context.Context, actor domain.Actor, ticket *domain.Ticket,
	cr *domain.ChangeRequest, steps []domain.TicketStep,
	status domain.ChangeRequestStatus, kind domain.AuditKind, notes string) (*domain.ChangeRequest, error) {
	now := s.clock.Now()
	cr.Status = status
	cr.Notes = notes
	cr.ReviewedBy = &actor.UserRef
	cr.ReviewedAt = &now
	if err := s.store.UpdateChangeRequest(ctx, cr); err != nil {
		return nil, err
	}

	_ = s.audit.Write(ctx, actor.CorrelationID, audit.Entry{
		TicketID: ticket.ID,
		Kind:     kind,
		Actor:    actor.UserRef,
		Details:  map[string]any{"change_request_id": cr.ID},
	})

	if err := s.resume(ctx, actor, ticket, steps, cr); err != nil {
		return nil, err
	}

	payload := s.payload(ticket, cr)
	payload["decision"] = string(status)
	s.notify(ctx, ticket, actor.CorrelationID, notification.KeyCRDecided,
		append(s.participants(ticket, steps), cr.Requester), payload)
	return cr, nil
}

// resume restores every WAITING_FOR_CR step to its recorded previous state
// and the ticket to its previous status, then writes the ticket.
func (s *Service) resume(ctx context.Context, actor domain.Actor, ticket *domain.Ticket,
	steps []domain.TicketStep, cr *domain.ChangeRequest) error {
	var resumedIDs []string
	for i := range steps {
		step := &steps[i]
		if step.State != domain.StepWaitingForCR {
			continue
		}
		step.State = step.PreviousState
		if step.State == "" {
			step.State = domain.StepActive
		}
		step.PreviousState = ""
		if err := s.store.UpdateStep(ctx, step); err != nil {
			return err
		}
		resumedIDs = append(resumedIDs, step.StepID)
	}

	ticket.Status = ticket.PreviousStatus
	if ticket.Status == "" || ticket.Status == domain.TicketWaitingForCR {
		ticket.Status = domain.TicketInProgress
	}
	ticket.PreviousStatus = ""
	ticket.PendingChangeRequestID = ""
	if err := s.store.UpdateTicket(ctx, ticket); err != nil {
		return err
	}

	_ = s.audit.Write(ctx, actor.CorrelationID, audit.Entry{
		TicketID: ticket.ID,
		Kind:     domain.AuditCRWorkflowResumed,
		Actor:    actor.UserRef,
		Details: map[string]any{
			"change_request_id": cr.ID,
			"resumed_steps":     resumedIDs,
		},
	})
	s.notify(ctx, ticket, actor.CorrelationID, notification.KeyCRResumed,
		s.participants(ticket, steps), s.payload(ticket, cr))
	return nil
}

func (s *Service) loadPending(ctx context.Context, ticketID, changeRequestID string) (*domain.Ticket, *domain.ChangeRequest, []domain.TicketStep, error) {
	ticket, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, nil, nil, err
	}
	cr, err := s.store.GetChangeRequest(ctx, changeRequestID)
	if err != nil {
		return nil, nil, nil, err
	}
	if cr.TicketID != ticket.ID {
		return nil, nil, nil, apperr.NotFound("change request", changeRequestID)
	}
	if cr.Status != domain.ChangeRequestPending {
		return nil, nil, nil, apperr.InvalidState("change request %s is %s, not PENDING", cr.ID, cr.Status)
	}
	steps, err := s.store.ListSteps(ctx, ticketID)
	if err != nil {
		return nil, nil, nil, err
	}
	return ticket, cr, steps, nil
}

func (s *Service) authorizeReview(actor domain.Actor, ticket *domain.Ticket, cr *domain.ChangeRequest) error {
	if identity.Same(actor.UserRef, cr.Approver) {
		return nil
	}
	if ticket.ManagerSnapshot != nil && identity.Same(actor.UserRef, *ticket.ManagerSnapshot) {
		return nil
	}
	return apperr.PermissionDenied("only the change request approver or the manager may review it")
}

// resolveApprover picks who reviews the proposal: the assignee of the
// earliest started completed approval step, falling back through the first
// approval definition (specific, SPOC, manager).
func (s *Service) resolveApprover(ticket *domain.Ticket, def *domain.WorkflowDefinition,
	steps []domain.TicketStep) (domain.UserRef, error) {
	var earliest *domain.TicketStep
	for i := range steps {
		step := &steps[i]
		if step.StepType != domain.StepTypeApproval || step.State != domain.StepCompleted {
			continue
		}
		if earliest == nil ||
			(step.StartedAt != nil && earliest.StartedAt != nil && step.StartedAt.Before(*earliest.StartedAt)) {
			earliest = step
		}
	}
	if earliest != nil {
		if len(earliest.Data.ParallelApproversInfo) > 0 {
			for _, info := range earliest.Data.ParallelApproversInfo {
				if info.IsPrimary {
					return info.User, nil
				}
			}
		}
		if earliest.AssignedTo != nil {
			return *earliest.AssignedTo, nil
		}
	}

	for i := range def.Steps {
		sd := &def.Steps[i]
		if sd.StepType != domain.StepTypeApproval || sd.Approval == nil {
			continue
		}
		if sd.Approval.SpecificEmail != "" {
			return domain.UserFromEmail(sd.Approval.SpecificEmail, sd.Approval.SpecificName), nil
		}
		if sd.Approval.SpocEmail != "" {
			return domain.UserFromEmail(sd.Approval.SpocEmail, sd.Approval.SpocName), nil
		}
		break
	}
	if ticket.ManagerSnapshot != nil {
		return *ticket.ManagerSnapshot, nil
	}
	return domain.UserRef{}, apperr.New(apperr.KindApproverResolution,
		"no approver could be resolved for the change request on ticket %s", ticket.ID)
}

// fieldChanges diffs the current and proposed form values through a JSON
// merge patch, decorating each changed key with its field label and step
// name from the workflow version.
func (s *Service) fieldChanges(def *domain.WorkflowDefinition,
	original, proposed map[string]any) ([]domain.FieldChange, error) {
	origJSON, err := json.Marshal(original)
	if err != nil {
		return nil, fmt.Errorf("failed to encode current form values: %w", err)
	}
	propJSON, err := json.Marshal(proposed)
	if err != nil {
		return nil, fmt.Errorf("failed to encode proposed form values: %w", err)
	}
	patch, err := jsonpatch.CreateMergePatch(origJSON, propJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to diff form values: %w", err)
	}
	var changed map[string]any
	if err := json.Unmarshal(patch, &changed); err != nil {
		return nil, fmt.Errorf("failed to decode form value diff: %w", err)
	}

	changes := make([]domain.FieldChange, 0, len(changed))
	for key := range changed {
		fc := domain.FieldChange{
			FieldKey: key,
			OldValue: original[key],
			NewValue: proposed[key],
		}
		if stepID, stepName, label, ok := fieldMeta(def, key); ok {
			fc.StepID = stepID
			fc.StepName = stepName
			fc.FieldLabel = label
		}
		changes = append(changes, fc)
	}
	return changes, nil
}

// fieldMeta locates the field (or repeating section) behind a form-value key.
func fieldMeta(def *domain.WorkflowDefinition, key string) (stepID, stepName, label string, ok bool) {
	for i := range def.Steps {
		sd := &def.Steps[i]
		if sd.Form == nil {
			continue
		}
		for _, f := range sd.Form.Fields {
			if f.Key == key {
				return sd.StepID, sd.StepName, f.Label, true
			}
		}
		for _, sec := range sd.Form.Sections {
			if sec.Key == key {
				return sd.StepID, sd.StepName, sec.Title, true
			}
		}
	}
	return "", "", "", false
}

// attachmentChanges computes the ADDED/REMOVED sets, decorated with the
// original filenames when the attachment store knows them.
func (s *Service) attachmentChanges(ctx context.Context, original, proposed []string) []domain.AttachmentChange {
	origSet := make(map[string]bool, len(original))
	for _, id := range original {
		origSet[id] = true
	}
	propSet := make(map[string]bool, len(proposed))
	for _, id := range proposed {
		propSet[id] = true
	}

	var changes []domain.AttachmentChange
	for _, id := range proposed {
		if !origSet[id] {
			changes = append(changes, s.attachmentChange(ctx, id, domain.AttachmentAdded))
		}
	}
	for _, id := range original {
		if !propSet[id] {
			changes = append(changes, s.attachmentChange(ctx, id, domain.AttachmentRemoved))
		}
	}
	return changes
}

func (s *Service) attachmentChange(ctx context.Context, id string, change domain.AttachmentChangeType) domain.AttachmentChange {
	name, err := s.attachments.FileName(ctx, id)
	if err != nil {
		s.logger.Warn("failed to look up attachment filename", "attachment_id", id, "error", err)
	}
	return domain.AttachmentChange{AttachmentID: id, FileName: name, Change: change}
}

// participants gathers everyone to notify on pause/resume: requester,
// manager, assignees and parallel approvers of paused steps.
func (s *Service) participants(ticket *domain.Ticket, steps []domain.TicketStep) []domain.UserRef {
	out := []domain.UserRef{ticket.Requester}
	if ticket.ManagerSnapshot != nil {
		out = append(out, *ticket.ManagerSnapshot)
	}
	for i := range steps {
		step := &steps[i]
		if step.State != domain.StepWaitingForCR && step.PreviousState != domain.StepWaitingForCR &&
			!step.State.IsPausable() {
			continue
		}
		if step.AssignedTo != nil {
			out = append(out, *step.AssignedTo)
		}
		for _, info := range step.Data.ParallelApproversInfo {
			out = append(out, info.User)
		}
	}
	return out
}

func (s *Service) payload(ticket *domain.Ticket, cr *domain.ChangeRequest) map[string]any {
	return map[string]any{
		"ticket_id":         ticket.ID,
		"ticket_title":      ticket.Title,
		"requester_name":    ticket.Requester.DisplayName,
		"change_request_id": cr.ID,
	}
}

// notify enqueues one outbox row for the distinct recipients.
func (s *Service) notify(ctx context.Context, ticket *domain.Ticket, correlationID string,
	key notification.Key, users []domain.UserRef, payload map[string]any) {
	seen := map[string]bool{}
	var recipients []string
	for _, u := range users {
		email := u.NormalizedEmail()
		if email == "" || seen[email] {
			continue
		}
		seen[email] = true
		recipients = append(recipients, email)
	}
	if len(recipients) == 0 {
		return
	}
	n := &domain.NotificationOutbox{
		ID:            s.ids.NewID(idgen.PrefixNotification),
		TemplateKey:   string(key),
		Category:      string(notification.CategoryOf(key)),
		Recipients:    recipients,
		Payload:       payload,
		TicketID:      ticket.ID,
		CorrelationID: correlationID,
	}
	if err := s.store.EnqueueNotification(ctx, n); err != nil {
		s.logger.Error("failed to enqueue notification",
			"template", key, "ticket_id", ticket.ID, "error", err)
	}
}

func anyApprovalCompleted(steps []domain.TicketStep) bool {
	for i := range steps {
		if steps[i].StepType == domain.StepTypeApproval && steps[i].State == domain.StepCompleted {
			return true
		}
	}
	return false
}
