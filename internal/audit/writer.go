// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit writes the append-only event log. Every state-changing
// action writes at least one event threaded by the caller-supplied
// correlation id.
package audit

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/rashadism/ticketflow/internal/domain"
	"github.com/rashadism/ticketflow/internal/idgen"
	"github.com/rashadism/ticketflow/internal/repository"
)

// Writer appends audit events.
type Writer struct {
	store  *repository.Store
	ids    idgen.Generator
	clock  idgen.Clock
	logger *slog.Logger
	seq    atomic.Int64
}

// NewWriter creates an audit writer.
func NewWriter(store *repository.Store, ids idgen.Generator, clock idgen.Clock, logger *slog.Logger) *Writer {
	return &Writer{store: store, ids: ids, clock: clock, logger: logger}
}

// Entry is one event to record.
type Entry struct {
	TicketID     string
	TicketStepID string
	Kind         domain.AuditKind
	Actor        domain.UserRef
	Details      map[string]any
}

// Write appends the entry. Audit failures are returned so callers can decide
// whether to abort; most engine paths treat the write as part of the action.
func (w *Writer) Write(ctx context.Context, correlationID string, e Entry) error {
	event := &domain.AuditEvent{
		ID:            w.ids.NewID(idgen.PrefixAuditEvent),
		TicketID:      e.TicketID,
		TicketStepID:  e.TicketStepID,
		Kind:          e.Kind,
		Actor:         e.Actor,
		Details:       e.Details,
		CorrelationID: correlationID,
		Seq:           w.seq.Add(1),
		CreatedAt:     w.clock.Now(),
	}
	if err := w.store.AppendAuditEvent(ctx, event); err != nil {
		w.logger.Error("failed to write audit event",
			"kind", e.Kind, "ticket_id", e.TicketID, "error", err)
		return err
	}
	w.logger.Debug("audit event written",
		"kind", e.Kind, "ticket_id", e.TicketID, "step_id", e.TicketStepID)
	return nil
}
