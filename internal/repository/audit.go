// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"fmt"

	"github.com/rashadism/ticketflow/internal/domain"
)

// AppendAuditEvent inserts one append-only audit entry.
func (s *Store) AppendAuditEvent(ctx context.Context, e *domain.AuditEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock.Now()
	}
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns a ticket's audit trail in commit order.
func (s *Store) ListAuditEvents(ctx context.Context, ticketID string) ([]domain.AuditEvent, error) {
	var events []domain.AuditEvent
	err := s.db.WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("created_at ASC, seq ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	return events, nil
}

// ListAuditEventsByCorrelation returns every event written under one
// caller-supplied correlation id.
func (s *Store) ListAuditEventsByCorrelation(ctx context.Context, correlationID string) ([]domain.AuditEvent, error) {
	var events []domain.AuditEvent
	err := s.db.WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		Order("created_at ASC, seq ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	return events, nil
}
