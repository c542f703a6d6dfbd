// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/rashadism/ticketflow/internal/apperr"
	"github.com/rashadism/ticketflow/internal/domain"
)

// CreateTicket inserts a new ticket at version 1.
func (s *Store) CreateTicket(ctx context.Context, t *domain.Ticket) error {
	now := s.clock.Now()
	t.Version = 1
	t.CreatedAt = now
	t.UpdatedAt = now
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("failed to create ticket: %w", err)
	}
	return nil
}

// GetTicket loads a ticket by id.
func (s *Store) GetTicket(ctx context.Context, id string) (*domain.Ticket, error) {
	var t domain.Ticket
	if err := s.getByID(ctx, &t, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.TicketNotFound(id)
		}
		return nil, fmt.Errorf("failed to load ticket %s: %w", id, err)
	}
	return &t, nil
}

// UpdateTicket writes the ticket conditionally on the version it was read
// at, bumping the version by one.
func (s *Store) UpdateTicket(ctx context.Context, t *domain.Ticket) error {
	prev := t.Version
	t.Version = prev + 1
	t.UpdatedAt = s.clock.Now()
	if err := s.saveVersioned(ctx, "ticket", t.ID, prev, t); err != nil {
		t.Version = prev
		return err
	}
	return nil
}

// AcquireCRLock performs the change-request creation compare-and-set: it
// succeeds only when the ticket has no pending change request and no other
// creation attempt holds the lock.
func (s *Store) AcquireCRLock(ctx context.Context, ticketID string) (bool, error) {
	now := s.clock.Now()
	res := s.db.WithContext(ctx).
		Model(&domain.Ticket{}).
		Where("id = ? AND (pending_change_request_id IS NULL OR pending_change_request_id = '') AND cr_lock IS NULL", ticketID).
		Updates(map[string]any{"cr_lock": now, "updated_at": now, "version": gorm.Expr("version + 1")})
	if res.Error != nil {
		return false, fmt.Errorf("failed to acquire change request lock: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ReleaseCRLock unsets the change-request creation lock unconditionally.
func (s *Store) ReleaseCRLock(ctx context.Context, ticketID string) error {
	res := s.db.WithContext(ctx).
		Model(&domain.Ticket{}).
		Where("id = ? AND cr_lock IS NOT NULL", ticketID).
		Updates(map[string]any{"cr_lock": nil, "version": gorm.Expr("version + 1")})
	if res.Error != nil {
		return fmt.Errorf("failed to release change request lock: %w", res.Error)
	}
	return nil
}
