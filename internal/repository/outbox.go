// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/rashadism/ticketflow/internal/domain"
)

// EnqueueNotification appends a delivery record to the outbox.
func (s *Store) EnqueueNotification(ctx context.Context, n *domain.NotificationOutbox) error {
	now := s.clock.Now()
	n.Version = 1
	n.CreatedAt = now
	n.UpdatedAt = now
	if n.Status == "" {
		n.Status = domain.NotificationPending
	}
	if n.NextAttemptAt.IsZero() {
		n.NextAttemptAt = now
	}
	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

// DueNotifications returns up to limit pending rows whose next attempt is
// due and that no worker currently holds.
func (s *Store) DueNotifications(ctx context.Context, limit int) ([]domain.NotificationOutbox, error) {
	now := s.clock.Now()
	var rows []domain.NotificationOutbox
	err := s.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ? AND (locked_until IS NULL OR locked_until < ?)",
			domain.NotificationPending, now, now).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox: %w", err)
	}
	return rows, nil
}

// ClaimNotification takes the per-row advisory lock for one send attempt.
// Returns false when another worker won the row.
func (s *Store) ClaimNotification(ctx context.Context, n *domain.NotificationOutbox, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	until := now.Add(ttl)
	prev := n.Version
	res := s.db.WithContext(ctx).
		Model(&domain.NotificationOutbox{}).
		Where("id = ? AND version = ?", n.ID, prev).
		Updates(map[string]any{
			"locked_until": until,
			"version":      prev + 1,
			"updated_at":   now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim notification %s: %w", n.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	n.Version = prev + 1
	n.LockedUntil = &until
	return true, nil
}

// UpdateNotification writes the row conditionally on its read version.
func (s *Store) UpdateNotification(ctx context.Context, n *domain.NotificationOutbox) error {
	prev := n.Version
	n.Version = prev + 1
	n.UpdatedAt = s.clock.Now()
	if err := s.saveVersioned(ctx, "notification", n.ID, prev, n); err != nil {
		n.Version = prev
		return err
	}
	return nil
}

// ListNotificationsByTicket returns a ticket's outbox rows, newest first.
func (s *Store) ListNotificationsByTicket(ctx context.Context, ticketID string) ([]domain.NotificationOutbox, error) {
	var rows []domain.NotificationOutbox
	err := s.db.WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return rows, nil
}
