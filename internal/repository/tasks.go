// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/rashadism/ticketflow/internal/apperr"
	"github.com/rashadism/ticketflow/internal/domain"
)

// CreateApprovalTasks inserts one task per approver.
func (s *Store) CreateApprovalTasks(ctx context.Context, tasks []domain.ApprovalTask) error {
	if len(tasks) == 0 {
		return nil
	}
	now := s.clock.Now()
	for i := range tasks {
		tasks[i].Version = 1
		tasks[i].CreatedAt = now
		tasks[i].UpdatedAt = now
	}
	if err := s.db.WithContext(ctx).Create(&tasks).Error; err != nil {
		return fmt.Errorf("failed to create approval tasks: %w", err)
	}
	return nil
}

// GetApprovalTask loads one approval task.
func (s *Store) GetApprovalTask(ctx context.Context, id string) (*domain.ApprovalTask, error) {
	var t domain.ApprovalTask
	if err := s.getByID(ctx, &t, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("approval task", id)
		}
		return nil, fmt.Errorf("failed to load approval task %s: %w", id, err)
	}
	return &t, nil
}

// ListApprovalTasks returns all tasks of a step in creation order.
func (s *Store) ListApprovalTasks(ctx context.Context, ticketStepID string) ([]domain.ApprovalTask, error) {
	var tasks []domain.ApprovalTask
	err := s.db.WithContext(ctx).
		Where("ticket_step_id = ?", ticketStepID).
		Order("created_at ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list approval tasks: %w", err)
	}
	return tasks, nil
}

// UpdateApprovalTask writes the task conditionally on its read version.
func (s *Store) UpdateApprovalTask(ctx context.Context, t *domain.ApprovalTask) error {
	prev := t.Version
	t.Version = prev + 1
	t.UpdatedAt = s.clock.Now()
	if err := s.saveVersioned(ctx, "approval task", t.ID, prev, t); err != nil {
		t.Version = prev
		return err
	}
	return nil
}

// PendingApprovalTasksForUser returns the pending tasks assigned to a
// principal, matched by stable directory id first, email second.
func (s *Store) PendingApprovalTasksForUser(ctx context.Context, u domain.UserRef) ([]domain.ApprovalTask, error) {
	q := s.db.WithContext(ctx).Where("decision = ?", domain.DecisionPending)
	if u.AADID != "" {
		q = q.Where("approver_aad_id = ? OR approver_email = ?", u.AADID, u.NormalizedEmail())
	} else {
		q = q.Where("approver_email = ?", u.NormalizedEmail())
	}
	var tasks []domain.ApprovalTask
	if err := q.Order("created_at ASC").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to list pending approvals: %w", err)
	}
	return tasks, nil
}

// NormalizeApprover fills the denormalized approver index columns.
func NormalizeApprover(t *domain.ApprovalTask) {
	t.ApproverEmail = strings.ToLower(strings.TrimSpace(t.Approver.Email))
	t.ApproverAADID = t.Approver.AADID
}

// CreateAssignment inserts a new assignment row.
func (s *Store) CreateAssignment(ctx context.Context, a *domain.Assignment) error {
	now := s.clock.Now()
	a.Version = 1
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.StartedAt.IsZero() {
		a.StartedAt = now
	}
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("failed to create assignment: %w", err)
	}
	return nil
}

// ActiveAssignment returns the active assignment for a step, or nil.
func (s *Store) ActiveAssignment(ctx context.Context, ticketStepID string) (*domain.Assignment, error) {
	var a domain.Assignment
	err := s.db.WithContext(ctx).
		Where("ticket_step_id = ? AND status = ?", ticketStepID, domain.AssignmentActive).
		Order("started_at DESC").
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active assignment: %w", err)
	}
	return &a, nil
}

// UpdateAssignment writes the assignment conditionally on its read version.
func (s *Store) UpdateAssignment(ctx context.Context, a *domain.Assignment) error {
	prev := a.Version
	a.Version = prev + 1
	a.UpdatedAt = s.clock.Now()
	if err := s.saveVersioned(ctx, "assignment", a.ID, prev, a); err != nil {
		a.Version = prev
		return err
	}
	return nil
}
