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

// CreateInfoRequest inserts an info request.
func (s *Store) CreateInfoRequest(ctx context.Context, r *domain.InfoRequest) error {
	now := s.clock.Now()
	r.Version = 1
	r.CreatedAt = now
	r.UpdatedAt = now
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("failed to create info request: %w", err)
	}
	return nil
}

// OpenInfoRequest returns the step's OPEN info request, or nil. At most one
// exists per step.
func (s *Store) OpenInfoRequest(ctx context.Context, ticketStepID string) (*domain.InfoRequest, error) {
	var r domain.InfoRequest
	err := s.db.WithContext(ctx).
		Where("ticket_step_id = ? AND status = ?", ticketStepID, domain.InfoRequestOpen).
		First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load open info request: %w", err)
	}
	return &r, nil
}

// UpdateInfoRequest writes the request conditionally on its read version.
func (s *Store) UpdateInfoRequest(ctx context.Context, r *domain.InfoRequest) error {
	prev := r.Version
	r.Version = prev + 1
	r.UpdatedAt = s.clock.Now()
	if err := s.saveVersioned(ctx, "info request", r.ID, prev, r); err != nil {
		r.Version = prev
		return err
	}
	return nil
}

// CreateHandover inserts a handover request.
func (s *Store) CreateHandover(ctx context.Context, h *domain.HandoverRequest) error {
	now := s.clock.Now()
	h.Version = 1
	h.CreatedAt = now
	h.UpdatedAt = now
	if err := s.db.WithContext(ctx).Create(h).Error; err != nil {
		return fmt.Errorf("failed to create handover request: %w", err)
	}
	return nil
}

// PendingHandover returns the step's PENDING handover, or nil. At most one
// exists per step.
func (s *Store) PendingHandover(ctx context.Context, ticketStepID string) (*domain.HandoverRequest, error) {
	var h domain.HandoverRequest
	err := s.db.WithContext(ctx).
		Where("ticket_step_id = ? AND status = ?", ticketStepID, domain.HandoverPending).
		First(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending handover: %w", err)
	}
	return &h, nil
}

// GetHandover loads a handover request by id.
func (s *Store) GetHandover(ctx context.Context, id string) (*domain.HandoverRequest, error) {
	var h domain.HandoverRequest
	if err := s.getByID(ctx, &h, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("handover request", id)
		}
		return nil, fmt.Errorf("failed to load handover request %s: %w", id, err)
	}
	return &h, nil
}

// UpdateHandover writes the request conditionally on its read version.
func (s *Store) UpdateHandover(ctx context.Context, h *domain.HandoverRequest) error {
	prev := h.Version
	h.Version = prev + 1
	h.UpdatedAt = s.clock.Now()
	if err := s.saveVersioned(ctx, "handover request", h.ID, prev, h); err != nil {
		h.Version = prev
		return err
	}
	return nil
}

// CreateChangeRequest inserts a change request.
func (s *Store) CreateChangeRequest(ctx context.Context, cr *domain.ChangeRequest) error {
	now := s.clock.Now()
	cr.Version = 1
	cr.CreatedAt = now
	cr.UpdatedAt = now
	if err := s.db.WithContext(ctx).Create(cr).Error; err != nil {
		return fmt.Errorf("failed to create change request: %w", err)
	}
	return nil
}

// GetChangeRequest loads a change request by id.
func (s *Store) GetChangeRequest(ctx context.Context, id string) (*domain.ChangeRequest, error) {
	var cr domain.ChangeRequest
	if err := s.getByID(ctx, &cr, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("change request", id)
		}
		return nil, fmt.Errorf("failed to load change request %s: %w", id, err)
	}
	return &cr, nil
}

// PendingChangeRequest returns the ticket's PENDING change request, or nil.
func (s *Store) PendingChangeRequest(ctx context.Context, ticketID string) (*domain.ChangeRequest, error) {
	var cr domain.ChangeRequest
	err := s.db.WithContext(ctx).
		Where("ticket_id = ? AND status = ?", ticketID, domain.ChangeRequestPending).
		First(&cr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending change request: %w", err)
	}
	return &cr, nil
}

// UpdateChangeRequest writes the request conditionally on its read version.
func (s *Store) UpdateChangeRequest(ctx context.Context, cr *domain.ChangeRequest) error {
	prev := cr.Version
	cr.Version = prev + 1
	cr.UpdatedAt = s.clock.Now()
	if err := s.saveVersioned(ctx, "change request", cr.ID, prev, cr); err != nil {
		cr.Version = prev
		return err
	}
	return nil
}
