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

// CreateTemplate inserts a workflow template.
func (s *Store) CreateTemplate(ctx context.Context, t *domain.WorkflowTemplate) error {
	now := s.clock.Now()
	t.Version = 1
	t.CreatedAt = now
	t.UpdatedAt = now
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("failed to create workflow template: %w", err)
	}
	return nil
}

// GetTemplate loads a workflow template by id.
func (s *Store) GetTemplate(ctx context.Context, id string) (*domain.WorkflowTemplate, error) {
	var t domain.WorkflowTemplate
	if err := s.getByID(ctx, &t, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("workflow", id)
		}
		return nil, fmt.Errorf("failed to load workflow %s: %w", id, err)
	}
	return &t, nil
}

// PublishVersion stores an immutable version snapshot and advances the
// template's latest number under optimistic concurrency.
func (s *Store) PublishVersion(ctx context.Context, v *domain.WorkflowVersion) error {
	return Retry(ctx, func(ctx context.Context) error {
		tmpl, err := s.GetTemplate(ctx, v.WorkflowID)
		if err != nil {
			return err
		}
		v.Number = tmpl.LatestVersion + 1
		v.PublishedAt = s.clock.Now()
		if err := s.db.WithContext(ctx).Create(v).Error; err != nil {
			return fmt.Errorf("failed to create workflow version: %w", err)
		}

		prev := tmpl.Version
		tmpl.LatestVersion = v.Number
		tmpl.Version = prev + 1
		tmpl.UpdatedAt = s.clock.Now()
		if err := s.saveVersioned(ctx, "workflow", tmpl.ID, prev, tmpl); err != nil {
			// Roll the orphaned snapshot back before retrying.
			s.db.WithContext(ctx).Delete(&domain.WorkflowVersion{}, "id = ?", v.ID)
			return err
		}
		return nil
	})
}

// GetVersion loads one published snapshot. number 0 means latest.
// Archived templates stay loadable: versions are immutable rows.
func (s *Store) GetVersion(ctx context.Context, workflowID string, number int) (*domain.WorkflowVersion, error) {
	q := s.db.WithContext(ctx).Where("workflow_id = ?", workflowID)
	if number > 0 {
		q = q.Where("number = ?", number)
	} else {
		q = q.Order("number DESC")
	}
	var v domain.WorkflowVersion
	if err := q.First(&v).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("workflow version", fmt.Sprintf("%s@%d", workflowID, number))
		}
		return nil, fmt.Errorf("failed to load workflow version: %w", err)
	}
	return &v, nil
}

// GetVersionByID loads a published snapshot by its own id.
func (s *Store) GetVersionByID(ctx context.Context, id string) (*domain.WorkflowVersion, error) {
	var v domain.WorkflowVersion
	if err := s.getByID(ctx, &v, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("workflow version", id)
		}
		return nil, fmt.Errorf("failed to load workflow version %s: %w", id, err)
	}
	return &v, nil
}
