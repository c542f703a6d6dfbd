// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package attachments defines the contract to the external attachment store.
package attachments

import (
	"context"
	"sync"
)

// Store moves and describes uploaded attachments.
type Store interface {
	// MoveTempAttachment relocates a temp upload under its ticket.
	MoveTempAttachment(ctx context.Context, attachmentID, ticketID string) error
	// FileName returns the original filename, or "" when unknown.
	FileName(ctx context.Context, attachmentID string) (string, error)
}

// InMemory is a Store fake tracking moves and filenames.
type InMemory struct {
	mu    sync.RWMutex
	names map[string]string
	moved map[string]string // attachment id -> ticket id
}

// NewInMemory creates an empty in-memory attachment store.
func NewInMemory() *InMemory {
	return &InMemory{names: make(map[string]string), moved: make(map[string]string)}
}

// PutName registers the original filename of an upload.
func (s *InMemory) PutName(attachmentID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[attachmentID] = name
}

// MoveTempAttachment implements Store.
func (s *InMemory) MoveTempAttachment(_ context.Context, attachmentID, ticketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moved[attachmentID] = ticketID
	return nil
}

// FileName implements Store.
func (s *InMemory) FileName(_ context.Context, attachmentID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.names[attachmentID], nil
}

// MovedTo reports where an attachment was moved, for tests.
func (s *InMemory) MovedTo(attachmentID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.moved[attachmentID]
}
