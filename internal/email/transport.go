// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package email defines the contract to the external mail transport and the
// OAuth token cache the real transport shares across senders.
package email

import (
	"context"
	"sync"
)

// Transport delivers one rendered message. Implementations must treat a
// repeated send of the same notification id as idempotent on their side.
type Transport interface {
	Send(ctx context.Context, recipients []string, subject, htmlBody string) error
}

// Sent is one captured message, for the in-memory transport.
type Sent struct {
	Recipients []string
	Subject    string
	HTMLBody   string
}

// InMemory is a Transport fake capturing messages; optionally failing.
type InMemory struct {
	mu       sync.Mutex
	messages []Sent
	// FailNext makes the next n sends fail, for retry tests.
	failNext int
	err      error
}

// NewInMemory creates an empty capturing transport.
func NewInMemory() *InMemory { return &InMemory{} }

// FailNext arranges for the next n sends to return err.
func (t *InMemory) FailNext(n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failNext = n
	t.err = err
}

// Send implements Transport.
func (t *InMemory) Send(_ context.Context, recipients []string, subject, htmlBody string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failNext > 0 {
		t.failNext--
		return t.err
	}
	t.messages = append(t.messages, Sent{Recipients: recipients, Subject: subject, HTMLBody: htmlBody})
	return nil
}

// Messages returns a copy of everything sent so far.
func (t *InMemory) Messages() []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Sent, len(t.messages))
	copy(out, t.messages)
	return out
}
