// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package idgen produces prefixed opaque identifiers and UTC timestamps.
package idgen

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Entity type prefixes. Every persisted id is "<prefix>-<opaque>".
const (
	PrefixTicket        = "T"
	PrefixTicketStep    = "TS"
	PrefixWorkflow      = "WF"
	PrefixVersion       = "WV"
	PrefixChangeRequest = "CR"
	PrefixApprovalTask  = "AT"
	PrefixAssignment    = "AS"
	PrefixInfoRequest   = "IR"
	PrefixHandover      = "HR"
	PrefixAuditEvent    = "AE"
	PrefixNotification  = "NO"
)

// Generator mints ids. Implementations must be safe for concurrent use.
type Generator interface {
	NewID(prefix string) string
}

// Clock supplies the current time. All engine timestamps are UTC.
type Clock interface {
	Now() time.Time
}

// UUIDGenerator is the default Generator, backed by random UUIDs with the
// dashes stripped so ids stay single-token in logs.
type UUIDGenerator struct{}

// NewID returns "<prefix>-<32 hex chars>".
func (UUIDGenerator) NewID(prefix string) string {
	return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SystemClock returns time.Now in UTC truncated to milliseconds, which is
// the precision the document store round-trips.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
