// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package domain

import "strings"

// UserRef is a snapshot of a directory principal as known at the time it was
// captured. AADID is the stable directory identifier; Email is a mutable
// alias compared case-insensitively everywhere.
type UserRef struct {
	AADID       string `json:"aad_id,omitempty"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
}

// IsZero reports whether the ref carries no principal at all.
func (u UserRef) IsZero() bool {
	return u.AADID == "" && u.Email == ""
}

// NormalizedEmail returns the lowercased, trimmed email.
func (u UserRef) NormalizedEmail() string {
	return strings.ToLower(strings.TrimSpace(u.Email))
}

// Actor is the authenticated principal initiating an action, plus the
// correlation id the caller threads through every write of that action.
type Actor struct {
	UserRef
	Roles         []string
	CorrelationID string
}

// UserFromEmail builds a UserRef with the display name defaulted from the
// local part of the email when no explicit name is configured.
func UserFromEmail(email, displayName string) UserRef {
	if displayName == "" {
		if at := strings.IndexByte(email, '@'); at > 0 {
			displayName = email[:at]
		} else {
			displayName = email
		}
	}
	return UserRef{Email: email, DisplayName: displayName}
}
