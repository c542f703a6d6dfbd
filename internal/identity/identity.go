// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity centralizes the single identity-matching rule used by
// every component: stable directory ids are authoritative when both sides
// carry one; otherwise case-insensitive email equality decides. Email
// aliasing lives here and nowhere else.
package identity

import (
	"strings"

	"github.com/rashadism/ticketflow/internal/domain"
)

// Same reports whether two UserRefs denote the same person.
func Same(a, b domain.UserRef) bool {
	if a.AADID != "" && b.AADID != "" {
		return a.AADID == b.AADID
	}
	return emailEqual(a.Email, b.Email)
}

// MatchesEmail reports whether the ref denotes the principal behind the
// given email address.
func MatchesEmail(u domain.UserRef, email string) bool {
	return emailEqual(u.Email, email)
}

// InEmails reports whether the ref's email appears in the list, ignoring
// case. Used for the parallel-approver pending lists, which store
// normalized emails.
func InEmails(u domain.UserRef, emails []string) bool {
	for _, e := range emails {
		if emailEqual(u.Email, e) {
			return true
		}
	}
	return false
}

// InRefs reports whether any ref in the list denotes the same person.
func InRefs(u domain.UserRef, refs []domain.UserRef) bool {
	for _, r := range refs {
		if Same(u, r) {
			return true
		}
	}
	return false
}

func emailEqual(a, b string) bool {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" {
		return false
	}
	return strings.EqualFold(a, b)
}
