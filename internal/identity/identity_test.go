// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rashadism/ticketflow/internal/domain"
)

func TestSame(t *testing.T) {
	tests := []struct {
		name string
		a, b domain.UserRef
		want bool
	}{
		{
			name: "aad id wins over differing emails",
			a:    domain.UserRef{AADID: "aad-1", Email: "old.alias@corp.example"},
			b:    domain.UserRef{AADID: "aad-1", Email: "new.alias@corp.example"},
			want: true,
		},
		{
			name: "aad id mismatch beats matching emails",
			a:    domain.UserRef{AADID: "aad-1", Email: "shared@corp.example"},
			b:    domain.UserRef{AADID: "aad-2", Email: "shared@corp.example"},
			want: false,
		},
		{
			name: "email comparison is case-insensitive",
			a:    domain.UserRef{Email: "Jo.Smith@corp.example"},
			b:    domain.UserRef{Email: "jo.smith@CORP.example"},
			want: true,
		},
		{
			name: "one side missing aad id falls back to email",
			a:    domain.UserRef{AADID: "aad-1", Email: "jo@corp.example"},
			b:    domain.UserRef{Email: "jo@corp.example"},
			want: true,
		},
		{
			name: "empty emails never match",
			a:    domain.UserRef{},
			b:    domain.UserRef{},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Same(tt.a, tt.b))
		})
	}
}

func TestMatchesEmail(t *testing.T) {
	u := domain.UserRef{Email: " Jo@corp.example "}
	assert.True(t, MatchesEmail(u, "jo@corp.example"))
	assert.False(t, MatchesEmail(u, "other@corp.example"))
	assert.False(t, MatchesEmail(domain.UserRef{}, ""))
}

func TestInEmails(t *testing.T) {
	u := domain.UserRef{Email: "jo@corp.example"}
	assert.True(t, InEmails(u, []string{"kim@corp.example", "JO@corp.example"}))
	assert.False(t, InEmails(u, []string{"kim@corp.example"}))
	assert.False(t, InEmails(u, nil))
}

func TestInRefs(t *testing.T) {
	u := domain.UserRef{AADID: "aad-1", Email: "jo@corp.example"}
	refs := []domain.UserRef{
		{AADID: "aad-2", Email: "kim@corp.example"},
		{AADID: "aad-1", Email: "renamed@corp.example"},
	}
	assert.True(t, InRefs(u, refs))
	assert.False(t, InRefs(domain.UserRef{Email: "none@corp.example"}, refs))
}
