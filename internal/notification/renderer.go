// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package notification

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"sync"
	"text/template"
)

// Override is an admin-configured replacement for one template.
type Override struct {
	Subject string
	Body    string
}

// Renderer produces email subject and HTML body from a template key and a
// flat payload map. Rendering is pure: no I/O, no functions beyond field
// substitution.
type Renderer struct {
	mu        sync.RWMutex
	overrides map[Key]Override
}

// NewRenderer creates a renderer with no overrides.
func NewRenderer() *Renderer {
	return &Renderer{overrides: make(map[Key]Override)}
}

// SetOverride installs (or replaces) an admin override for a key.
func (r *Renderer) SetOverride(key Key, o Override) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[key] = o
}

// ClearOverride removes an override.
func (r *Renderer) ClearOverride(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.overrides, key)
}

// Render produces the subject and HTML body for a key and payload.
func (r *Renderer) Render(key Key, payload map[string]any) (subject, body string, err error) {
	r.mu.RLock()
	override, hasOverride := r.overrides[key]
	r.mu.RUnlock()

	subjTmpl, bodyTmpl := builtin(key)
	if hasOverride {
		if override.Subject != "" {
			subjTmpl = override.Subject
		}
		if override.Body != "" {
			bodyTmpl = override.Body
		}
	}

	subject, err = render("subject", subjTmpl, payload)
	if err != nil {
		return "", "", fmt.Errorf("failed to render subject for %s: %w", key, err)
	}
	body, err = render("body", bodyTmpl, payload)
	if err != nil {
		return "", "", fmt.Errorf("failed to render body for %s: %w", key, err)
	}
	return subject, body, nil
}

func render(name, tmpl string, payload map[string]any) (string, error) {
	t, err := template.New(name).Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", err
	}
	escaped := make(map[string]any, len(payload))
	for k, v := range payload {
		if s, ok := v.(string); ok {
			escaped[k] = html.EscapeString(s)
		} else {
			escaped[k] = v
		}
	}
	var b strings.Builder
	if err := t.Execute(&b, escaped); err != nil {
		return "", err
	}
	return b.String(), nil
}

// builtin returns the default subject/body templates for a key.
func builtin(key Key) (string, string) {
	if t, ok := builtins[key]; ok {
		return t.Subject, t.Body
	}
	return "[Ticketflow] {{.ticket_title}}",
		"<p>Update on ticket {{.ticket_id}}: {{.ticket_title}}</p>"
}

var builtins = map[Key]Override{
	KeyTicketCreated: {
		Subject: "[Ticketflow] Ticket created: {{.ticket_title}}",
		Body:    "<p>Ticket <b>{{.ticket_id}}</b> ({{.ticket_title}}) was created by {{.requester_name}}.</p>",
	},
	KeyTicketCompleted: {
		Subject: "[Ticketflow] Ticket completed: {{.ticket_title}}",
		Body:    "<p>Ticket <b>{{.ticket_id}}</b> has completed all steps.</p>",
	},
	KeyTicketRejected: {
		Subject: "[Ticketflow] Ticket rejected: {{.ticket_title}}",
		Body:    "<p>Ticket <b>{{.ticket_id}}</b> was rejected{{if .comment}}: {{.comment}}{{end}}.</p>",
	},
	KeyTicketSkipped: {
		Subject: "[Ticketflow] Ticket skipped: {{.ticket_title}}",
		Body:    "<p>Ticket <b>{{.ticket_id}}</b> was skipped.</p>",
	},
	KeyTicketCancelled: {
		Subject: "[Ticketflow] Ticket cancelled: {{.ticket_title}}",
		Body:    "<p>Ticket <b>{{.ticket_id}}</b> was cancelled{{if .reason}}: {{.reason}}{{end}}.</p>",
	},
	KeyFormPending: {
		Subject: "[Ticketflow] Form pending: {{.step_name}}",
		Body:    "<p>Form <b>{{.step_name}}</b> on ticket {{.ticket_id}} is waiting for your input.</p>",
	},
	KeyApprovalPending: {
		Subject: "[Ticketflow] Approval required: {{.ticket_title}}",
		Body:    "<p>Step <b>{{.step_name}}</b> on ticket {{.ticket_id}} is waiting for your approval.</p>",
	},
	KeyApprovalDecided: {
		Subject: "[Ticketflow] Approval {{.decision}}: {{.ticket_title}}",
		Body:    "<p>{{.approver_name}} {{.decision}} step <b>{{.step_name}}</b> on ticket {{.ticket_id}}.</p>",
	},
	KeyLookupSecondary: {
		Subject: "[Ticketflow] Approval routed: {{.ticket_title}}",
		Body:    "<p>An approval on ticket {{.ticket_id}} was routed to {{.primary_name}}; you are listed as a secondary contact.</p>",
	},
	KeyTaskAssigned: {
		Subject: "[Ticketflow] Task assigned: {{.step_name}}",
		Body:    "<p>Task <b>{{.step_name}}</b> on ticket {{.ticket_id}} was assigned to you.</p>",
	},
	KeyTaskReassigned: {
		Subject: "[Ticketflow] Task reassigned: {{.step_name}}",
		Body:    "<p>Task <b>{{.step_name}}</b> on ticket {{.ticket_id}} was reassigned to {{.agent_name}}.</p>",
	},
	KeyTaskCompleted: {
		Subject: "[Ticketflow] Task completed: {{.step_name}}",
		Body:    "<p>Task <b>{{.step_name}}</b> on ticket {{.ticket_id}} was completed by {{.agent_name}}.</p>",
	},
	KeyInfoRequested: {
		Subject: "[Ticketflow] Information requested: {{.ticket_title}}",
		Body:    "<p>{{.requester_name}} asked on ticket {{.ticket_id}}: {{.question}}</p>",
	},
	KeyInfoResponded: {
		Subject: "[Ticketflow] Response received: {{.ticket_title}}",
		Body:    "<p>{{.responder_name}} responded on ticket {{.ticket_id}}.</p>",
	},
	KeyHandoverRequested: {
		Subject: "[Ticketflow] Handover requested: {{.step_name}}",
		Body:    "<p>{{.agent_name}} asked to hand over step <b>{{.step_name}}</b> on ticket {{.ticket_id}}{{if .reason}}: {{.reason}}{{end}}.</p>",
	},
	KeyHandoverDecision: {
		Subject: "[Ticketflow] Handover {{.decision}}: {{.step_name}}",
		Body:    "<p>The handover request on step <b>{{.step_name}}</b> (ticket {{.ticket_id}}) was {{.decision}}.</p>",
	},
	KeyStepNotify: {
		Subject: "[Ticketflow] {{.ticket_title}}",
		Body:    "<p>Notification from workflow step <b>{{.step_name}}</b> on ticket {{.ticket_id}}.</p>",
	},
	KeyCRPaused: {
		Subject: "[Ticketflow] Change request pending: {{.ticket_title}}",
		Body:    "<p>Ticket {{.ticket_id}} is paused while change request {{.change_request_id}} awaits review.</p>",
	},
	KeyCRDecided: {
		Subject: "[Ticketflow] Change request {{.decision}}: {{.ticket_title}}",
		Body:    "<p>Change request {{.change_request_id}} on ticket {{.ticket_id}} was {{.decision}}.</p>",
	},
	KeyCRResumed: {
		Subject: "[Ticketflow] Workflow resumed: {{.ticket_title}}",
		Body:    "<p>Ticket {{.ticket_id}} resumed after change request {{.change_request_id}} was resolved.</p>",
	},
	KeySLABreached: {
		Subject: "[Ticketflow] SLA breached: {{.step_name}}",
		Body:    "<p>Step <b>{{.step_name}}</b> on ticket {{.ticket_id}} passed its due time.</p>",
	},
}

// Keys returns the closed key enum in stable order, for admin surfaces.
func Keys() []Key {
	out := make([]Key, 0, len(categories))
	for k := range categories {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
