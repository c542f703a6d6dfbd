// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rashadism/ticketflow/internal/apperr"
	"github.com/rashadism/ticketflow/internal/config"
)

// ClientCredentials returns a TokenSource performing the OAuth
// client-credentials grant against the configured token endpoint.
func ClientCredentials(cfg config.EmailConfig, client *http.Client) TokenSource {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return func(ctx context.Context) (string, error) {
		form := url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {cfg.ClientID},
			"client_secret": {cfg.ClientSecret},
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenEndpoint,
			strings.NewReader(form.Encode()))
		if err != nil {
			return "", fmt.Errorf("failed to build token request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("token request failed: %w", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, body)
		}
		var payload struct {
			AccessToken string `json:"access_token"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return "", fmt.Errorf("failed to decode token response: %w", err)
		}
		if payload.AccessToken == "" {
			return "", fmt.Errorf("token response carries no access_token")
		}
		return payload.AccessToken, nil
	}
}

// HTTPTransport delivers mail through an OAuth-protected HTTP send endpoint.
type HTTPTransport struct {
	client   *http.Client
	tokens   *TokenCache
	sender   string
	endpoint string
}

// NewHTTPTransport creates a transport over the configured endpoint and the
// shared token cache.
func NewHTTPTransport(cfg config.EmailConfig, tokens *TokenCache, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransport{
		client:   client,
		tokens:   tokens,
		sender:   cfg.SenderAddress,
		endpoint: cfg.SendEndpoint,
	}
}

type sendRequest struct {
	Sender     string   `json:"sender"`
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject"`
	HTMLBody   string   `json:"html_body"`
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, recipients []string, subject, htmlBody string) error {
	token, err := t.tokens.Token(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindEmailSend, err, "failed to obtain mail token")
	}

	payload, err := json.Marshal(sendRequest{
		Sender:     t.sender,
		Recipients: recipients,
		Subject:    subject,
		HTMLBody:   htmlBody,
	})
	if err != nil {
		return apperr.Wrap(apperr.KindEmailSend, err, "failed to encode mail request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return apperr.Wrap(apperr.KindEmailSend, err, "failed to build mail request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindEmailSend, err, "mail request failed")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		// Stale token; drop it so the next attempt refreshes.
		t.tokens.Close()
		return apperr.New(apperr.KindEmailSend, "mail endpoint rejected the token")
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return apperr.New(apperr.KindEmailSend, "mail endpoint returned %d", resp.StatusCode)
	}
	return nil
}
