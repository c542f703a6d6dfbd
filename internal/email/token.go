// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package email

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource fetches a fresh OAuth access token from the provider.
type TokenSource func(ctx context.Context) (string, error)

// TokenCache is the transport's shared token cache. Expiry is read from the
// token's exp claim; Skew is subtracted when deciding whether the cached
// token is still usable. Explicit Close discards the cached token.
type TokenCache struct {
	source TokenSource
	skew   time.Duration
	now    func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewTokenCache creates a cache over the given source.
func NewTokenCache(source TokenSource, skew time.Duration) *TokenCache {
	return &TokenCache{source: source, skew: skew, now: time.Now}
}

// Token returns a usable access token, refreshing through the source when
// the cached one is missing or within skew of expiry.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Add(c.skew).Before(c.expires) {
		return c.token, nil
	}

	tok, err := c.source(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch access token: %w", err)
	}
	exp, err := tokenExpiry(tok)
	if err != nil {
		return "", err
	}
	c.token = tok
	c.expires = exp
	return tok, nil
}

// Close discards the cached token.
func (c *TokenCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.expires = time.Time{}
}

// tokenExpiry parses the JWT exp claim without verifying the signature; the
// cache only needs the lifetime, the provider verifies authenticity.
func tokenExpiry(token string) (time.Time, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("failed to parse access token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, fmt.Errorf("access token carries no expiry")
	}
	return exp.Time, nil
}
