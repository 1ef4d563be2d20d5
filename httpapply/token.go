// Copyright 2025 Trendpulse Contributors
// SPDX-License-Identifier: Apache-2.0

package httpapply

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims for a single-user, per-device client.
type Claims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// TokenSource mints and caches HS256 bearer tokens. A cached token is
// reused until shortly before expiry.
type TokenSource struct {
	secret   []byte
	userID   string
	deviceID string
	expiry   time.Duration

	mu        sync.Mutex
	cached    string
	cachedExp time.Time
}

// NewTokenSource creates a token source for the given user and device.
func NewTokenSource(secret, userID, deviceID string, expiry time.Duration) *TokenSource {
	return &TokenSource{
		secret:   []byte(secret),
		userID:   userID,
		deviceID: deviceID,
		expiry:   expiry,
	}
}

// Token implements TokenFunc.
func (t *TokenSource) Token(_ context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cached != "" && time.Until(t.cachedExp) > time.Minute {
		return t.cached, nil
	}

	now := time.Now()
	claims := &Claims{
		DeviceID: t.deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(t.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "go-offsync",
			Subject:   t.userID,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	t.cached = signed
	t.cachedExp = now.Add(t.expiry)
	return signed, nil
}
