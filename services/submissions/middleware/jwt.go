// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/AleutianAI/SubmissionPortal/services/submissions/datatypes"
)

// Claims is the portal's access token payload. Subject holds the decimal
// user ID.
type Claims struct {
	jwt.RegisteredClaims
	Username string   `json:"preferred_username"`
	Email    string   `json:"email,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// JWTAuthProvider validates HS256 tokens signed with a shared secret.
type JWTAuthProvider struct {
	secret []byte
	issuer string
	now    func() time.Time
}

var _ AuthProvider = (*JWTAuthProvider)(nil)

// NewJWTAuthProvider creates a provider. An empty issuer disables the
// issuer check.
func NewJWTAuthProvider(secret, issuer string) (*JWTAuthProvider, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &JWTAuthProvider{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Validate implements AuthProvider.
func (p *JWTAuthProvider) Validate(_ context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("invalid token: %w", ErrUnauthorized)
	}
	if p.issuer != "" && !claims.VerifyIssuer(p.issuer, true) {
		return nil, fmt.Errorf("unexpected issuer %q: %w", claims.Issuer, ErrUnauthorized)
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("invalid subject %q: %w", claims.Subject, ErrUnauthorized)
	}
	return &Principal{
		User:  datatypes.User{ID: id, Username: claims.Username, Email: claims.Email},
		Roles: claims.Roles,
	}, nil
}

// IssueToken signs a token for user valid for ttl.
func (p *JWTAuthProvider) IssueToken(user datatypes.User, roles []string, ttl time.Duration) (string, error) {
	now := p.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Username: user.Username,
		Email:    user.Email,
		Roles:    roles,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
