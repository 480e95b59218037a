// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the submission portal.
//
// # Authentication Flow
//
// The auth middleware extracts a bearer token from the Authorization header,
// validates it with the configured AuthProvider, and stores the resulting
// Principal in the Gin context. Handlers read the acting user with Actor.
//
//	Request
//	   │
//	   ▼
//	AuthMiddleware / OptionalAuth
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │
//	   ├─► provider.Validate(ctx, token)
//	   │
//	   └─► Store Principal in context
//	           │
//	           ▼
//	       Handler (middleware.Actor(c))
//
// Worker callbacks authenticate with the submission's update password
// in the URL and do not go through this middleware.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/SubmissionPortal/services/submissions/datatypes"
)

// RoleAdmin grants the administrative endpoints (forced state changes,
// deletions, group maintenance).
const RoleAdmin = "admin"

const principalKey = "portal_principal"

// ErrUnauthorized is returned when a token is missing or invalid.
var ErrUnauthorized = errors.New("unauthorized")

// Principal is an authenticated caller.
type Principal struct {
	User  datatypes.User
	Roles []string
}

// HasRole reports whether the principal carries role.
func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates bearer tokens.
//
// Implementations must be safe for concurrent use. A token that is not
// acceptable returns an error wrapping ErrUnauthorized.
type AuthProvider interface {
	Validate(ctx context.Context, token string) (*Principal, error)
}

// SetPrincipal stores p in the request context.
func SetPrincipal(c *gin.Context, p *Principal) {
	c.Set(principalKey, p)
}

// GetPrincipal returns the authenticated caller, or nil.
func GetPrincipal(c *gin.Context) *Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(*Principal); ok {
			return p
		}
	}
	return nil
}

// Actor returns the acting user, or nil for an anonymous request.
func Actor(c *gin.Context) *datatypes.User {
	p := GetPrincipal(c)
	if p == nil {
		return nil
	}
	u := p.User
	return &u
}

// AuthMiddleware rejects requests without a valid bearer token.
func AuthMiddleware(provider AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if !authenticate(c, provider, token) {
			return
		}
		c.Next()
	}
}

// OptionalAuth authenticates a request when it carries a token and lets
// anonymous requests through. An invalid token is still rejected.
func OptionalAuth(provider AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := extractBearerToken(c); token != "" {
			if !authenticate(c, provider, token) {
				return
			}
		}
		c.Next()
	}
}

func authenticate(c *gin.Context, provider AuthProvider, token string) bool {
	p, err := provider.Validate(c.Request.Context(), token)
	if err != nil {
		msg := "authentication failed"
		if errors.Is(err, ErrUnauthorized) {
			msg = "unauthorized"
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
		return false
	}
	SetPrincipal(c, p)
	return true
}

// RequireRole rejects principals without role. It must run after
// AuthMiddleware.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !GetPrincipal(c).HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// extractBearerToken returns the token of "Authorization: Bearer <token>",
// or "" when the header is missing or uses another scheme. The scheme is
// case-insensitive per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
