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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/SubmissionPortal/services/submissions/datatypes"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type mockAuthProvider struct {
	principal *Principal
	err       error
}

func (m *mockAuthProvider) Validate(_ context.Context, _ string) (*Principal, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.principal, nil
}

// actorRouter echoes the acting user's ID, or 0 for anonymous.
func actorRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	handlers = append(handlers, func(c *gin.Context) {
		var id int64
		if a := Actor(c); a != nil {
			id = a.ID
		}
		c.JSON(http.StatusOK, gin.H{"id": id})
	})
	router.GET("/", handlers...)
	return router
}

func get(router *gin.Engine, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func actorID(t *testing.T, w *httptest.ResponseRecorder) int64 {
	t.Helper()
	var body struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.ID
}

// =============================================================================
// extractBearerToken
// =============================================================================

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc123", "abc123"},
		{"bearer ABC", "ABC"},
		{"", ""},
		{"abc123", ""},
		{"Basic abc123", ""},
		{"Bearer ", ""},
	}
	for _, tt := range tests {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		c.Request.Header.Set("Authorization", tt.header)
		assert.Equal(t, tt.want, extractBearerToken(c), tt.header)
	}
}

// =============================================================================
// AuthMiddleware / OptionalAuth / RequireRole
// =============================================================================

func TestAuthMiddleware(t *testing.T) {
	ok := &mockAuthProvider{principal: &Principal{User: datatypes.User{ID: 7}}}

	w := get(actorRouter(AuthMiddleware(ok)), "Bearer t")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(7), actorID(t, w))

	w = get(actorRouter(AuthMiddleware(ok)), "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	denied := &mockAuthProvider{err: ErrUnauthorized}
	w = get(actorRouter(AuthMiddleware(denied)), "Bearer t")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"unauthorized"`)

	broken := &mockAuthProvider{err: errors.New("idp down")}
	w = get(actorRouter(AuthMiddleware(broken)), "Bearer t")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "authentication failed")
}

func TestOptionalAuth(t *testing.T) {
	ok := &mockAuthProvider{principal: &Principal{User: datatypes.User{ID: 7}}}

	w := get(actorRouter(OptionalAuth(ok)), "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, actorID(t, w))

	w = get(actorRouter(OptionalAuth(ok)), "Bearer t")
	assert.Equal(t, int64(7), actorID(t, w))

	w = get(actorRouter(OptionalAuth(&mockAuthProvider{err: ErrUnauthorized})), "Bearer bad")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireRole(t *testing.T) {
	admin := &mockAuthProvider{principal: &Principal{User: datatypes.User{ID: 1}, Roles: []string{RoleAdmin}}}
	plain := &mockAuthProvider{principal: &Principal{User: datatypes.User{ID: 2}}}

	assert.Equal(t, http.StatusOK, get(actorRouter(AuthMiddleware(admin), RequireRole(RoleAdmin)), "Bearer t").Code)
	assert.Equal(t, http.StatusForbidden, get(actorRouter(AuthMiddleware(plain), RequireRole(RoleAdmin)), "Bearer t").Code)
	assert.Equal(t, http.StatusForbidden, get(actorRouter(RequireRole(RoleAdmin)), "").Code)
}

// =============================================================================
// JWTAuthProvider
// =============================================================================

func TestJWTAuthProvider_RoundTrip(t *testing.T) {
	p, err := NewJWTAuthProvider("secret", "portal")
	require.NoError(t, err)

	token, err := p.IssueToken(datatypes.User{ID: 42, Username: "ana", Email: "ana@example.org"}, []string{RoleAdmin}, time.Hour)
	require.NoError(t, err)

	principal, err := p.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), principal.User.ID)
	assert.Equal(t, "ana", principal.User.Username)
	assert.True(t, principal.HasRole(RoleAdmin))
}

func TestJWTAuthProvider_Rejections(t *testing.T) {
	p, err := NewJWTAuthProvider("secret", "portal")
	require.NoError(t, err)
	other, err := NewJWTAuthProvider("other", "portal")
	require.NoError(t, err)
	foreign, err := NewJWTAuthProvider("secret", "elsewhere")
	require.NoError(t, err)

	user := datatypes.User{ID: 42}
	expired, err := p.IssueToken(user, nil, -time.Minute)
	require.NoError(t, err)
	wrongKey, err := other.IssueToken(user, nil, time.Hour)
	require.NoError(t, err)
	wrongIssuer, err := foreign.IssueToken(user, nil, time.Hour)
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "portal"},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt",
		"expired":      expired,
		"wrong key":    wrongKey,
		"wrong issuer": wrongIssuer,
		"no subject":   noSubject,
	} {
		_, err := p.Validate(context.Background(), token)
		assert.ErrorIs(t, err, ErrUnauthorized, name)
	}
}

func TestNewJWTAuthProvider_RequiresSecret(t *testing.T) {
	_, err := NewJWTAuthProvider("", "")
	assert.Error(t, err)
}

// =============================================================================
// RateLimiter
// =============================================================================

func TestRateLimiter_PerClient(t *testing.T) {
	l := NewRateLimiter(0.001, 2)

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestRateLimiter_Middleware(t *testing.T) {
	l := NewRateLimiter(0.001, 1)
	router := actorRouter(l.Middleware())

	assert.Equal(t, http.StatusOK, get(router, "").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(router, "").Code)
}

func TestRateLimiter_Disabled(t *testing.T) {
	l := NewRateLimiter(0, 1)
	for i := 0; i < 50; i++ {
		require.True(t, l.Allow("a"))
	}
}
