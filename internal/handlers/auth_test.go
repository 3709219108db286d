package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/medic-monitor/medic/internal/middleware"
)

func newAuthMux(t *testing.T) *http.ServeMux {
	t.Helper()
	hash, err := middleware.HashPassword("correct-horse")
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	jwtAuth := middleware.NewJWTAuthMiddleware(&middleware.JWTAuthConfig{
		AdminUsername:     "admin",
		AdminPasswordHash: hash,
		JWTSecret:         "test-jwt-secret",
		JWTExpiryHours:    24,
	})
	h := NewAuthHandler(jwtAuth)
	mux := http.NewServeMux()
	h.SetupRoutes(mux)
	return mux
}

func TestLoginIssuesToken(t *testing.T) {
	mux := newAuthMux(t)

	rec := postJSON(t, mux, "/auth/login", map[string]string{
		"username": "admin",
		"password": "correct-horse",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body: %s)", rec.Code, rec.Body.String())
	}

	var resp LoginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Token == "" {
		t.Error("token should be issued")
	}
	if resp.Username != "admin" {
		t.Errorf("username = %q", resp.Username)
	}
	if resp.ExpiresIn != 24*60*60 {
		t.Errorf("expires_in = %d, want the configured 24h in seconds", resp.ExpiresIn)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	mux := newAuthMux(t)

	tests := []struct {
		name string
		body map[string]string
		want int
	}{
		{"wrong password", map[string]string{"username": "admin", "password": "nope"}, http.StatusUnauthorized},
		{"wrong username", map[string]string{"username": "root", "password": "correct-horse"}, http.StatusUnauthorized},
		{"missing fields", map[string]string{"username": "admin"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, mux, "/auth/login", tt.body, nil)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestVerifyRequiresContextUser(t *testing.T) {
	mux := newAuthMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/verify", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated verify status = %d, want 401", rec.Code)
	}
}
