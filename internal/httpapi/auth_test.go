package httpapi

import (
	"context"
	"testing"
	"time"

	"ventapos/backend/internal/cache"
	"ventapos/backend/internal/domain"
	"ventapos/backend/internal/service"
	"ventapos/backend/internal/store/memory"
)

func newTestAuthManager(t *testing.T, ttl time.Duration) *AuthManager {
	t.Helper()
	t.Setenv("SEED_ADMIN_PASSWORD", "admin123")

	svc := service.New(memory.NewSeeded(), cache.NoopAvailabilityCache{}, time.Second)
	return NewAuthManager("0123456789abcdef0123456789abcdef", ttl, svc)
}

func TestLoginAndParseTokenRoundTrip(t *testing.T) {
	auth := newTestAuthManager(t, time.Hour)

	resp, err := auth.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.AccessToken == "" || resp.Role != domain.RoleAdmin {
		t.Fatalf("unexpected login response %+v", resp)
	}

	actor, err := auth.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	if actor.Username != "admin" || actor.Role != domain.RoleAdmin || actor.ID != "prof-admin" {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	auth := newTestAuthManager(t, time.Hour)

	if _, err := auth.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "nope"}); err == nil {
		t.Fatalf("expected bad password to fail")
	}
	if _, err := auth.Login(context.Background(), domain.LoginRequest{Username: "ghost", Password: "nope"}); err == nil {
		t.Fatalf("expected unknown user to fail")
	}
}

func TestParseTokenRejectsTamperedToken(t *testing.T) {
	auth := newTestAuthManager(t, time.Hour)

	resp, err := auth.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	tampered := resp.AccessToken[:len(resp.AccessToken)-2] + "xx"
	if _, err := auth.ParseToken(tampered); err == nil {
		t.Fatalf("expected tampered token to be rejected")
	}
	if _, err := auth.ParseToken(""); err == nil {
		t.Fatalf("expected empty token to be rejected")
	}
}

func TestParseTokenRejectsForeignSecret(t *testing.T) {
	auth := newTestAuthManager(t, time.Hour)
	other := NewAuthManager("another-secret-entirely-32chars!", time.Hour, nil)

	token, err := other.sign(domain.Actor{ID: "prof-admin", Username: "admin", Role: domain.RoleAdmin}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if _, err := auth.ParseToken(token); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestParseTokenRejectsExpiredToken(t *testing.T) {
	auth := newTestAuthManager(t, time.Hour)

	token, err := auth.sign(domain.Actor{ID: "prof-admin", Username: "admin", Role: domain.RoleAdmin}, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if _, err := auth.ParseToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}
