package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func fixedManager(ttl time.Duration) (*Manager, *time.Time) {
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	m := NewManager("secret", ttl)
	m.Now = func() time.Time { return now }
	return &m, &now
}

func TestManager_SignAndParse(t *testing.T) {
	m, _ := fixedManager(time.Hour)

	tok, err := m.Sign("u1", "alice")
	if err != nil {
		t.Fatalf("Sign error: %v", err)
	}
	claims, err := m.Parse(tok)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if claims.Subject != "u1" || claims.Username != "alice" || claims.Issuer != "sharedcanvas" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestManager_ParseExpired(t *testing.T) {
	m, now := fixedManager(time.Second)
	tok, err := m.Sign("u1", "alice")
	if err != nil {
		t.Fatalf("Sign error: %v", err)
	}

	later := now.Add(2 * time.Second)
	m.Now = func() time.Time { return later }
	if _, err := m.Parse(tok); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestManager_ParseRejectsTampering(t *testing.T) {
	m, _ := fixedManager(time.Hour)
	tok, _ := m.Sign("u1", "alice")

	other := NewManager("other-secret", time.Hour)
	other.Now = m.Now
	forged, _ := other.Sign("u1", "alice")

	parts := strings.Split(tok, ".")
	for name, candidate := range map[string]string{
		"wrong secret": forged,
		"truncated":    parts[0] + "." + parts[1],
		"garbage":      "not-a-token",
	} {
		if _, err := m.Parse(candidate); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?access_token=query-tok", nil)
	if got := TokenFromRequest(r); got != "query-tok" {
		t.Fatalf("expected query token, got %q", got)
	}
	r.Header.Set("Authorization", "Bearer header-tok")
	if got := TokenFromRequest(r); got != "header-tok" {
		t.Fatalf("expected header token to win, got %q", got)
	}
	if got := BearerToken("Basic abc"); got != "" {
		t.Fatalf("expected empty token, got %q", got)
	}
}

func TestClaimsContext(t *testing.T) {
	if _, ok := ClaimsFrom(context.Background()); ok {
		t.Fatal("expected no claims on a bare context")
	}
	ctx := WithClaims(context.Background(), Claims{Subject: "u1"})
	if claims, ok := ClaimsFrom(ctx); !ok || claims.Subject != "u1" {
		t.Fatalf("unexpected claims: %+v %v", claims, ok)
	}
}
