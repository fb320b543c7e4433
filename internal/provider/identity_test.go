package provider

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
)

// makeJWT builds an unsigned JWT carrying the given claims. Identity
// resolution never verifies signatures, so a dummy signature segment is
// enough.
func makeJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("Failed to marshal claims: %v", err)
	}
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

func TestJWTClaims(t *testing.T) {
	token := makeJWT(t, map[string]any{"email": "dev@example.com", "sub": "user_1"})
	claims, err := JWTClaims(token)
	if err != nil {
		t.Fatalf("JWTClaims failed: %v", err)
	}
	if claims["email"] != "dev@example.com" {
		t.Errorf("email claim = %v", claims["email"])
	}
}

func TestJWTClaims_OpaqueToken(t *testing.T) {
	if _, err := JWTClaims("sk-ant-opaque-key"); !errors.Is(err, ErrNotAJWT) {
		t.Errorf("Expected ErrNotAJWT, got %v", err)
	}
	if _, err := JWTClaims(""); !errors.Is(err, ErrNotAJWT) {
		t.Errorf("Expected ErrNotAJWT for empty token, got %v", err)
	}
}

func TestResolveIdentity_PayloadEmailWins(t *testing.T) {
	payload := map[string]any{
		"account": map[string]any{"email": "payload@example.com"},
	}
	token := makeJWT(t, map[string]any{"email": "token@example.com"})

	got := ResolveIdentity(payload, token, "", "acc_123")
	if got != "payload@example.com" {
		t.Errorf("ResolveIdentity = %q, want payload email", got)
	}
}

func TestResolveIdentity_AccessTokenClaims(t *testing.T) {
	token := makeJWT(t, map[string]any{"preferred_username": "dev@example.com"})
	got := ResolveIdentity(nil, token, "", "acc_123")
	if got != "dev@example.com" {
		t.Errorf("ResolveIdentity = %q, want token claim", got)
	}
}

func TestResolveIdentity_IDTokenFallback(t *testing.T) {
	idToken := makeJWT(t, map[string]any{
		"https://auth.example.com/claims": map[string]any{"email": "id@example.com"},
	})
	got := ResolveIdentity(nil, "opaque-token", idToken, "acc_123")
	if got != "id@example.com" {
		t.Errorf("ResolveIdentity = %q, want id token claim", got)
	}
}

func TestResolveIdentity_AccountIDLastResort(t *testing.T) {
	got := ResolveIdentity(nil, "opaque", "also-opaque", "acc_123")
	if got != "acc_123" {
		t.Errorf("ResolveIdentity = %q, want acc_123", got)
	}
}
