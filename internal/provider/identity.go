package provider

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNotAJWT indicates a token that does not parse as a JWT. Opaque tokens
// are common; callers treat this as "no identity hint", not a failure.
var ErrNotAJWT = errors.New("provider: token is not a JWT")

// wellKnownIdentityClaims are tried in order when resolving an identity from
// JWT claims or a usage payload.
var wellKnownIdentityClaims = []string{"email", "upn", "preferred_username"}

// JWTClaims decodes the payload of a JWT without verifying its signature.
// The token is only an identity hint carried alongside the real credential,
// so signature verification is deliberately skipped.
func JWTClaims(token string) (map[string]any, error) {
	if token == "" {
		return nil, ErrNotAJWT
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, ErrNotAJWT
	}
	return claims, nil
}

// identityFromClaims extracts an account identity from decoded JWT claims:
// well-known claim keys first, then a nested profile object.
func identityFromClaims(claims map[string]any) string {
	if claims == nil {
		return ""
	}
	if id := FirstString(claims, wellKnownIdentityClaims...); id != "" {
		return id
	}
	if profile, ok := claims["profile"].(map[string]any); ok {
		if id := FirstString(profile, wellKnownIdentityClaims...); id != "" {
			return id
		}
	}
	// Auth brokers namespace custom claims under a URL-ish key whose object
	// carries the profile.
	for _, v := range claims {
		if nested, ok := v.(map[string]any); ok {
			if id := FirstString(nested, wellKnownIdentityClaims...); id != "" {
				return id
			}
		}
	}
	return ""
}

// ResolveIdentity determines the account name for a probe result. Resolution
// order: an email-like string anywhere in the usage payload, well-known
// claim keys in the payload itself, claims of the access token, claims of
// the companion id token, and finally the opaque account id.
func ResolveIdentity(usagePayload map[string]any, accessToken, idToken, accountID string) string {
	if usagePayload != nil {
		if email := FindEmail(usagePayload); email != "" {
			return email
		}
		if id := FirstString(usagePayload, wellKnownIdentityClaims...); id != "" {
			return id
		}
	}
	if claims, err := JWTClaims(accessToken); err == nil {
		if id := identityFromClaims(claims); id != "" {
			return id
		}
	}
	if claims, err := JWTClaims(idToken); err == nil {
		if id := identityFromClaims(claims); id != "" {
			return id
		}
		if email := FindEmail(claims); email != "" {
			return email
		}
	}
	return accountID
}
