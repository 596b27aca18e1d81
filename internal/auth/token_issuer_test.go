package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuerIssuesBackendTokens(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "notewell-api",
		Audience:      "notewell-api",
		TokenTTL:      30 * time.Minute,
	})

	tokenString, expiresIn, err := issuer.IssueBackendToken(context.Background(), IdentityClaims{
		Subject:     "user-123",
		Email:       "user@example.com",
		DisplayName: "User",
	})
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}

	if expiresIn <= 0 {
		t.Fatalf("expected positive expiry seconds, got %d", expiresIn)
	}

	parser := jwt.Parser{}
	claims := &sessionClaims{}

	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}

	if claims.Subject != "user-123" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != "notewell-api" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "notewell-api" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
	if claims.Email != "user@example.com" {
		t.Fatalf("unexpected email claim %s", claims.Email)
	}
}

func TestTokenIssuerRejectsMissingSecret(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: nil,
		Issuer:        "notewell-api",
		Audience:      "notewell-api",
		TokenTTL:      30 * time.Minute,
	})

	_, _, err := issuer.IssueBackendToken(context.Background(), IdentityClaims{Subject: "user-1"})
	if err == nil {
		t.Fatalf("expected issuance error for missing secret")
	}

	_, err = issuer.ValidateToken("whatever")
	if err == nil {
		t.Fatalf("expected validation error for missing secret")
	}
}

func TestTokenIssuerRejectsMissingSubject(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "notewell-api",
		Audience:      "notewell-api",
		TokenTTL:      time.Minute,
	})

	_, _, err := issuer.IssueBackendToken(context.Background(), IdentityClaims{})
	if err == nil {
		t.Fatalf("expected issuance error for empty subject")
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("another-secret"),
		Issuer:        "notewell-api",
		Audience:      "notewell-api",
		TokenTTL:      15 * time.Minute,
	})

	tokenString, _, err := issuer.IssueBackendToken(context.Background(), IdentityClaims{Subject: "user-321"})
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	subject, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if subject != "user-321" {
		t.Fatalf("unexpected subject %s", subject)
	}

	_, err = issuer.ValidateToken("invalid.token")
	if err == nil {
		t.Fatalf("expected validation to fail for malformed token")
	}
}

func TestTokenIssuerRejectsExpiredTokens(t *testing.T) {
	issuedAt := time.Date(2026, time.January, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return issuedAt }

	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "notewell-api",
		Audience:      "notewell-api",
		TokenTTL:      5 * time.Minute,
		Clock:         clock,
	})

	tokenString, _, err := issuer.IssueBackendToken(context.Background(), IdentityClaims{Subject: "user-9"})
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	lateClock := func() time.Time { return issuedAt.Add(time.Hour) }
	lateIssuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "notewell-api",
		Audience:      "notewell-api",
		TokenTTL:      5 * time.Minute,
		Clock:         lateClock,
	})

	if _, err := lateIssuer.ValidateToken(tokenString); err == nil {
		t.Fatalf("expected validation to fail for expired token")
	}
}

func TestTokenIssuerRejectsWrongAudience(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "notewell-api",
		Audience:      "notewell-api",
		TokenTTL:      time.Minute,
	})
	other := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "notewell-api",
		Audience:      "some-other-service",
		TokenTTL:      time.Minute,
	})

	tokenString, _, err := other.IssueBackendToken(context.Background(), IdentityClaims{Subject: "user-5"})
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	if _, err := issuer.ValidateToken(tokenString); err == nil {
		t.Fatalf("expected validation to fail for audience mismatch")
	}
}
