package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuerIssuesAccessTokens(testContext *testing.T) {
	now := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		TokenTTL:      30 * time.Minute,
		Clock:         func() time.Time { return now },
	})
	if err != nil {
		testContext.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, expiresAt, err := issuer.Issue("reviewer")
	if err != nil {
		testContext.Fatalf("expected successful issuance: %v", err)
	}
	if !expiresAt.Equal(now.Add(30 * time.Minute)) {
		testContext.Fatalf("unexpected expiry %s", expiresAt)
	}

	parser := jwt.NewParser(jwt.WithTimeFunc(func() time.Time { return now }))
	claims := &jwt.RegisteredClaims{}
	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		testContext.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "reviewer" {
		testContext.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != DefaultIssuer {
		testContext.Fatalf("unexpected issuer %s", claims.Issuer)
	}
}

func TestTokenIssuerRejectsMissingSecret(testContext *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{}); err != ErrMissingSigningSecret {
		testContext.Fatalf("expected ErrMissingSigningSecret, got %v", err)
	}
}

func TestTokenIssuerRejectsEmptySubject(testContext *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("secret")})
	if err != nil {
		testContext.Fatalf("unexpected constructor error: %v", err)
	}
	if _, _, err := issuer.Issue("  "); err != ErrMissingSubject {
		testContext.Fatalf("expected ErrMissingSubject, got %v", err)
	}
}
