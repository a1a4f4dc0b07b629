package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndParseResponseToken(t *testing.T) {
	secret := []byte("secret")
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	issued, err := IssueResponseToken(secret, 42, "R7", now, time.Hour)
	if err != nil {
		t.Fatalf("IssueResponseToken() error = %v", err)
	}
	claims, err := ParseResponseToken(secret, issued, now.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("ParseResponseToken() error = %v", err)
	}
	if claims.SuggestionID != 42 || claims.InviteeRef != "R7" || claims.ID == "" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseResponseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	issued, err := IssueResponseToken(secret, 42, "R7", now, time.Hour)
	if err != nil {
		t.Fatalf("IssueResponseToken() error = %v", err)
	}
	if _, err := ParseResponseToken(secret, issued, now.Add(2*time.Hour)); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseResponseTokenRejectsTampering(t *testing.T) {
	now := time.Now()
	issued, err := IssueResponseToken([]byte("secret"), 42, "R7", now, time.Hour)
	if err != nil {
		t.Fatalf("IssueResponseToken() error = %v", err)
	}

	cases := map[string]string{
		"wrong secret": issued,
		"garbage":      "not-a-token",
		"truncated":    issued[:strings.LastIndex(issued, ".")],
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			secret := []byte("secret")
			if name == "wrong secret" {
				secret = []byte("other")
			}
			if _, err := ParseResponseToken(secret, token, now); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestParseResponseTokenRejectsOtherAlgorithms(t *testing.T) {
	claims := ResponseClaims{
		SuggestionID: 1,
		InviteeRef:   "R1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := ParseResponseToken([]byte("secret"), unsigned, time.Now()); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestIssueResponseTokenRequiresSecret(t *testing.T) {
	if _, err := IssueResponseToken(nil, 1, "R1", time.Now(), time.Hour); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
