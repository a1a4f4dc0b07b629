// Package auth issues and verifies the signed links that let an invitee
// answer a co-signing request without signing in.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "docket"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// ResponseClaims identify one endorsement invitation.
type ResponseClaims struct {
	SuggestionID int64  `json:"sid"`
	InviteeRef   string `json:"inv"`
	jwt.RegisteredClaims
}

func IssueResponseToken(secret []byte, suggestionID int64, inviteeRef string, now time.Time, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("issue response token: empty secret")
	}
	claims := ResponseClaims{
		SuggestionID: suggestionID,
		InviteeRef:   inviteeRef,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   inviteeRef,
			Audience:  jwt.ClaimStrings{"suggestion:" + strconv.FormatInt(suggestionID, 10)},
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign response token: %w", err)
	}
	return signed, nil
}

// ParseResponseToken verifies the signature and expiry against now.
func ParseResponseToken(secret []byte, token string, now time.Time) (ResponseClaims, error) {
	var claims ResponseClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ResponseClaims{}, ErrExpiredToken
		}
		return ResponseClaims{}, ErrInvalidToken
	}
	if claims.SuggestionID <= 0 || claims.InviteeRef == "" {
		return ResponseClaims{}, ErrInvalidToken
	}
	return claims, nil
}
