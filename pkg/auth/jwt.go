package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTVerifier verifies bearer tokens locally against a shared signing key.
//
// Tokens are expected to be HMAC-signed and to carry a "userId" claim
// identifying the caller. Expiry and signature are enforced by the parser.
type JWTVerifier struct {
	signingKey []byte
	methods    []string
}

// NewJWTVerifier creates a verifier for HS256-signed tokens
func NewJWTVerifier(signingKey string) *JWTVerifier {
	return &JWTVerifier{
		signingKey: []byte(signingKey),
		methods:    []string{jwt.SigningMethodHS256.Alg()},
	}
}

// Verify parses and validates the bearer token. The "Bearer " prefix is
// accepted and stripped.
func (v *JWTVerifier) Verify(ctx context.Context, credential string) (Identity, error) {
	token := strings.TrimPrefix(credential, "Bearer ")
	if token == "" {
		return Identity{}, ErrMissingCredential
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, v.keyFunc, jwt.WithValidMethods(v.methods))
	if err != nil {
		return Identity{}, fmt.Errorf("%v: %w", err, ErrInvalidCredential)
	}
	if !parsed.Valid {
		return Identity{}, ErrInvalidCredential
	}

	userID, _ := claims["userId"].(string)
	if userID == "" {
		return Identity{}, fmt.Errorf("token missing userId claim: %w", ErrInvalidCredential)
	}

	return Identity{Subject: userID}, nil
}

// keyFunc returns the shared signing key for any HMAC token
func (v *JWTVerifier) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %q", token.Method.Alg())
	}
	return v.signingKey, nil
}
