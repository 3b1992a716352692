// Package auth implements collab.AuthVerifier (spec.md §6.4) against
// HS256-signed JWTs, the authentication scheme Electric's Satellite
// clients present on the authenticate RPC.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v4"

	"github.com/electric-sql/electric/internal/collab"
)

// ErrTokenRejected wraps every verification failure this package
// produces, so a caller can distinguish "bad token" from a transport-
// level error without inspecting jwt's own error taxonomy.
var ErrTokenRejected = errors.New("auth: token rejected")

// Claims is the token body Electric expects: a subject identifying the
// client, matching req.ID on the wire.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens against a shared secret.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: secret is required")
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify implements collab.AuthVerifier. id must match the token's
// subject claim (spec.md §4.2: authenticate{id, token}); headers are
// accepted but unused by this scheme, present only so the interface
// stays shaped for auth schemes (mTLS, signed request headers) that do
// need them.
func (v *JWTVerifier) Verify(ctx context.Context, id, token string, headers []string) (collab.Identity, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return collab.Identity{}, fmt.Errorf("%w: %v", ErrTokenRejected, err)
	}
	if !parsed.Valid {
		return collab.Identity{}, fmt.Errorf("%w: token not valid", ErrTokenRejected)
	}
	if claims.Subject != id {
		return collab.Identity{}, fmt.Errorf("%w: subject %q does not match id %q", ErrTokenRejected, claims.Subject, id)
	}
	return collab.Identity{ID: claims.Subject}, nil
}
