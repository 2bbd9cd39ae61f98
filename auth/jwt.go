package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims is the claim set a JWTAuthenticator expects the api_key
// token to carry. UserID becomes the registry's user_id; Platforms,
// if non-empty, restricts which platform values the token may connect
// under.
type JWTClaims struct {
	UserID    string   `json:"user_id"`
	Platforms []string `json:"platforms,omitempty"`

	jwt.RegisteredClaims
}

// JWTAuthenticator treats the connect-time api_key as a signed bearer
// token rather than an opaque string: Authenticate verifies the
// signature and expiry, ExtractUser pulls the stable user id from the
// validated claims' "user_id" claim, falling back to "sub" when
// user_id is empty.
//
// SECURITY: the signing method is pinned to HMAC; tokens presenting
// any other "alg" are rejected to prevent algorithm-substitution
// attacks, the same check the teacher's JWTManager.ValidateToken applies.
type JWTAuthenticator struct {
	SecretKey []byte
}

// NewJWTAuthenticator builds a JWTAuthenticator signing/verifying with
// the given HMAC secret.
func NewJWTAuthenticator(secretKey string) *JWTAuthenticator {
	return &JWTAuthenticator{SecretKey: []byte(secretKey)}
}

func (j *JWTAuthenticator) parse(meta ConnectMetadata) (*JWTClaims, error) {
	if meta.APIKey == "" {
		return nil, errors.New("auth: empty api_key")
	}

	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(meta.APIKey, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
		}
		return j.SecretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token")
	}

	if len(claims.Platforms) > 0 {
		allowed := false
		for _, p := range claims.Platforms {
			if p == meta.Platform {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, fmt.Errorf("auth: token not authorized for platform %q", meta.Platform)
		}
	}

	return claims, nil
}

// Authenticate implements Authenticator.
func (j *JWTAuthenticator) Authenticate(_ context.Context, meta ConnectMetadata) (bool, error) {
	if _, err := j.parse(meta); err != nil {
		return false, err
	}
	return true, nil
}

// ExtractUser implements Authenticator.
func (j *JWTAuthenticator) ExtractUser(_ context.Context, meta ConnectMetadata) (string, error) {
	claims, err := j.parse(meta)
	if err != nil {
		return "", err
	}
	if claims.UserID != "" {
		return claims.UserID, nil
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	return "", errors.New("auth: token carries no user identifier")
}
