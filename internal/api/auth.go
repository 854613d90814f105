package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type ownerKey struct{}

// WithOwner returns a context carrying the caller's owner id.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerID)
}

// OwnerFromContext returns the owner id set by JWTAuth.
func OwnerFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ownerKey{}).(string)
	return id, ok && id != ""
}

// JWTAuth accepts HS256 bearer tokens signed with secret. The token's sub
// claim becomes the owner id of the request.
func JWTAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner, err := ownerFromRequest(r, secret)
			if err != nil {
				httpError(w, http.StatusUnauthorized, "authentication_error", "%v", err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
		})
	}
}

func ownerFromRequest(r *http.Request, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("authentication is not configured on this server")
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", errors.New("invalid or missing bearer token")
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(auth[len(prefix):], &claims,
		func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return "", errors.New("invalid or missing bearer token")
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// MintToken signs an HS256 token for ownerID. A zero ttl yields a token
// without expiry.
func MintToken(secret []byte, ownerID string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("jwt secret is empty; set DOCQA_JWT_SECRET")
	}
	if ownerID == "" {
		return "", errors.New("owner id is required")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  ownerID,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
