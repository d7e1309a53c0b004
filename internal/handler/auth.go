package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type ownerKey struct{}

// Authenticator requires a bearer JWT signed with secret and stores its
// subject as the owner id of the request.
func Authenticator(secret []byte, issuer string) func(http.Handler) http.Handler {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
				return
			}

			claims := &jwt.RegisteredClaims{}
			_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
				return secret, nil
			})
			if err != nil {
				code := "UNAUTHORIZED"
				if errors.Is(err, jwt.ErrTokenExpired) {
					code = "INVALID_OR_EXPIRED_TOKEN"
				}
				writeError(w, r, http.StatusUnauthorized, code, "invalid token")
				return
			}
			if claims.Subject == "" {
				writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "token has no subject")
				return
			}

			ctx := context.WithValue(r.Context(), ownerKey{}, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OwnerFrom returns the owner id stored by Authenticator.
func OwnerFrom(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerKey{}).(string)
	return owner, ok && owner != ""
}

// IssueToken signs a token for owner, valid for ttl (forever when ttl is zero).
func IssueToken(secret []byte, issuer, owner string, ttl time.Duration) (string, error) {
	if owner == "" {
		return "", fmt.Errorf("owner is required")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  owner,
		Issuer:   issuer,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
