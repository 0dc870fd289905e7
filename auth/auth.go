// Package auth validates the bearer tokens issued to pipeline workers and
// users, and exposes the authenticated principal to request handlers.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is an authenticated caller.
type Principal struct {
	// Username owns the nodes and events the caller creates.
	Username string
	// Groups are the user groups the caller belongs to.
	Groups []string
}

// Claims is the JWT payload. Subject carries the username.
type Claims struct {
	jwt.RegisteredClaims
	Groups []string `json:"groups,omitempty"`
}

// Options configures a Validator.
type Options struct {
	// Secret is the HS256 signing key.
	Secret string
}

// Validator verifies bearer tokens and issues them for local use.
type Validator struct {
	secret []byte
}

// New creates a validator.
func New(opts Options) (*Validator, error) {
	if opts.Secret == "" {
		return nil, errors.New("secret key is required")
	}
	return &Validator{secret: []byte(opts.Secret)}, nil
}

// IssueToken creates a signed HS256 token for username. A non-positive ttl
// issues a token without expiry, as used by long-lived pipeline workers.
func (v *Validator) IssueToken(username string, groups []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  username,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Groups: groups,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Verify validates the token signature and expiry and returns the
// principal it names.
func (v *Validator) Verify(raw string) (*Principal, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.New("token expired")
		}
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return &Principal{Username: claims.Subject, Groups: claims.Groups}, nil
}

type ctxKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// PrincipalFrom returns the principal attached to ctx, if any.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok
}

// Require rejects requests that do not carry a valid bearer token and
// attaches the principal to the request context otherwise.
func (v *Validator) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := v.fromRequest(r)
		if err != nil {
			unauthorized(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// Optional lets anonymous requests through and attaches the principal when
// a token is present. A present but invalid token is still rejected.
func (v *Validator) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			next.ServeHTTP(w, r)
			return
		}
		p, err := v.fromRequest(r)
		if err != nil {
			unauthorized(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func (v *Validator) fromRequest(r *http.Request) (*Principal, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, errors.New("missing authorization header")
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil, errors.New("authorization header is not a bearer token")
	}
	return v.Verify(raw)
}

func unauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": err.Error()})
}
