// Package auth checks bearer tokens presented to the status API.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Scopes understood by the status API. "*" grants everything.
const (
	ScopeRunsRead   = "runs:ro"
	ScopeEventsRead = "events:ro"
	ScopeAll        = "*"
)

// QueryTokenParam carries the token for clients that cannot set headers,
// such as a browser EventSource.
const QueryTokenParam = "access_token"

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrMalformed    = errors.New("invalid Authorization header format")
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// Principal is an authenticated caller. Index is the position of the matched
// token in the configured list, or -1 for the open API.
type Principal struct {
	Index  int
	Scopes map[string]struct{}
}

// Anonymous is the principal used when no tokens are configured.
func Anonymous() Principal {
	return Principal{Index: -1, Scopes: map[string]struct{}{ScopeAll: {}}}
}

// KnownScope reports whether s is a scope the API checks.
func KnownScope(s string) bool {
	switch strings.TrimSpace(s) {
	case ScopeRunsRead, ScopeEventsRead, ScopeAll:
		return true
	}
	return false
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ExtractBearerToken reads the token from the Authorization header, falling back
// to the access_token query parameter. The scheme is matched case-insensitively.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if token := strings.TrimSpace(r.URL.Query().Get(QueryTokenParam)); token != "" {
			return token, nil
		}
		return "", ErrMissingToken
	}

	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMalformed
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" || len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Authenticate matches a presented bearer token against configured tokens.
func Authenticate(presented string, tokens []TokenConfig) (Principal, bool) {
	for i, t := range tokens {
		if constantTimeEqual(presented, t.Token) {
			return Principal{Index: i, Scopes: normalizeScopes(t.Scopes)}, true
		}
	}
	return Principal{}, false
}

func normalizeScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			out[s] = struct{}{}
		}
	}
	return out
}

// HasAnyScope reports whether p holds "*" or one of required.
func HasAnyScope(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}
