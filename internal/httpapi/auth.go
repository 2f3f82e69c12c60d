package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync/atomic"
)

// Roles.
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// Token is one API credential.
type Token struct {
	Name   string
	Secret string
	Role   string
}

// Principal is the authenticated caller.
type Principal struct {
	Name string
	Role string
}

type principalKey struct{}

// PrincipalFrom returns the caller attached by authenticate.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

type tokenTable struct {
	tokens []Token
}

func newTokenTable(tokens []Token) *tokenTable {
	out := make([]Token, 0, len(tokens))
	for _, t := range tokens {
		t.Secret = strings.TrimSpace(t.Secret)
		if t.Secret == "" {
			continue
		}
		t.Role = strings.ToLower(strings.TrimSpace(t.Role))
		out = append(out, t)
	}
	return &tokenTable{tokens: out}
}

func (t *tokenTable) lookup(secret string) (Principal, bool) {
	for _, tok := range t.tokens {
		if subtle.ConstantTimeCompare([]byte(tok.Secret), []byte(secret)) == 1 {
			return Principal{Name: tok.Name, Role: tok.Role}, true
		}
	}
	return Principal{}, false
}

type authenticator struct {
	table atomic.Pointer[tokenTable]
}

func (a *authenticator) set(tokens []Token) { a.table.Store(newTokenTable(tokens)) }

func (a *authenticator) empty() bool {
	t := a.table.Load()
	return t == nil || len(t.tokens) == 0
}

// authenticate accepts either:
//
//	Authorization: Bearer <token>
//
// or query param ?token=<token> (browsers cannot set headers on websockets).
// With no tokens configured every caller is an anonymous admin; Serve refuses
// to bind a non-loopback address in that case.
func (a *authenticator) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.empty() {
			next(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, Principal{Name: "anonymous", Role: RoleAdmin})))
			return
		}
		secret := r.URL.Query().Get("token")
		if secret == "" {
			ah := r.Header.Get("Authorization")
			const p = "Bearer "
			if !strings.HasPrefix(ah, p) {
				unauthorized(w)
				return
			}
			secret = strings.TrimSpace(strings.TrimPrefix(ah, p))
		}
		pr, ok := a.table.Load().lookup(secret)
		if !ok {
			unauthorized(w)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, pr)))
	}
}

// requireRole must run inside authenticate.
func requireRole(role string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok || p.Role != role {
			fail(w, http.StatusForbidden, "insufficient permissions")
			return
		}
		next(w, r)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	fail(w, http.StatusUnauthorized, "authentication required")
}
