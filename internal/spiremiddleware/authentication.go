package spiremiddleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AuthKind distinguishes the authentication middleware's variants
// (spec.md §4.6).
type AuthKind int

const (
	AuthAPIKey AuthKind = iota
	AuthBasic
	AuthJWT
)

// AuthenticationMiddleware validates a request per its configured variant;
// failure short-circuits with 401 (spec.md §4.6/§7).
type AuthenticationMiddleware struct {
	Kind AuthKind

	// ApiKey
	HeaderOrQuery string
	Expected      string

	// Basic
	User string
	Pass string

	// Jwt
	Issuer   string
	Audience string
	JWKS     *JWKSCache
}

func (AuthenticationMiddleware) Name() string { return "authentication" }

func (m *AuthenticationMiddleware) OnRequest(ctx *Context, r *http.Request) (Outcome, error) {
	var ok bool
	switch m.Kind {
	case AuthAPIKey:
		ok = m.checkAPIKey(r)
	case AuthBasic:
		ok = m.checkBasic(r)
	case AuthJWT:
		ok = m.checkJWT(r)
	}
	if !ok {
		return Outcome{
			Decision:   ShortCircuit,
			StatusCode: http.StatusUnauthorized,
			Header:     http.Header{"WWW-Authenticate": []string{"Bearer"}},
			Body:       []byte("unauthorized\n"),
		}, nil
	}
	return Outcome{Decision: Continue}, nil
}

func (m *AuthenticationMiddleware) checkAPIKey(r *http.Request) bool {
	got := r.Header.Get(m.HeaderOrQuery)
	if got == "" {
		got = r.URL.Query().Get(m.HeaderOrQuery)
	}
	return constantTimeEqual(got, m.Expected)
}

func (m *AuthenticationMiddleware) checkBasic(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	return constantTimeEqual(user, m.User) && constantTimeEqual(pass, m.Pass)
}

func (m *AuthenticationMiddleware) checkJWT(r *http.Request) bool {
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		return false
	}
	raw := strings.TrimPrefix(authz, "Bearer ")

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(m.Issuer),
		jwt.WithAudience(m.Audience),
		jwt.WithExpirationRequired(),
	)
	_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return m.JWKS.Key(kid)
	})
	return err == nil
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (*AuthenticationMiddleware) OnResponse(*Context, *ResponseFacts) {}
