// Package auth verifies the session tokens issued by the identity provider
// and turns them into an explicit models.Actor.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/emergency-dispatch/internal/apperr"
	"github.com/example/emergency-dispatch/internal/models"
)

// Claims is the token payload: the subject is the user id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewVerifier(secret, issuer string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Verify parses raw and returns the actor it names.
func (v *Verifier) Verify(raw string) (models.Actor, error) {
	const op = "auth.Verify"
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	var c Claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) { return v.secret, nil }, opts...)
	if err != nil {
		return models.Actor{}, apperr.Wrap(apperr.KindUnauthenticated, op, err)
	}
	if c.Subject == "" {
		return models.Actor{}, apperr.E(apperr.KindUnauthenticated, op, "token has no subject")
	}
	role, err := models.ParseRole(c.Role)
	if err != nil {
		return models.Actor{}, apperr.Wrap(apperr.KindUnauthenticated, op, err)
	}
	return models.Actor{ID: c.Subject, Role: role}, nil
}

// Issue signs a token for actor valid for ttl. The server uses it for the
// dev token command; production tokens come from the identity provider.
func (v *Verifier) Issue(actor models.Actor, ttl time.Duration) (string, error) {
	now := v.now()
	c := Claims{
		Role: string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
}

// TokenFromRequest reads a bearer token from the Authorization header, or
// from the access_token query parameter for browser streaming clients that
// cannot set headers.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}
