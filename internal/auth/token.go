// Package auth issues and verifies the HS256 tokens that identify callers of
// the HTTP API and the live-connection endpoint. The token subject is the
// user ID.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// CookieName is the cookie that carries the token for browser clients.
const CookieName = "token"

var (
	// ErrNoToken is returned when a request carries no token.
	ErrNoToken = errors.New("auth: no token")

	// ErrInvalidToken is returned for tokens that fail verification.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Options controls signing.
type Options struct {
	Secret []byte
	TTL    time.Duration
}

// DefaultOptions returns HS256 options with a 15-day TTL, matching the
// lifetime of the login cookie.
func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, TTL: 15 * 24 * time.Hour}
}

// Issuer signs and verifies tokens.
type Issuer struct {
	opts Options
	now  func() time.Time
}

// NewIssuer creates an Issuer. An empty secret is rejected.
func NewIssuer(opts Options) (*Issuer, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("auth: secret is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultOptions(nil).TTL
	}
	return &Issuer{opts: opts, now: time.Now}, nil
}

// Issue returns a signed token for userID and its expiry.
func (i *Issuer) Issue(userID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, errors.New("auth: user id is required")
	}
	now := i.now()
	exp := now.Add(i.opts.TTL)

	claims := jwtlib.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwtlib.NewNumericDate(now),
		NotBefore: jwtlib.NewNumericDate(now),
		ExpiresAt: jwtlib.NewNumericDate(exp),
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(i.opts.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign: %w", err)
	}
	return signed, exp, nil
}

// Verify checks the token's signature and validity window and returns its
// subject.
func (i *Issuer) Verify(token string) (string, error) {
	var claims jwtlib.RegisteredClaims
	parsed, err := jwtlib.ParseWithClaims(token, &claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return i.opts.Secret, nil
	},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithTimeFunc(i.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// TokenFromRequest extracts a token from the Authorization bearer header, the
// token cookie, or, when allowQuery is set, the token query parameter, in
// that order.
func TokenFromRequest(r *http.Request, allowQuery bool) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):]), nil
		}
	}
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value, nil
	}
	if allowQuery {
		if t := r.URL.Query().Get("token"); t != "" {
			return t, nil
		}
	}
	return "", ErrNoToken
}

// Authenticate verifies the request's token and returns the user ID.
func (i *Issuer) Authenticate(r *http.Request) (string, error) {
	token, err := TokenFromRequest(r, false)
	if err != nil {
		return "", err
	}
	return i.Verify(token)
}

// LiveIdentity resolves the user of a live-connection request. The claimed
// userId query parameter must match the token subject; browsers cannot set
// headers on WebSocket requests, so the token may also come from the query.
func (i *Issuer) LiveIdentity(r *http.Request) (string, error) {
	claimed := r.URL.Query().Get("userId")

	token, err := TokenFromRequest(r, true)
	if err != nil {
		return claimed, err
	}
	subject, err := i.Verify(token)
	if err != nil {
		return claimed, err
	}
	if claimed != subject {
		return claimed, fmt.Errorf("%w: userId does not match token subject", ErrInvalidToken)
	}
	return subject, nil
}
