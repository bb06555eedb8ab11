// Package auth issues and verifies HS256 bearer tokens for the HTTP API.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpired      = errors.New("auth: token expired")
)

const header = `{"alg":"HS256","typ":"JWT"}`

type claims struct {
	Sub string `json:"sub"`
	Iat int64  `json:"iat"`
	Exp int64  `json:"exp"`
}

// Authenticator signs and checks tokens with a shared secret.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithTTL sets the lifetime of issued tokens (default 24h).
func WithTTL(d time.Duration) Option {
	return func(a *Authenticator) { a.ttl = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

// New returns an Authenticator for secret.
func New(secret string, opts ...Option) (*Authenticator, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("auth: secret must be at least 16 bytes")
	}
	a := &Authenticator{
		secret: []byte(secret),
		ttl:    24 * time.Hour,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Authenticator) sign(payload string) string {
	h := hmac.New(sha256.New, a.secret)
	_, _ = h.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// Issue returns a token for userID.
func (a *Authenticator) Issue(userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("auth: user id is required")
	}
	now := a.now()
	b, err := json.Marshal(claims{Sub: userID, Iat: now.Unix(), Exp: now.Add(a.ttl).Unix()})
	if err != nil {
		return "", fmt.Errorf("auth: encode claims: %w", err)
	}
	hdr := base64.RawURLEncoding.EncodeToString([]byte(header))
	payload := base64.RawURLEncoding.EncodeToString(b)
	return hdr + "." + payload + "." + a.sign(hdr+"."+payload), nil
}

// Verify checks token and returns its user id.
func (a *Authenticator) Verify(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", ErrInvalidToken
	}
	expected := a.sign(parts[0] + "." + parts[1])
	if !hmac.Equal([]byte(expected), []byte(parts[2])) {
		return "", ErrInvalidToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", ErrInvalidToken
	}
	var c claims
	if err := json.Unmarshal(raw, &c); err != nil || c.Sub == "" {
		return "", ErrInvalidToken
	}
	if c.Exp <= a.now().Unix() {
		return "", ErrExpired
	}
	return c.Sub, nil
}
