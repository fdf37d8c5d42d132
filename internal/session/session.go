// Package session holds the authorization context of one user. The token is
// issued elsewhere; this package only carries it and reads its claims.
package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"canteen/internal/canteenapi"

	"github.com/golang-jwt/jwt/v5"
)

// Credential is an immutable bearer token plus the claims read from it.
// Subject and ExpiresAt are zero for opaque (non-JWT) tokens.
type Credential struct {
	Token     string
	Subject   string
	ExpiresAt time.Time
}

// IsZero reports whether no token is present.
func (c Credential) IsZero() bool { return c.Token == "" }

// Expired reports whether the token carries an exp claim in the past.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Check returns ErrUnauthorized for a missing or expired credential.
func (c Credential) Check(now time.Time) error {
	if c.IsZero() {
		return fmt.Errorf("no credential: %w", canteenapi.ErrUnauthorized)
	}
	if c.Expired(now) {
		return fmt.Errorf("credential expired at %s: %w", c.ExpiresAt.Format(time.RFC3339), canteenapi.ErrUnauthorized)
	}
	return nil
}

// ParseCredential wraps a raw token. JWT claims are read without signature
// verification; the backend stays the authority on validity.
func ParseCredential(raw string) (Credential, error) {
	raw = stripBearer(raw)
	if raw == "" || strings.EqualFold(raw, "bearer") {
		return Credential{}, fmt.Errorf("empty token: %w", canteenapi.ErrUnauthorized)
	}
	cred := Credential{Token: raw}
	if strings.Count(raw, ".") != 2 {
		return cred, nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return Credential{}, fmt.Errorf("malformed token: %w", canteenapi.ErrUnauthorized)
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		cred.ExpiresAt = exp.Time
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		cred.Subject = sub
	} else if id, ok := claims["id"].(string); ok {
		cred.Subject = id
	}
	return cred, nil
}

// stripBearer drops a case-insensitive "Bearer" scheme followed by
// whitespace.
func stripBearer(raw string) string {
	raw = strings.TrimSpace(raw)
	const scheme = "bearer"
	if len(raw) > len(scheme) && strings.EqualFold(raw[:len(scheme)], scheme) && (raw[len(scheme)] == ' ' || raw[len(scheme)] == '\t') {
		raw = strings.TrimSpace(raw[len(scheme):])
	}
	return raw
}

// Context is the explicit session object created at startup and passed to
// whoever performs authorized operations.
type Context struct {
	mu   sync.RWMutex
	cred Credential
	now  func() time.Time
}

// New creates an empty session.
func New() *Context {
	return &Context{now: time.Now}
}

// NewWithToken creates a session already logged in with token.
func NewWithToken(token string) (*Context, error) {
	s := New()
	if err := s.Login(token); err != nil {
		return nil, err
	}
	return s, nil
}

// Login replaces the current credential.
func (s *Context) Login(token string) error {
	cred, err := ParseCredential(token)
	if err != nil {
		return err
	}
	if err := cred.Check(s.now()); err != nil {
		return err
	}
	s.mu.Lock()
	s.cred = cred
	s.mu.Unlock()
	return nil
}

// Logout clears the credential.
func (s *Context) Logout() {
	s.mu.Lock()
	s.cred = Credential{}
	s.mu.Unlock()
}

// Credential returns the current credential or ErrUnauthorized when there
// is none or it has expired.
func (s *Context) Credential() (Credential, error) {
	s.mu.RLock()
	cred := s.cred
	s.mu.RUnlock()
	if err := cred.Check(s.now()); err != nil {
		return Credential{}, err
	}
	return cred, nil
}

// LoggedIn reports whether a usable credential is present.
func (s *Context) LoggedIn() bool {
	_, err := s.Credential()
	return err == nil
}
