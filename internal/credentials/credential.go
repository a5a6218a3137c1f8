package credentials

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultLifetime applies when the access token carries no readable exp claim.
	DefaultLifetime = 15 * time.Minute

	// RefreshThreshold is the remaining lifetime under which GetValidToken renews.
	RefreshThreshold = time.Minute

	renewalLead     = 2 * time.Minute
	minRenewalDelay = time.Minute
)

// Credential is the access/refresh token pair with its computed expiry.
// It is replaced wholesale on every renewal.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64 // epoch milliseconds
}

// NewCredential builds a credential whose expiry comes from the access token's
// exp claim when decodable, else now + DefaultLifetime.
func NewCredential(accessToken, refreshToken string, now time.Time) Credential {
	expiresAt := now.Add(DefaultLifetime)
	if exp, ok := tokenExpiry(accessToken); ok {
		expiresAt = exp
	}
	return Credential{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt.UnixMilli(),
	}
}

// Expiry returns ExpiresAt as a time.Time
func (c Credential) Expiry() time.Time {
	return time.UnixMilli(c.ExpiresAt)
}

// Remaining returns the lifetime left at now (negative once expired)
func (c Credential) Remaining(now time.Time) time.Duration {
	return time.Duration(c.ExpiresAt-now.UnixMilli()) * time.Millisecond
}

// Expired reports whether the access token is past its expiry at now
func (c Credential) Expired(now time.Time) bool {
	return c.Remaining(now) <= 0
}

// NeedsRenewal reports whether less than RefreshThreshold remains
func (c Credential) NeedsRenewal(now time.Time) bool {
	return c.Remaining(now) < RefreshThreshold
}

// RenewalDelay is how long to wait before the proactive renewal of c:
// two minutes before expiry, but never sooner than one minute from now.
func RenewalDelay(c Credential, now time.Time) time.Duration {
	delay := c.Remaining(now) - renewalLead
	if delay < minRenewalDelay {
		return minRenewalDelay
	}
	return delay
}

// tokenExpiry reads the exp claim without verifying the signature; the
// gateway only needs the timing hint, the upstream does the verification.
func tokenExpiry(accessToken string) (time.Time, bool) {
	if accessToken == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Store holds the current credential. Only the Manager writes to it.
type Store struct {
	mu      sync.RWMutex
	current *Credential
}

// Get returns a copy of the current credential
func (s *Store) Get() (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return Credential{}, false
	}
	return *s.current, true
}

// Set replaces the current credential
func (s *Store) Set(c Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = &c
}

// Clear discards the current credential
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
}
