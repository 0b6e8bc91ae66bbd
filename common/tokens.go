package common

import (
	"fmt"
	"time"
)

// TokenSet is the result of a successful token request. It's never modified
// in place: each renewal produces a new TokenSet.
type TokenSet struct {
	AccessToken string
	// RefreshToken is empty when the server didn't return one; the next
	// renewal must then use the full credentials.
	RefreshToken string
	// ExpiresIn is the validity period stated by the server, in seconds.
	ExpiresIn int
	// ObtainedAt is when the response was received.
	ObtainedAt time.Time

	// Seq orders token sets: it's assigned by tokens.Store and grows with each
	// renewal. Zero means "not stored yet".
	Seq uint64
}

// Valid reports whether the token set can be used at all.
func (ts TokenSet) Valid() bool {
	return ts.AccessToken != "" && ts.ExpiresIn > 0
}

// HasRefreshToken reports whether the refresh grant can be used for the next
// renewal.
func (ts TokenSet) HasRefreshToken() bool {
	return ts.RefreshToken != ""
}

// Validity returns ExpiresIn as a duration.
func (ts TokenSet) Validity() time.Duration {
	return time.Duration(ts.ExpiresIn) * time.Second
}

// ExpiresAt returns the nominal expiry time.
func (ts TokenSet) ExpiresAt() time.Time {
	return ts.ObtainedAt.Add(ts.Validity())
}

// RenewAt returns the time at which the given fraction of the validity has
// elapsed.
func (ts TokenSet) RenewAt(fraction float64) time.Time {
	return ts.ObtainedAt.Add(time.Duration(float64(ts.Validity()) * fraction))
}

// LazyRenewAt returns the renewal deadline used when tokens are renewed on
// demand. Short-lived tokens are renewed at 90% of their validity; tokens
// valid for threshold or longer are renewed after margin, since a disconnect
// may need a fresh token long before the nominal expiry.
func (ts TokenSet) LazyRenewAt(threshold, margin time.Duration) time.Time {
	if ts.Validity() < threshold {
		return ts.RenewAt(0.9)
	}

	return ts.ObtainedAt.Add(margin)
}

func (ts TokenSet) String() string {
	refresh := "none"
	if ts.HasRefreshToken() {
		refresh = abbrev(ts.RefreshToken)
	}

	return fmt.Sprintf(
		"token #%d %s (refresh: %s, expires_in: %ds)",
		ts.Seq, abbrev(ts.AccessToken), refresh, ts.ExpiresIn,
	)
}

// abbrev masks a secret for logging; only long ones keep a few characters at
// both ends, to tell them apart.
func abbrev(s string) string {
	if len(s) < minAbbrevLen {
		return "****"
	}

	return s[:4] + "..." + s[len(s)-4:]
}

const minAbbrevLen = 32
