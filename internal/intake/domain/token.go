package domain

import "time"

// TokenSet is the credential triple the identity provider hands back on
// login and refresh, plus its issuance window. A TokenSet is always replaced
// wholesale; individual fields are never updated in place so a reader can
// never observe mismatched tokens.
type TokenSet struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// Valid reports whether the tokens are still usable at the given instant.
func (t TokenSet) Valid(now time.Time) bool {
	return now.Before(t.ExpiresAt)
}

// FreshFor reports whether the tokens will remain valid for at least margin
// beyond now. Callers use this to decide between returning the cached token
// and refreshing first.
func (t TokenSet) FreshFor(now time.Time, margin time.Duration) bool {
	return t.ExpiresAt.Sub(now) >= margin
}
