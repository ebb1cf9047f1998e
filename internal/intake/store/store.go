package store

import (
	"context"
	"errors"

	"github.com/harbourhealth/intake/internal/intake/domain"
)

var (
	// ErrNotFound is returned when the requested record is absent. The load
	// paths also map unreadable or corrupt records to ErrNotFound: a broken
	// local profile is treated as "logged out" / "no session", never as a
	// condition that blocks the app.
	ErrNotFound = errors.New("store: not found")
)

// Store is the root data access interface over the local profile database.
// One Store instance backs exactly one browser-profile equivalent: a single
// credential set and at most one live onboarding session.
type Store interface {
	Credentials() Credentials
	Onboarding() Onboarding

	ApplyMigrations() error

	// Tx starts a read/write transaction and returns a Tx-scoped Store.
	// The caller MUST call Commit() or Rollback() on the returned Tx.
	Tx(ctx context.Context) (Tx, error)

	// WithTx executes fn within a transaction, rolling back when fn errors
	// and committing otherwise. Multi-record writes that must be observed
	// atomically (the token scalars, token + profile) go through this.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases the underlying database handle.
	Close() error

	// Ping verifies the database connection is still alive.
	Ping(ctx context.Context) error
}

// Tx is a transactional store.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

// Credentials persists the current TokenSet and the user profile cached
// alongside it. Save replaces both atomically so no reader ever observes a
// token set with mismatched fields or a profile belonging to older tokens.
type Credentials interface {
	// Save atomically replaces the stored token scalars and cached profile.
	Save(ctx context.Context, tokens domain.TokenSet, user domain.User) error

	// TokenSet loads the stored tokens. Missing or unparsable entries
	// return ErrNotFound.
	TokenSet(ctx context.Context) (domain.TokenSet, error)

	// User loads the cached profile. Missing or unparsable entries return
	// ErrNotFound.
	User(ctx context.Context) (domain.User, error)

	// Clear removes all credential entries. Clearing an empty store is a
	// no-op, not an error.
	Clear(ctx context.Context) error
}

// Onboarding persists the single live onboarding session as one document.
type Onboarding interface {
	// SaveSession upserts the full session document under the fixed
	// session key, replacing any prior session.
	SaveSession(ctx context.Context, s domain.OnboardingSession) error

	// Session loads the live session. ErrNotFound when none exists or the
	// stored document does not parse.
	Session(ctx context.Context) (domain.OnboardingSession, error)

	// DeleteSession removes the live session if present.
	DeleteSession(ctx context.Context) error
}
