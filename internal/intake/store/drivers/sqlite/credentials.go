package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/harbourhealth/intake/internal/intake/domain"
	"github.com/harbourhealth/intake/internal/intake/store"
	"github.com/harbourhealth/intake/pkg/cryptox"
)

// Credential entry keys. These are the five token scalars plus the cached
// profile described by the persisted state layout.
const (
	keyAccessToken  = "access_token"
	keyIDToken      = "id_token"
	keyRefreshToken = "refresh_token"
	keyIssuedAt     = "issued_at"
	keyExpiresAt    = "expires_at"
	keyUserProfile  = "user_profile"
)

// sealed entries: the refresh token is a long-lived credential and the
// profile carries PII, so both are encrypted at rest. The short-lived
// access/id tokens and the timestamps are stored plain.
type credentialsRepo struct {
	q      dbtx
	db     *sql.DB // nil when the repo is transaction-scoped
	sealer *cryptox.Sealer
}

func (r *credentialsRepo) Save(ctx context.Context, tokens domain.TokenSet, user domain.User) error {
	if r.db != nil {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if err := r.save(ctx, tx, tokens, user); err != nil {
			return err
		}
		return tx.Commit()
	}
	return r.save(ctx, r.q, tokens, user)
}

func (r *credentialsRepo) save(ctx context.Context, q dbtx, tokens domain.TokenSet, user domain.User) error {
	sealedRefresh, err := r.sealer.Seal([]byte(tokens.RefreshToken))
	if err != nil {
		return err
	}

	profile, err := json.Marshal(user)
	if err != nil {
		return err
	}
	sealedProfile, err := r.sealer.Seal(profile)
	if err != nil {
		return err
	}

	entries := map[string][]byte{
		keyAccessToken:  []byte(tokens.AccessToken),
		keyIDToken:      []byte(tokens.IDToken),
		keyRefreshToken: sealedRefresh,
		keyIssuedAt:     []byte(tokens.IssuedAt.UTC().Format(time.RFC3339Nano)),
		keyExpiresAt:    []byte(tokens.ExpiresAt.UTC().Format(time.RFC3339Nano)),
		keyUserProfile:  sealedProfile,
	}

	for key, value := range entries {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO credentials (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, key, value, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	return nil
}

func (r *credentialsRepo) TokenSet(ctx context.Context) (domain.TokenSet, error) {
	access, err := r.get(ctx, keyAccessToken)
	if err != nil {
		return domain.TokenSet{}, err
	}
	id, err := r.get(ctx, keyIDToken)
	if err != nil {
		return domain.TokenSet{}, err
	}
	sealedRefresh, err := r.get(ctx, keyRefreshToken)
	if err != nil {
		return domain.TokenSet{}, err
	}
	issuedRaw, err := r.get(ctx, keyIssuedAt)
	if err != nil {
		return domain.TokenSet{}, err
	}
	expiresRaw, err := r.get(ctx, keyExpiresAt)
	if err != nil {
		return domain.TokenSet{}, err
	}

	// Any entry that fails to decrypt or parse makes the whole set
	// unreadable, which callers treat as logged out.
	refresh, err := r.sealer.Open(sealedRefresh)
	if err != nil {
		return domain.TokenSet{}, store.ErrNotFound
	}
	issuedAt, err := time.Parse(time.RFC3339Nano, string(issuedRaw))
	if err != nil {
		return domain.TokenSet{}, store.ErrNotFound
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, string(expiresRaw))
	if err != nil {
		return domain.TokenSet{}, store.ErrNotFound
	}

	return domain.TokenSet{
		AccessToken:  string(access),
		IDToken:      string(id),
		RefreshToken: string(refresh),
		IssuedAt:     issuedAt,
		ExpiresAt:    expiresAt,
	}, nil
}

func (r *credentialsRepo) User(ctx context.Context) (domain.User, error) {
	sealedProfile, err := r.get(ctx, keyUserProfile)
	if err != nil {
		return domain.User{}, err
	}

	profile, err := r.sealer.Open(sealedProfile)
	if err != nil {
		return domain.User{}, store.ErrNotFound
	}

	var user domain.User
	if err := json.Unmarshal(profile, &user); err != nil {
		return domain.User{}, store.ErrNotFound
	}
	return user, nil
}

func (r *credentialsRepo) Clear(ctx context.Context) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM credentials`)
	return err
}

func (r *credentialsRepo) get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := r.q.QueryRowContext(ctx, `SELECT value FROM credentials WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}
