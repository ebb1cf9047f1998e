package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/harbourhealth/intake/internal/intake/domain"
	"github.com/harbourhealth/intake/internal/intake/store"
)

// sessionKey is the fixed document key; exactly one onboarding session is
// live per profile.
const sessionKey = "current"

type onboardingRepo struct {
	q dbtx
}

func (r *onboardingRepo) SaveSession(ctx context.Context, s domain.OnboardingSession) error {
	document, err := json.Marshal(s)
	if err != nil {
		return err
	}

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO onboarding_sessions (session_key, document, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at
	`, sessionKey, string(document), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (r *onboardingRepo) Session(ctx context.Context) (domain.OnboardingSession, error) {
	var document string
	err := r.q.QueryRowContext(ctx,
		`SELECT document FROM onboarding_sessions WHERE session_key = ?`, sessionKey,
	).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.OnboardingSession{}, store.ErrNotFound
	}
	if err != nil {
		return domain.OnboardingSession{}, err
	}

	var s domain.OnboardingSession
	if err := json.Unmarshal([]byte(document), &s); err != nil {
		// Corrupt document reads as "no session"; the workflow restarts
		// rather than wedging the app.
		return domain.OnboardingSession{}, store.ErrNotFound
	}
	return s, nil
}

func (r *onboardingRepo) DeleteSession(ctx context.Context) error {
	_, err := r.q.ExecContext(ctx,
		`DELETE FROM onboarding_sessions WHERE session_key = ?`, sessionKey)
	return err
}
