package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/harbourhealth/intake/internal/intake/store"
	"github.com/harbourhealth/intake/pkg/cryptox"
)

// txStore is a Tx-scoped Store. Nested transactions are rejected; sqlite
// does not support them and silently flattening would break atomicity
// expectations.
type txStore struct {
	tx     *sql.Tx
	sealer *cryptox.Sealer
}

func newTx(tx *sql.Tx, sealer *cryptox.Sealer) store.Tx {
	return &txStore{tx: tx, sealer: sealer}
}

func (t *txStore) Credentials() store.Credentials {
	return &credentialsRepo{q: t.tx, sealer: t.sealer}
}

func (t *txStore) Onboarding() store.Onboarding {
	return &onboardingRepo{q: t.tx}
}

func (t *txStore) ApplyMigrations() error {
	return errors.New("sqlite: cannot apply migrations inside a transaction")
}

func (t *txStore) Tx(ctx context.Context) (store.Tx, error) {
	return nil, errors.New("sqlite: nested transactions are not supported")
}

func (t *txStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return errors.New("sqlite: nested transactions are not supported")
}

func (t *txStore) Close() error {
	return errors.New("sqlite: cannot close store inside a transaction")
}

func (t *txStore) Ping(ctx context.Context) error { return nil }

func (t *txStore) Commit() error   { return t.tx.Commit() }
func (t *txStore) Rollback() error { return t.tx.Rollback() }
