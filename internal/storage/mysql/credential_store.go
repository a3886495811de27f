package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"time"

	xerrors "OpenCGM-Host/internal/errors"
)

// CredentialStore is a plugin credential backend on MySQL.
type CredentialStore struct {
	db     *sql.DB
	sealer *Sealer
	now    func() time.Time
}

// NewCredentialStore opens the database, applies migrations and returns
// the store.
func NewCredentialStore(ctx context.Context, cfg Config, sealer *Sealer) (*CredentialStore, error) {
	if sealer == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "credential sealer is required")
	}
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store := newCredentialStore(db, sealer)
	if err := store.migrateSchema(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "migrate credential store")
	}
	return store, nil
}

func newCredentialStore(db *sql.DB, sealer *Sealer) *CredentialStore {
	return &CredentialStore{db: db, sealer: sealer, now: time.Now}
}

func aad(namespace, name string) []byte {
	return []byte(namespace + "/" + name)
}

// Get returns the decrypted secret.
func (s *CredentialStore) Get(ctx context.Context, namespace, name string) ([]byte, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT secret FROM plugin_credentials WHERE namespace = ? AND name = ?`,
		namespace, name).Scan(&sealed)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("credential %s/%s not found", namespace, name))
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read credential")
	}
	plain, err := s.sealer.Open(sealed, aad(namespace, name))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "unseal credential", xerrors.WithRetryable(false))
	}
	return plain, nil
}

// Put seals and stores secret, replacing any previous value.
func (s *CredentialStore) Put(ctx context.Context, namespace, name string, secret []byte) error {
	sealed, err := s.sealer.Seal(secret, aad(namespace, name))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "seal credential", xerrors.WithRetryable(false))
	}
	now := s.now().Unix()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO plugin_credentials (namespace, name, secret, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE secret = VALUES(secret), updated_at = VALUES(updated_at)`,
		namespace, name, sealed, now, now)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write credential")
	}
	return nil
}

// Delete removes a secret. Deleting a missing secret is not an error.
func (s *CredentialStore) Delete(ctx context.Context, namespace, name string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM plugin_credentials WHERE namespace = ? AND name = ?`, namespace, name); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "delete credential")
	}
	return nil
}

// Close releases the connection pool.
func (s *CredentialStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
