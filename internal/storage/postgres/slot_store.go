package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// SlotStore implements storage.Store on the kv_slots table.
// Namespace separates profiles sharing one database.
type SlotStore struct {
	db        *DB
	namespace string
}

// NewSlotStore constructs a slot store for the namespace.
func NewSlotStore(db *DB, namespace string) *SlotStore {
	if namespace == "" {
		namespace = "default"
	}
	return &SlotStore{db: db, namespace: namespace}
}

// Get returns a slot value; a missing row is reported as ok=false.
func (s *SlotStore) Get(ctx context.Context, key string) (string, bool, error) {
	const q = `SELECT value FROM kv_slots WHERE namespace=$1 AND key=$2`
	var v string
	if err := s.db.Pool.QueryRow(ctx, q, s.namespace, key).Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

// Set upserts a slot (last write wins).
func (s *SlotStore) Set(ctx context.Context, key, value string) error {
	const q = `
INSERT INTO kv_slots (namespace, key, value, updated_at)
VALUES ($1,$2,$3,now())
ON CONFLICT (namespace, key)
DO UPDATE SET value=EXCLUDED.value, updated_at=now()`
	_, err := s.db.Pool.Exec(ctx, q, s.namespace, key, value)
	return err
}

// Delete removes a slot row if present.
func (s *SlotStore) Delete(ctx context.Context, key string) error {
	const q = `DELETE FROM kv_slots WHERE namespace=$1 AND key=$2`
	_, err := s.db.Pool.Exec(ctx, q, s.namespace, key)
	return err
}
