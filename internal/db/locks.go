package db

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Advisory lock class for list-type serialization. The object id is the
// server-side hash of the list type name, so every component that names the
// same list contends on the same key.
const listLockClassID = 23571

// AcquireListLock takes the exclusive transaction-scoped lock for a list
// type. Importers hold it for the whole delta apply, so only one import per
// list type runs at a time. Blocks until granted.
func AcquireListLock(ctx context.Context, tx pgx.Tx, listType string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1, hashtext($2))`, listLockClassID, listType)
	return err
}

// AcquireListLockShared takes the shared form of the list-type lock.
// Classification and list generation hold shared locks on every list they
// read, which keeps imports of those lists out while permitting concurrent
// readers.
func AcquireListLockShared(ctx context.Context, tx pgx.Tx, listType string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock_shared($1, hashtext($2))`, listLockClassID, listType)
	return err
}
