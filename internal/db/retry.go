package db

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	retryMaxAttempts  = 8
	retryInitialDelay = 50 * time.Millisecond
	retryMaxDelay     = 10 * time.Second
)

// IsTransient reports whether err is worth retrying: serialization failures,
// deadlocks and connection-level errors. Anything else is permanent.
func IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return true
		}
		// Class 08: connection exceptions.
		if strings.HasPrefix(pgErr.Code, "08") {
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

// WithTxRetry runs fn inside a transaction and retries the whole transaction
// with exponential backoff when it fails transiently. fn must be safe to
// re-execute from scratch.
func WithTxRetry(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialDelay
	bo.MaxInterval = retryMaxDelay

	operation := func() error {
		err := pgx.BeginTxFunc(ctx, pool, opts, fn)
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		log.Warn("transient database error, retrying transaction", "error", err, "backoff", next)
	}
	return backoff.RetryNotify(operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, retryMaxAttempts), ctx), notify)
}
