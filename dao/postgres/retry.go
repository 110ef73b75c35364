package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/TogetherForABetterAI/calibration-service/errors"
)

// retryBackoff is the fixed pause between retry attempts for a transient
// DAO failure. Kept short and constant since a retry here re-runs a
// single already-in-flight statement, not a broker-style reconnect with
// its own backoff schedule.
const retryBackoff = 200 * time.Millisecond

// withRetry runs op, retrying up to d.maxRetries additional times when the
// failure looks transient (connection loss, serialization conflict,
// deadlock) rather than persistent. A persistent error, or a transient one
// that exhausts retries, is returned as-is so the caller can treat it as
// worker-fatal, per spec.md §7 item 5 ("DAO failure — transient: retry
// within the transaction; persistent: bubble up").
func (d *DAO) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		err = op()
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt == d.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(retryBackoff):
		}
	}
	return err
}

// isTransient reports whether err looks like a connection-level or
// conflict failure worth retrying, as opposed to a persistent data/schema
// error that would fail identically on every attempt.
func isTransient(err error) bool {
	if errors.Is(err, sql.ErrNoRows) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01",          // deadlock_detected
			"08000", "08003", // connection_exception, connection_does_not_exist
			"08006", "08001", "08004": // connection_failure, unable_to_connect, rejected_connection
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, driver.ErrBadConn)
}
