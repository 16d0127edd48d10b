// Package db provides the PostgreSQL-backed notification ledger. The store
// accepts a DBTX interface that is satisfied by both *pgxpool.Pool and
// pgx.Tx, so the same code works inside or outside a transaction.
package db

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"payfast/internal/types"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NotificationStore records processed notification ids so the gateway's
// retries and replays are absorbed exactly once. The table:
//
//	CREATE TABLE itn_notifications (
//	    pf_payment_id TEXT PRIMARY KEY,
//	    received_at   TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type NotificationStore struct {
	db     DBTX
	logger *slog.Logger
}

// NewNotificationStore creates a store backed by the given connection
// (pool or transaction).
func NewNotificationStore(db DBTX, logger *slog.Logger) *NotificationStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationStore{db: db, logger: logger}
}

// Mark records a notification id. It returns false when the id was already
// recorded, relying on the primary key so concurrent deliveries of the same
// notification cannot both win.
func (s *NotificationStore) Mark(ctx context.Context, pfPaymentID string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`INSERT INTO itn_notifications (pf_payment_id) VALUES ($1)
		 ON CONFLICT (pf_payment_id) DO NOTHING`,
		pfPaymentID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record notification id", err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.DebugContext(ctx, "notification id already recorded",
			slog.String("pf_payment_id", pfPaymentID))
		return false, nil
	}
	return true, nil
}
