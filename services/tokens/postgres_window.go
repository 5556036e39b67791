package tokens

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// windowLockKey serializes reservations across instances with a
// transaction-scoped advisory lock.
const windowLockKey int64 = 0x746f6b656e73

// Schema creates the bucket table used by PostgresWindow.
const Schema = `
CREATE TABLE IF NOT EXISTS token_window_buckets (
	bucket     BIGINT PRIMARY KEY,
	tokens     BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL
)`

// PostgresWindow keeps window buckets in PostgreSQL.
type PostgresWindow struct {
	db     *sql.DB
	cfg    WindowConfig
	size   time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// NewPostgresWindow creates a PostgreSQL-backed window.
func NewPostgresWindow(db *sql.DB, cfg WindowConfig, logger *zap.Logger) *PostgresWindow {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresWindow{
		db:     db,
		cfg:    cfg,
		size:   cfg.bucketSize(),
		now:    time.Now,
		logger: logger,
	}
}

// EnsureSchema creates the bucket table if it does not exist.
func (w *PostgresWindow) EnsureSchema(ctx context.Context) error {
	if _, err := w.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create token window table: %w", err)
	}
	return nil
}

func (w *PostgresWindow) oldest(current int64) int64 {
	return current - w.cfg.span() + 1
}

// TryReserve implements Window.
func (w *PostgresWindow) TryReserve(ctx context.Context, tokens int64) (bucket int64, ok bool, err error) {
	now := w.now()
	current := bucketOf(now, w.size)

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return current, false, fmt.Errorf("failed to begin window transaction: %w", err)
	}
	defer func() {
		if err != nil || !ok {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, windowLockKey); err != nil {
		return current, false, fmt.Errorf("failed to lock token window: %w", err)
	}

	var used int64
	query := `
		SELECT COALESCE(SUM(tokens), 0)
		FROM token_window_buckets
		WHERE bucket >= $1
	`
	if err = tx.QueryRowContext(ctx, query, w.oldest(current)).Scan(&used); err != nil {
		return current, false, fmt.Errorf("failed to query token window: %w", err)
	}

	if used+tokens > w.cfg.Ceiling {
		return current, false, nil
	}

	upsert := `
		INSERT INTO token_window_buckets (bucket, tokens, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (bucket)
		DO UPDATE SET
			tokens = token_window_buckets.tokens + EXCLUDED.tokens,
			updated_at = EXCLUDED.updated_at
	`
	if _, err = tx.ExecContext(ctx, upsert, current, tokens, now); err != nil {
		return current, false, fmt.Errorf("failed to upsert token bucket: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return current, false, fmt.Errorf("failed to commit token window: %w", err)
	}
	return current, true, nil
}

// Adjust implements Window.
func (w *PostgresWindow) Adjust(ctx context.Context, bucket int64, delta int64) error {
	if delta == 0 {
		return nil
	}
	query := `
		UPDATE token_window_buckets
		SET tokens = GREATEST(tokens + $2, 0), updated_at = $3
		WHERE bucket = $1
	`
	if _, err := w.db.ExecContext(ctx, query, bucket, delta, w.now()); err != nil {
		return fmt.Errorf("failed to adjust token bucket: %w", err)
	}
	return nil
}

// Usage implements Window.
func (w *PostgresWindow) Usage(ctx context.Context) (int64, error) {
	var used int64
	query := `
		SELECT COALESCE(SUM(tokens), 0)
		FROM token_window_buckets
		WHERE bucket >= $1
	`
	err := w.db.QueryRowContext(ctx, query, w.oldest(bucketOf(w.now(), w.size))).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("failed to query token window: %w", err)
	}
	return used, nil
}

// Ceiling implements Window.
func (w *PostgresWindow) Ceiling() int64 {
	return w.cfg.Ceiling
}

// CleanupOldData removes buckets older than the window plus retention.
func (w *PostgresWindow) CleanupOldData(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := bucketOf(w.now().Add(-retention), w.size)
	if o := w.oldest(bucketOf(w.now(), w.size)); o < cutoff {
		cutoff = o
	}

	result, err := w.db.ExecContext(ctx, `DELETE FROM token_window_buckets WHERE bucket < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup token buckets: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	w.logger.Debug("cleaned up token window buckets",
		zap.Int64("rows_deleted", rowsAffected),
		zap.Int64("cutoff_bucket", cutoff))

	return rowsAffected, nil
}

// StartCleanupWorker periodically deletes expired buckets until ctx is done.
func (w *PostgresWindow) StartCleanupWorker(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info("started token window cleanup worker",
		zap.Duration("interval", interval),
		zap.Duration("retention", retention))

	for {
		select {
		case <-ticker.C:
			if _, err := w.CleanupOldData(ctx, retention); err != nil {
				w.logger.Error("failed to cleanup token window", zap.Error(err))
			}
		case <-ctx.Done():
			w.logger.Info("stopping token window cleanup worker")
			return
		}
	}
}
