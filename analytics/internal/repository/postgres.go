package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nimbus-baas/nimbus-stack/analytics/internal/aggregator"
	"github.com/nimbus-baas/nimbus-stack/common/database"
	"github.com/nimbus-baas/nimbus-stack/common/models"
)

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository connects to connString.
func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	pool, err := database.NewPool(ctx, connString, database.DefaultPoolConfig())
	if err != nil {
		return nil, err
	}
	return &PostgresRepository{pool: pool}, nil
}

// NewPostgresRepositoryFromPool wraps an existing pool.
func NewPostgresRepositoryFromPool(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) InsertRawEvent(ctx context.Context, rec aggregator.Record) (bool, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	query := `
		INSERT INTO raw_events (id, event_type, owner_id, app_id, user_id, metadata, data,
			occurred_at, received_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, query,
		rec.ID, rec.EventType, rec.OwnerID, rec.AppID, rec.UserID, metadata, []byte(rec.Data),
		rec.Timestamp, rec.ReceivedAt, rec.ExpiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert raw event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) ListUnprocessed(ctx context.Context, period models.Period, from, to time.Time) ([]aggregator.Record, error) {
	col, err := processedColumn(period)
	if err != nil {
		return nil, err
	}
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, event_type, owner_id, app_id, user_id, metadata, data,
			occurred_at, received_at, expires_at
		FROM raw_events
		WHERE NOT %s AND occurred_at >= $1 AND occurred_at < $2
		ORDER BY occurred_at, id
	`, col)

	rows, err := r.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed events: %w", err)
	}
	defer rows.Close()

	var out []aggregator.Record
	for rows.Next() {
		var rec aggregator.Record
		var data []byte
		if err := rows.Scan(&rec.ID, &rec.EventType, &rec.OwnerID, &rec.AppID, &rec.UserID,
			&rec.Metadata, &data, &rec.Timestamp, &rec.ReceivedAt, &rec.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan raw event: %w", err)
		}
		rec.Data = data
		rec.Timestamp = rec.Timestamp.UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating raw events: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) MarkProcessed(ctx context.Context, period models.Period, ids []string) error {
	if _, err := processedColumn(period); err != nil {
		return err
	}
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()
	return markProcessed(ctx, r.pool, period, ids)
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func markProcessed(ctx context.Context, q querier, period models.Period, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	col, err := processedColumn(period)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE raw_events SET %s = TRUE WHERE id = ANY($1)`, col)
	if _, err := q.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("failed to mark events processed: %w", err)
	}
	return nil
}

const rollupColumns = `owner_id, app_id, period, period_start, event_count, api_calls,
	api_calls_by_endpoint, crud_counts, storage_bytes_delta, auth_events,
	response_count, response_sum_ms, response_min_ms, response_max_ms,
	active_users, updated_at`

func scanRollup(row pgx.Row) (*aggregator.Rollup, error) {
	var (
		period string
		out    = aggregator.NewRollup(aggregator.Key{})
	)
	err := row.Scan(
		&out.OwnerID, &out.AppID, &period, &out.PeriodStart, &out.EventCount, &out.APICalls,
		&out.APICallsByEndpoint, &out.CRUD, &out.StorageBytesDelta, &out.AuthEvents,
		&out.ResponseTime.Count, &out.ResponseTime.SumMs, &out.ResponseTime.MinMs, &out.ResponseTime.MaxMs,
		&out.ActiveUsers, &out.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	out.Period = models.Period(period)
	out.PeriodStart = out.PeriodStart.UTC()
	out.UpdatedAt = out.UpdatedAt.UTC()
	return out, nil
}

// upsertRollup merges r into its row under a row lock. The empty row is
// inserted first so concurrent writers for a new key serialize on it.
func upsertRollup(ctx context.Context, q querier, r *aggregator.Rollup) (*aggregator.Rollup, error) {
	k := r.Key
	if _, err := q.Exec(ctx, `
		INSERT INTO rollups (owner_id, app_id, period, period_start)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`, k.OwnerID, k.AppID, string(k.Period), k.PeriodStart); err != nil {
		return nil, fmt.Errorf("failed to create rollup: %w", err)
	}

	cur, err := scanRollup(q.QueryRow(ctx, `
		SELECT `+rollupColumns+`
		FROM rollups
		WHERE owner_id = $1 AND app_id = $2 AND period = $3 AND period_start = $4
		FOR UPDATE
	`, k.OwnerID, k.AppID, string(k.Period), k.PeriodStart))
	if err != nil {
		return nil, fmt.Errorf("failed to lock rollup: %w", err)
	}
	if err := cur.Merge(r); err != nil {
		return nil, err
	}
	if cur.UpdatedAt.IsZero() {
		cur.UpdatedAt = time.Now().UTC()
	}

	_, err = q.Exec(ctx, `
		UPDATE rollups SET
			event_count = $5, api_calls = $6, api_calls_by_endpoint = $7, crud_counts = $8,
			storage_bytes_delta = $9, auth_events = $10, response_count = $11,
			response_sum_ms = $12, response_min_ms = $13, response_max_ms = $14,
			active_users = $15, updated_at = $16
		WHERE owner_id = $1 AND app_id = $2 AND period = $3 AND period_start = $4
	`, k.OwnerID, k.AppID, string(k.Period), k.PeriodStart,
		cur.EventCount, cur.APICalls, cur.APICallsByEndpoint, cur.CRUD,
		cur.StorageBytesDelta, cur.AuthEvents, cur.ResponseTime.Count,
		cur.ResponseTime.SumMs, cur.ResponseTime.MinMs, cur.ResponseTime.MaxMs,
		cur.ActiveUsers, cur.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update rollup: %w", err)
	}
	return cur, nil
}

func (r *PostgresRepository) UpsertRollup(ctx context.Context, rollup *aggregator.Rollup) (*aggregator.Rollup, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	var merged *aggregator.Rollup
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		merged, err = upsertRollup(ctx, tx, rollup)
		return err
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

func (r *PostgresRepository) CommitRun(ctx context.Context, period models.Period, rollups []*aggregator.Rollup, ids []string) error {
	if _, err := processedColumn(period); err != nil {
		return err
	}
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for _, rollup := range rollups {
			if _, err := upsertRollup(ctx, tx, rollup); err != nil {
				return fmt.Errorf("%s: %w", rollup.Key, err)
			}
		}
		return markProcessed(ctx, tx, period, ids)
	})
}

func (r *PostgresRepository) GetRollup(ctx context.Context, key aggregator.Key) (*aggregator.Rollup, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	out, err := scanRollup(r.pool.QueryRow(ctx, `
		SELECT `+rollupColumns+`
		FROM rollups
		WHERE owner_id = $1 AND app_id = $2 AND period = $3 AND period_start = $4
	`, key.OwnerID, key.AppID, string(key.Period), key.PeriodStart))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get rollup: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) ListRollups(ctx context.Context, f RollupFilter) ([]*aggregator.Rollup, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var (
		where  []string
		args   []any
		argPos = 1
	)
	add := func(clause string, v any) {
		where = append(where, fmt.Sprintf(clause, argPos))
		args = append(args, v)
		argPos++
	}
	if f.OwnerID != "" {
		add("owner_id = $%d", f.OwnerID)
	}
	if len(f.AppIDs) > 0 {
		add("app_id = ANY($%d)", f.AppIDs)
	}
	if f.Period != "" {
		add("period = $%d", string(f.Period))
	}
	if !f.From.IsZero() {
		add("period_start >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("period_start < $%d", f.To)
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.limit(), f.offset())
	query := fmt.Sprintf(`
		SELECT %s
		FROM rollups
		%s
		ORDER BY period_start DESC, app_id, owner_id
		LIMIT $%d OFFSET $%d
	`, rollupColumns, whereClause, argPos, argPos+1)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rollups: %w", err)
	}
	defer rows.Close()

	var out []*aggregator.Rollup
	for rows.Next() {
		rollup, err := scanRollup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rollup: %w", err)
		}
		out = append(out, rollup)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rollups: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	tag, err := r.pool.Exec(ctx, `DELETE FROM raw_events WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}
