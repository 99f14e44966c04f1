package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/davicafu/offlinesync/internal/shared/domain"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// OutboxRepoPostgres implementa domain.OutboxRepository para Postgres (driver pgx vía database/sql).
type OutboxRepoPostgres struct {
	db *sql.DB
}

func NewOutboxRepoPostgres(db *sql.DB) *OutboxRepoPostgres {
	return &OutboxRepoPostgres{db: db}
}

// Open abre la conexión con el driver pgx.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not ping postgres: %w", err)
	}
	return db, nil
}

func InitOutbox(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sync_outbox (
			seq          BIGSERIAL PRIMARY KEY,
			id           UUID UNIQUE NOT NULL,
			table_name   TEXT NOT NULL,
			record_id    TEXT NOT NULL,
			operation    TEXT NOT NULL,
			payload      JSONB NOT NULL,
			retry_count  INTEGER NOT NULL DEFAULT 0,
			max_retries  INTEGER NOT NULL,
			status       TEXT NOT NULL,
			error        TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMPTZ NOT NULL,
			processed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_sync_outbox_status ON sync_outbox (status, seq);
	`)
	return err
}

const outboxColumns = `id, table_name, record_id, operation, payload, retry_count, max_retries, status, error, created_at, processed_at`

func (r *OutboxRepoPostgres) Insert(ctx context.Context, item domain.OutboxItem) error {
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox payload: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO sync_outbox (`+outboxColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		item.ID, item.Table, item.RecordID, string(item.Operation), payload,
		item.RetryCount, item.MaxRetries, string(item.Status), item.Error, item.CreatedAt, item.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox item: %w", err)
	}
	return nil
}

func (r *OutboxRepoPostgres) Get(ctx context.Context, id uuid.UUID) (*domain.OutboxItem, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM sync_outbox WHERE id=$1`, id)
	item, err := scanOutboxItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOutboxItemNotFound
	}
	return item, err
}

func (r *OutboxRepoPostgres) ListByStatus(ctx context.Context, status domain.OutboxStatus, limit int) ([]domain.OutboxItem, error) {
	query := `SELECT ` + outboxColumns + ` FROM sync_outbox WHERE status=$1 ORDER BY seq`
	args := []interface{}{string(status)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.OutboxItem
	for rows.Next() {
		item, err := scanOutboxItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func (r *OutboxRepoPostgres) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.OutboxStatus, errMsg string, processedAt *time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sync_outbox SET status=$1, error=$2, processed_at=COALESCE($3, processed_at) WHERE id=$4`,
		string(status), errMsg, processedAt, id,
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOneRow(res)
}

func (r *OutboxRepoPostgres) IncrementRetry(ctx context.Context, id uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`UPDATE sync_outbox SET retry_count = retry_count + 1 WHERE id=$1 RETURNING retry_count`, id,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrOutboxItemNotFound
	}
	return count, err
}

func (r *OutboxRepoPostgres) ResetFailed(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sync_outbox SET status=$1, retry_count=0, error='', processed_at=NULL WHERE status=$2`,
		string(domain.OutboxPending), string(domain.OutboxFailed),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *OutboxRepoPostgres) DeleteByStatus(ctx context.Context, status domain.OutboxStatus) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sync_outbox WHERE status=$1`, string(status))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *OutboxRepoPostgres) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sync_outbox WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectOneRow(res)
}

func (r *OutboxRepoPostgres) Stats(ctx context.Context) (domain.OutboxStats, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_outbox GROUP BY status`)
	if err != nil {
		return domain.OutboxStats{}, err
	}
	defer rows.Close()

	var stats domain.OutboxStats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return domain.OutboxStats{}, err
		}
		stats = stats.Count(domain.OutboxStatus(status), n)
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOutboxItem(row rowScanner) (*domain.OutboxItem, error) {
	var item domain.OutboxItem
	var op, status string
	var payloadBytes []byte // JSONB
	var processedAt sql.NullTime

	if err := row.Scan(&item.ID, &item.Table, &item.RecordID, &op, &payloadBytes,
		&item.RetryCount, &item.MaxRetries, &status, &item.Error, &item.CreatedAt, &processedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payloadBytes, &item.Payload); err != nil {
		return nil, fmt.Errorf("invalid JSON payload in outbox row %s: %w", item.ID, err)
	}
	item.Operation = domain.Operation(op)
	item.Status = domain.OutboxStatus(status)
	item.CreatedAt = item.CreatedAt.UTC()
	if processedAt.Valid {
		t := processedAt.Time.UTC()
		item.ProcessedAt = &t
	}
	return &item, nil
}

func expectOneRow(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get RowsAffected: %w", err)
	}
	if rows == 0 {
		return domain.ErrOutboxItemNotFound
	}
	return nil
}

// Verificación en tiempo de compilación.
var _ domain.OutboxRepository = (*OutboxRepoPostgres)(nil)
