package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/davicafu/offlinesync/internal/shared/domain"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// OutboxRepoSQLite implementa domain.OutboxRepository sobre la tabla sync_outbox.
// Las marcas de tiempo se guardan en nanosegundos Unix; el orden FIFO lo da la columna seq.
type OutboxRepoSQLite struct {
	db *sql.DB
}

func NewOutboxRepoSQLite(db *sql.DB) *OutboxRepoSQLite {
	return &OutboxRepoSQLite{db: db}
}

// InitOutbox crea la tabla del outbox si no existe.
func InitOutbox(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS sync_outbox (
            seq          INTEGER PRIMARY KEY AUTOINCREMENT,
            id           TEXT UNIQUE NOT NULL,
            table_name   TEXT NOT NULL,
            record_id    TEXT NOT NULL,
            operation    TEXT NOT NULL,
            payload      TEXT NOT NULL,
            retry_count  INTEGER NOT NULL DEFAULT 0,
            max_retries  INTEGER NOT NULL,
            status       TEXT NOT NULL,
            error        TEXT NOT NULL DEFAULT '',
            created_at   INTEGER NOT NULL,
            processed_at INTEGER
        )
    `)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_sync_outbox_status ON sync_outbox (status, seq)`)
	return err
}

const outboxColumns = `id, table_name, record_id, operation, payload, retry_count, max_retries, status, error, created_at, processed_at`

func (r *OutboxRepoSQLite) Insert(ctx context.Context, item domain.OutboxItem) error {
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox payload: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO sync_outbox (`+outboxColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		item.ID.String(), item.Table, item.RecordID, string(item.Operation), string(payload),
		item.RetryCount, item.MaxRetries, string(item.Status), item.Error,
		item.CreatedAt.UnixNano(), nanosOrNil(item.ProcessedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox item: %w", err)
	}
	return nil
}

func (r *OutboxRepoSQLite) Get(ctx context.Context, id uuid.UUID) (*domain.OutboxItem, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM sync_outbox WHERE id = ?`, id.String())
	item, err := scanOutboxItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrOutboxItemNotFound
		}
		return nil, err
	}
	return item, nil
}

func (r *OutboxRepoSQLite) ListByStatus(ctx context.Context, status domain.OutboxStatus, limit int) ([]domain.OutboxItem, error) {
	query := `SELECT ` + outboxColumns + ` FROM sync_outbox WHERE status = ? ORDER BY seq`
	args := []interface{}{string(status)}
	if limit > 0 {
		query += ` LIMIT ?`
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

func (r *OutboxRepoSQLite) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.OutboxStatus, errMsg string, processedAt *time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sync_outbox SET status = ?, error = ?, processed_at = COALESCE(?, processed_at) WHERE id = ?`,
		string(status), errMsg, nanosOrNil(processedAt), id.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update outbox item %s: %w", id, err)
	}
	return expectOneRow(res)
}

func (r *OutboxRepoSQLite) IncrementRetry(ctx context.Context, id uuid.UUID) (int, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE sync_outbox SET retry_count = retry_count + 1 WHERE id = ?`, id.String())
	if err != nil {
		return 0, fmt.Errorf("failed to increment retry for %s: %w", id, err)
	}
	if err := expectOneRow(res); err != nil {
		return 0, err
	}

	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT retry_count FROM sync_outbox WHERE id = ?`, id.String()).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *OutboxRepoSQLite) ResetFailed(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sync_outbox SET status = ?, retry_count = 0, error = '', processed_at = NULL WHERE status = ?`,
		string(domain.OutboxPending), string(domain.OutboxFailed),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *OutboxRepoSQLite) DeleteByStatus(ctx context.Context, status domain.OutboxStatus) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sync_outbox WHERE status = ?`, string(status))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *OutboxRepoSQLite) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sync_outbox WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete outbox item %s: %w", id, err)
	}
	return expectOneRow(res)
}

func (r *OutboxRepoSQLite) Stats(ctx context.Context) (domain.OutboxStats, error) {
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
	var (
		idStr, table, recordID, op, payloadStr, status, errMsg string
		retryCount, maxRetries                                 int
		createdAt                                              int64
		processedAt                                            sql.NullInt64
	)
	if err := row.Scan(&idStr, &table, &recordID, &op, &payloadStr, &retryCount, &maxRetries, &status, &errMsg, &createdAt, &processedAt); err != nil {
		return nil, err
	}

	parsedID, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid UUID in outbox row: %w", err)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON payload in outbox row %s: %w", parsedID, err)
	}

	item := &domain.OutboxItem{
		ID:         parsedID,
		Table:      table,
		RecordID:   recordID,
		Operation:  domain.Operation(op),
		Payload:    payload,
		RetryCount: retryCount,
		MaxRetries: maxRetries,
		Status:     domain.OutboxStatus(status),
		Error:      errMsg,
		CreatedAt:  time.Unix(0, createdAt).UTC(),
	}
	if processedAt.Valid {
		t := time.Unix(0, processedAt.Int64).UTC()
		item.ProcessedAt = &t
	}
	return item, nil
}

func nanosOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
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
var _ domain.OutboxRepository = (*OutboxRepoSQLite)(nil)
