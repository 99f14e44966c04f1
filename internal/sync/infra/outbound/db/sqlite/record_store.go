package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/davicafu/offlinesync/internal/sync/domain"
)

// InitSchema crea las tablas locales del motor: registros sincronizables y key/value de estado.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sync_records (
			table_name       TEXT NOT NULL,
			record_id        TEXT NOT NULL,
			data             TEXT NOT NULL,
			local_updated_at INTEGER NOT NULL,
			last_synced_at   INTEGER,
			is_synced        INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (table_name, record_id)
		);
		CREATE TABLE IF NOT EXISTS sync_state (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	return err
}

// RecordStoreSQLite implementa domain.LocalStore. Los datos de negocio se guardan como JSON opaco.
type RecordStoreSQLite struct {
	db *sql.DB
}

func NewRecordStoreSQLite(db *sql.DB) *RecordStoreSQLite {
	return &RecordStoreSQLite{db: db}
}

const recordColumns = `table_name, record_id, data, local_updated_at, last_synced_at, is_synced`

func (s *RecordStoreSQLite) Get(ctx context.Context, table, id string) (*domain.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM sync_records WHERE table_name=? AND record_id=?`, table, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRecordNotFound
	}
	return rec, err
}

func (s *RecordStoreSQLite) GetAll(ctx context.Context, table string) ([]domain.Record, error) {
	return s.query(ctx,
		`SELECT `+recordColumns+` FROM sync_records WHERE table_name=? ORDER BY record_id`, table)
}

func (s *RecordStoreSQLite) ListUnsynced(ctx context.Context, table string) ([]domain.Record, error) {
	return s.query(ctx,
		`SELECT `+recordColumns+` FROM sync_records
		 WHERE table_name=? AND (is_synced=0 OR last_synced_at IS NULL OR local_updated_at > last_synced_at)
		 ORDER BY record_id`, table)
}

// Upsert reemplaza el registro completo, estado de sync incluido.
func (s *RecordStoreSQLite) Upsert(ctx context.Context, rec domain.Record) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal record data: %w", err)
	}
	var lastSynced interface{}
	if rec.LastSyncedAt != nil {
		lastSynced = rec.LastSyncedAt.UnixNano()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_records (`+recordColumns+`) VALUES (?,?,?,?,?,?)
		ON CONFLICT(table_name, record_id) DO UPDATE SET
			data=excluded.data,
			local_updated_at=excluded.local_updated_at,
			last_synced_at=excluded.last_synced_at,
			is_synced=excluded.is_synced`,
		rec.Table, rec.ID, string(data), rec.LocalUpdatedAt.UnixNano(), lastSynced, boolToInt(rec.IsSynced),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert record %s/%s: %w", rec.Table, rec.ID, err)
	}
	return nil
}

func (s *RecordStoreSQLite) Delete(ctx context.Context, table, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_records WHERE table_name=? AND record_id=?`, table, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectRecordRow(res)
}

func (s *RecordStoreSQLite) MarkSynced(ctx context.Context, table, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_records SET is_synced=1, last_synced_at=? WHERE table_name=? AND record_id=?`,
		at.UnixNano(), table, id,
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectRecordRow(res)
}

func (s *RecordStoreSQLite) query(ctx context.Context, query string, args ...interface{}) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*domain.Record, error) {
	var rec domain.Record
	var data string
	var localUpdated int64
	var lastSynced sql.NullInt64
	var synced int

	if err := row.Scan(&rec.Table, &rec.ID, &data, &localUpdated, &lastSynced, &synced); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &rec.Data); err != nil {
		return nil, fmt.Errorf("invalid JSON data in record %s/%s: %w", rec.Table, rec.ID, err)
	}
	rec.LocalUpdatedAt = time.Unix(0, localUpdated).UTC()
	if lastSynced.Valid {
		t := time.Unix(0, lastSynced.Int64).UTC()
		rec.LastSyncedAt = &t
	}
	rec.IsSynced = synced == 1
	return &rec, nil
}

func expectRecordRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get RowsAffected: %w", err)
	}
	if n == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ domain.LocalStore = (*RecordStoreSQLite)(nil)
