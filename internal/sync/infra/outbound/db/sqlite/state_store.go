package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/davicafu/offlinesync/internal/sync/domain"
)

// StateStoreSQLite guarda el device id y el cursor de pull en la tabla sync_state.
type StateStoreSQLite struct {
	db *sql.DB
}

func NewStateStoreSQLite(db *sql.DB) *StateStoreSQLite {
	return &StateStoreSQLite{db: db}
}

func (s *StateStoreSQLite) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key=?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *StateStoreSQLite) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

var _ domain.StateStore = (*StateStoreSQLite)(nil)
