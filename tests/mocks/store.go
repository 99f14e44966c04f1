package mocks

import (
	"context"
	"sort"
	"sync"
	"time"

	sharedDomain "github.com/davicafu/offlinesync/internal/shared/domain"
	"github.com/davicafu/offlinesync/internal/sync/domain"
)

// InMemoryRecordStore simula el LocalStore con un mapa por clave tabla:id.
type InMemoryRecordStore struct {
	Records map[string]domain.Record
	mu      sync.Mutex
}

var _ domain.LocalStore = (*InMemoryRecordStore)(nil)

func NewInMemoryRecordStore() *InMemoryRecordStore {
	return &InMemoryRecordStore{Records: make(map[string]domain.Record)}
}

func (s *InMemoryRecordStore) Get(ctx context.Context, table, id string) (*domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.Records[sharedDomain.RecordKey(table, id)]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	return &rec, nil
}

func (s *InMemoryRecordStore) GetAll(ctx context.Context, table string) ([]domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Record
	for _, rec := range s.Records {
		if rec.Table == table {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryRecordStore) Upsert(ctx context.Context, rec domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Records[sharedDomain.RecordKey(rec.Table, rec.ID)] = rec
	return nil
}

func (s *InMemoryRecordStore) Delete(ctx context.Context, table, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sharedDomain.RecordKey(table, id)
	if _, ok := s.Records[key]; !ok {
		return domain.ErrRecordNotFound
	}
	delete(s.Records, key)
	return nil
}

func (s *InMemoryRecordStore) ListUnsynced(ctx context.Context, table string) ([]domain.Record, error) {
	all, _ := s.GetAll(ctx, table)
	var out []domain.Record
	for _, rec := range all {
		if rec.NeedsSync() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *InMemoryRecordStore) MarkSynced(ctx context.Context, table, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sharedDomain.RecordKey(table, id)
	rec, ok := s.Records[key]
	if !ok {
		return domain.ErrRecordNotFound
	}
	t := at
	rec.LastSyncedAt = &t
	rec.IsSynced = true
	s.Records[key] = rec
	return nil
}

// Snapshot devuelve una copia del registro (nil si no existe).
func (s *InMemoryRecordStore) Snapshot(table, id string) *domain.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.Records[sharedDomain.RecordKey(table, id)]
	if !ok {
		return nil
	}
	return &rec
}

// InMemoryStateStore simula el key/value del host.
type InMemoryStateStore struct {
	Values map[string]string
	mu     sync.Mutex
}

var _ domain.StateStore = (*InMemoryStateStore)(nil)

func NewInMemoryStateStore() *InMemoryStateStore {
	return &InMemoryStateStore{Values: make(map[string]string)}
}

func (s *InMemoryStateStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.Values[key]
	return v, ok, nil
}

func (s *InMemoryStateStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Values[key] = value
	return nil
}

func (s *InMemoryStateStore) Value(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Values[key]
}
