package mocks

import (
	"context"
	"sort"
	"sync"
	"time"

	sharedDomain "github.com/davicafu/offlinesync/internal/shared/domain"
	"github.com/google/uuid"
)

// InMemoryOutboxRepo simula OutboxRepository conservando el orden de inserción.
type InMemoryOutboxRepo struct {
	Items map[uuid.UUID]*sharedDomain.OutboxItem
	seq   map[uuid.UUID]int64
	next  int64
	mu    sync.Mutex

	// FailInsert fuerza un error en Insert (para probar la ruta de escritura local).
	FailInsert error
}

var _ sharedDomain.OutboxRepository = (*InMemoryOutboxRepo)(nil)

func NewInMemoryOutboxRepo() *InMemoryOutboxRepo {
	return &InMemoryOutboxRepo{
		Items: make(map[uuid.UUID]*sharedDomain.OutboxItem),
		seq:   make(map[uuid.UUID]int64),
	}
}

func (r *InMemoryOutboxRepo) Insert(ctx context.Context, item sharedDomain.OutboxItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailInsert != nil {
		return r.FailInsert
	}
	cp := item
	r.Items[item.ID] = &cp
	r.next++
	r.seq[item.ID] = r.next
	return nil
}

func (r *InMemoryOutboxRepo) Get(ctx context.Context, id uuid.UUID) (*sharedDomain.OutboxItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.Items[id]
	if !ok {
		return nil, sharedDomain.ErrOutboxItemNotFound
	}
	cp := *item
	return &cp, nil
}

func (r *InMemoryOutboxRepo) ListByStatus(ctx context.Context, status sharedDomain.OutboxStatus, limit int) ([]sharedDomain.OutboxItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sharedDomain.OutboxItem
	for _, item := range r.Items {
		if item.Status == status {
			out = append(out, *item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return r.seq[out[i].ID] < r.seq[out[j].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *InMemoryOutboxRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status sharedDomain.OutboxStatus, errMsg string, processedAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.Items[id]
	if !ok {
		return sharedDomain.ErrOutboxItemNotFound
	}
	item.Status = status
	item.Error = errMsg
	if processedAt != nil {
		t := *processedAt
		item.ProcessedAt = &t
	}
	return nil
}

func (r *InMemoryOutboxRepo) IncrementRetry(ctx context.Context, id uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.Items[id]
	if !ok {
		return 0, sharedDomain.ErrOutboxItemNotFound
	}
	item.RetryCount++
	return item.RetryCount, nil
}

func (r *InMemoryOutboxRepo) ResetFailed(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, item := range r.Items {
		if item.Status == sharedDomain.OutboxFailed {
			item.Status = sharedDomain.OutboxPending
			item.RetryCount = 0
			item.Error = ""
			item.ProcessedAt = nil
			n++
		}
	}
	return n, nil
}

func (r *InMemoryOutboxRepo) DeleteByStatus(ctx context.Context, status sharedDomain.OutboxStatus) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, item := range r.Items {
		if item.Status == status {
			delete(r.Items, id)
			delete(r.seq, id)
			n++
		}
	}
	return n, nil
}

func (r *InMemoryOutboxRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.Items[id]; !ok {
		return sharedDomain.ErrOutboxItemNotFound
	}
	delete(r.Items, id)
	delete(r.seq, id)
	return nil
}

func (r *InMemoryOutboxRepo) Stats(ctx context.Context) (sharedDomain.OutboxStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s sharedDomain.OutboxStats
	for _, item := range r.Items {
		s.Total++
		switch item.Status {
		case sharedDomain.OutboxPending:
			s.Pending++
		case sharedDomain.OutboxProcessing:
			s.Processing++
		case sharedDomain.OutboxCompleted:
			s.Completed++
		case sharedDomain.OutboxFailed:
			s.Failed++
		}
	}
	return s, nil
}

// StatusOf es un atajo para los asserts.
func (r *InMemoryOutboxRepo) StatusOf(id uuid.UUID) sharedDomain.OutboxStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if item, ok := r.Items[id]; ok {
		return item.Status
	}
	return ""
}
