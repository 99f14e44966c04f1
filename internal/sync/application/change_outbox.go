package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	sharedDomain "github.com/davicafu/offlinesync/internal/shared/domain"
	"github.com/davicafu/offlinesync/internal/shared/infra/utils"
	"github.com/davicafu/offlinesync/internal/sync/domain"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ChangeOutbox es la cola durable de mutaciones locales pendientes de enviar.
// Las transiciones de estado pasan por un mutex: con una sola instancia del motor por proceso
// esto basta para que el push inmediato y el ciclo periódico no procesen la misma entrada.
type ChangeOutbox struct {
	repo       sharedDomain.OutboxRepository
	maxRetries int
	clock      clockwork.Clock
	log        *zap.Logger

	mu sync.Mutex
}

func NewChangeOutbox(repo sharedDomain.OutboxRepository, maxRetries int, clock clockwork.Clock, log *zap.Logger) *ChangeOutbox {
	if maxRetries <= 0 {
		maxRetries = sharedDomain.DefaultMaxRetries
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ChangeOutbox{repo: repo, maxRetries: maxRetries, clock: clock, log: log}
}

// Add persiste una entrada pending y devuelve su id. Solo escribe en el almacén local.
func (o *ChangeOutbox) Add(ctx context.Context, table, recordID string, op sharedDomain.Operation, payload map[string]interface{}) (uuid.UUID, error) {
	if table == "" || recordID == "" {
		return uuid.Nil, fmt.Errorf("%w: table and record id are required", domain.ErrInvalidRecord)
	}
	if !op.Valid() {
		return uuid.Nil, fmt.Errorf("%w: unknown operation %q", domain.ErrInvalidRecord, op)
	}

	item := sharedDomain.OutboxItem{
		ID:         uuid.New(),
		Table:      table,
		RecordID:   recordID,
		Operation:  op,
		Payload:    utils.CloneMap(payload),
		MaxRetries: o.maxRetries,
		Status:     sharedDomain.OutboxPending,
		CreatedAt:  o.clock.Now().UTC(),
	}
	if err := o.repo.Insert(ctx, item); err != nil {
		return uuid.Nil, fmt.Errorf("outbox insert: %w", err)
	}

	o.log.Debug("📥 Cambio encolado en outbox",
		zap.String("id", item.ID.String()),
		zap.String("record", item.Key()),
		zap.String("operation", string(op)),
	)
	return item.ID, nil
}

func (o *ChangeOutbox) Get(ctx context.Context, id uuid.UUID) (*sharedDomain.OutboxItem, error) {
	return o.repo.Get(ctx, id)
}

// GetPending devuelve todas las entradas pending en orden FIFO de creación.
func (o *ChangeOutbox) GetPending(ctx context.Context) ([]sharedDomain.OutboxItem, error) {
	return o.repo.ListByStatus(ctx, sharedDomain.OutboxPending, 0)
}

func (o *ChangeOutbox) GetFailed(ctx context.Context) ([]sharedDomain.OutboxItem, error) {
	return o.repo.ListByStatus(ctx, sharedDomain.OutboxFailed, 0)
}

// UpdateStatus valida la transición y sella ProcessedAt al pasar a completed o failed.
func (o *ChangeOutbox) UpdateStatus(ctx context.Context, id uuid.UUID, status sharedDomain.OutboxStatus, errMsg string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.updateStatusLocked(ctx, id, status, errMsg)
}

func (o *ChangeOutbox) updateStatusLocked(ctx context.Context, id uuid.UUID, status sharedDomain.OutboxStatus, errMsg string) error {
	current, err := o.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !sharedDomain.CanTransition(current.Status, status) {
		return fmt.Errorf("%w: %s -> %s", sharedDomain.ErrInvalidOutboxTransition, current.Status, status)
	}

	var processedAt *time.Time
	if status == sharedDomain.OutboxCompleted || status == sharedDomain.OutboxFailed {
		now := o.clock.Now().UTC()
		processedAt = &now
	}
	return o.repo.UpdateStatus(ctx, id, status, errMsg, processedAt)
}

// MarkProcessing reclama la entrada para un envío. Devuelve ErrInvalidOutboxTransition
// si otra ruta ya la está procesando.
func (o *ChangeOutbox) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	return o.UpdateStatus(ctx, id, sharedDomain.OutboxProcessing, "")
}

func (o *ChangeOutbox) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	return o.UpdateStatus(ctx, id, sharedDomain.OutboxCompleted, "")
}

// Requeue devuelve una entrada en proceso a pending sin consumir reintento.
func (o *ChangeOutbox) Requeue(ctx context.Context, id uuid.UUID, reason string) error {
	return o.UpdateStatus(ctx, id, sharedDomain.OutboxPending, reason)
}

func (o *ChangeOutbox) IncrementRetry(ctx context.Context, id uuid.UUID) (int, error) {
	return o.repo.IncrementRetry(ctx, id)
}

// RecordFailure incrementa el contador y decide el siguiente estado:
// al alcanzar maxRetries la entrada queda failed (terminal), si no vuelve a pending.
// Devuelve true si la entrada quedó failed.
func (o *ChangeOutbox) RecordFailure(ctx context.Context, item sharedDomain.OutboxItem, errMsg string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	count, err := o.repo.IncrementRetry(ctx, item.ID)
	if err != nil {
		return false, err
	}

	limit := item.MaxRetries
	if limit <= 0 {
		limit = o.maxRetries
	}

	if count >= limit {
		if err := o.updateStatusLocked(ctx, item.ID, sharedDomain.OutboxFailed, errMsg); err != nil {
			return false, err
		}
		o.log.Error("❌ Entrada de outbox agotó sus reintentos",
			zap.String("id", item.ID.String()),
			zap.String("record", item.Key()),
			zap.Int("retries", count),
			zap.String("error", errMsg),
		)
		return true, nil
	}

	if err := o.updateStatusLocked(ctx, item.ID, sharedDomain.OutboxPending, errMsg); err != nil {
		return false, err
	}
	o.log.Warn("⚠️ Envío fallido, se reintentará",
		zap.String("id", item.ID.String()),
		zap.String("record", item.Key()),
		zap.Int("retries", count),
		zap.Int("max_retries", limit),
		zap.String("error", errMsg),
	)
	return false, nil
}

// RetryFailed devuelve todas las entradas failed a pending (acción del operador).
func (o *ChangeOutbox) RetryFailed(ctx context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	n, err := o.repo.ResetFailed(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		o.log.Info("🔁 Entradas failed devueltas a pending", zap.Int("count", n))
	}
	return n, nil
}

// RecoverInFlight devuelve a pending las entradas que quedaron en processing
// por un apagado a mitad de envío. Se llama al arrancar.
func (o *ChangeOutbox) RecoverInFlight(ctx context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	stuck, err := o.repo.ListByStatus(ctx, sharedDomain.OutboxProcessing, 0)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, item := range stuck {
		if err := o.updateStatusLocked(ctx, item.ID, sharedDomain.OutboxPending, "recovered after restart"); err != nil {
			if errors.Is(err, sharedDomain.ErrOutboxItemNotFound) {
				continue
			}
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

func (o *ChangeOutbox) GetStats(ctx context.Context) (sharedDomain.OutboxStats, error) {
	return o.repo.Stats(ctx)
}

// ClearCompleted borra las entradas ya confirmadas.
func (o *ChangeOutbox) ClearCompleted(ctx context.Context) (int, error) {
	return o.repo.DeleteByStatus(ctx, sharedDomain.OutboxCompleted)
}

func (o *ChangeOutbox) Remove(ctx context.Context, id uuid.UUID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.repo.Delete(ctx, id)
}

// QueuedKeys devuelve las claves tabla:id con una entrada pending o processing.
func (o *ChangeOutbox) QueuedKeys(ctx context.Context) (map[string]struct{}, error) {
	keys := make(map[string]struct{})
	for _, status := range []sharedDomain.OutboxStatus{sharedDomain.OutboxPending, sharedDomain.OutboxProcessing} {
		items, err := o.repo.ListByStatus(ctx, status, 0)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			keys[it.Key()] = struct{}{}
		}
	}
	return keys, nil
}
