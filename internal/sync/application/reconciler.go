package application

import (
	"context"
	"fmt"
	"time"

	sharedDomain "github.com/davicafu/offlinesync/internal/shared/domain"
	"github.com/davicafu/offlinesync/internal/shared/infra/platform/scheduler"
	"github.com/davicafu/offlinesync/internal/shared/infra/utils"
	"github.com/davicafu/offlinesync/internal/sync/domain"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Reconciler recorre los campos de estado de los registros y encola en el outbox
// los que necesitan sync y no tienen entrada pendiente. El outbox sigue siendo la única
// fuente para programar envíos; esto solo recoge escrituras que se saltaron el outbox.
type Reconciler struct {
	store  domain.LocalStore
	outbox *ChangeOutbox
	tables *domain.TableRegistry
	log    *zap.Logger
	task   *scheduler.PeriodicTask
}

func NewReconciler(store domain.LocalStore, outbox *ChangeOutbox, tables *domain.TableRegistry, interval time.Duration, clock clockwork.Clock, log *zap.Logger) *Reconciler {
	r := &Reconciler{store: store, outbox: outbox, tables: tables, log: log}
	r.task = scheduler.NewPeriodicTask("reconcile", interval, clock, log, func(ctx context.Context) {
		if _, err := r.Reconcile(ctx); err != nil {
			r.log.Warn("⚠️ Reconciliación fallida", zap.Error(err))
		}
	})
	return r
}

func (r *Reconciler) Start(ctx context.Context) { r.task.Start(ctx) }

// Stop detiene el escaneo periódico y espera a una pasada en curso.
func (r *Reconciler) Stop() {
	r.task.Stop()
	r.task.Wait()
}

// Reconcile devuelve cuántas entradas nuevas encoló.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	queued, err := r.outbox.QueuedKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("load queued keys: %w", err)
	}

	enqueued := 0
	for _, table := range r.tables.Names() {
		records, err := r.store.ListUnsynced(ctx, table)
		if err != nil {
			return enqueued, fmt.Errorf("list unsynced %s: %w", table, err)
		}
		for _, rec := range records {
			if _, ok := queued[sharedDomain.RecordKey(rec.Table, rec.ID)]; ok {
				continue
			}
			op := utils.Ternary(rec.LastSyncedAt == nil, sharedDomain.OperationCreate, sharedDomain.OperationUpdate)
			payload := utils.CloneMap(rec.Data)
			if payload == nil {
				payload = map[string]interface{}{}
			}
			payload[domain.FieldLocalUpdatedAt] = rec.LocalUpdatedAt.UTC().Format(time.RFC3339Nano)

			if _, err := r.outbox.Add(ctx, rec.Table, rec.ID, op, payload); err != nil {
				return enqueued, err
			}
			enqueued++
		}
	}

	if enqueued > 0 {
		r.log.Info("🧮 Registros sin sincronizar añadidos al outbox", zap.Int("count", enqueued))
	}
	return enqueued, nil
}
