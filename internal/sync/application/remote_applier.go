package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	sharedDomain "github.com/davicafu/offlinesync/internal/shared/domain"
	"github.com/davicafu/offlinesync/internal/shared/infra/utils"
	"github.com/davicafu/offlinesync/internal/sync/domain"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ApplyOutcome indica qué hizo la rutina de merge con un cambio remoto.
type ApplyOutcome string

const (
	OutcomeInserted ApplyOutcome = "inserted"
	OutcomeUpdated  ApplyOutcome = "updated"
	OutcomeDeleted  ApplyOutcome = "deleted"
	OutcomeSkipped  ApplyOutcome = "skipped"
)

// Changed indica si el store local se modificó.
func (o ApplyOutcome) Changed() bool {
	return o != OutcomeSkipped
}

// RemoteChangeApplier integra en el store local los cambios que llegan del servidor,
// tanto lotes de pull como eventos en tiempo real, con una única rutina idempotente.
// Escribe directamente en el LocalStore: nunca encola en el outbox.
type RemoteChangeApplier struct {
	store  domain.LocalStore
	tables *domain.TableRegistry
	events domain.EventSink
	clock  clockwork.Clock
	log    *zap.Logger
}

func NewRemoteChangeApplier(
	store domain.LocalStore,
	tables *domain.TableRegistry,
	events domain.EventSink,
	clock clockwork.Clock,
	log *zap.Logger,
) *RemoteChangeApplier {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RemoteChangeApplier{store: store, tables: tables, events: events, clock: clock, log: log}
}

// ApplyBatch aplica un lote de pull. Los registros de tablas no sincronizables o sin identidad
// se descartan con un aviso; los fallos del store se acumulan y se devuelven juntos para que
// el cursor no avance.
func (a *RemoteChangeApplier) ApplyBatch(ctx context.Context, changes []domain.RemoteChange) (int, error) {
	applied := 0
	var errs []error
	for _, change := range changes {
		outcome, err := a.ApplyServerRecord(ctx, change)
		if err != nil {
			if errors.Is(err, domain.ErrTableNotSyncable) || errors.Is(err, domain.ErrInvalidRecord) {
				a.log.Warn("⚠️ Cambio remoto descartado", zap.String("table", change.Table), zap.String("record_id", change.RecordID), zap.Error(err))
				continue
			}
			errs = append(errs, err)
			continue
		}
		if outcome.Changed() {
			applied++
		}
	}
	return applied, errors.Join(errs...)
}

// ApplyRealtime aplica un evento en vivo de otro dispositivo.
// El filtrado por dispositivo de origen lo hace quien escucha el canal.
func (a *RemoteChangeApplier) ApplyRealtime(ctx context.Context, msg domain.RealtimeMessage) (ApplyOutcome, error) {
	return a.ApplyServerRecord(ctx, msg.ToRemoteChange())
}

// ApplyServerRecord es la rutina de merge por registro:
//   - is_deleted: borra si existe y el borrado no es más antiguo que la copia local
//   - ausente en local: inserta
//   - presente: sobrescribe solo si el servidor es estrictamente más reciente
func (a *RemoteChangeApplier) ApplyServerRecord(ctx context.Context, change domain.RemoteChange) (ApplyOutcome, error) {
	if !a.tables.IsSyncable(change.Table) {
		return OutcomeSkipped, fmt.Errorf("%w: %s", domain.ErrTableNotSyncable, change.Table)
	}
	recordID := change.RecordID
	if recordID == "" {
		id, ok := a.tables.RecordID(change.Table, change.Data)
		if !ok {
			return OutcomeSkipped, fmt.Errorf("%w: missing %s in remote change", domain.ErrInvalidRecord, a.tables.IdentityField(change.Table))
		}
		recordID = id
	}

	local, err := a.store.Get(ctx, change.Table, recordID)
	absent := errors.Is(err, domain.ErrRecordNotFound)
	if err != nil && !absent {
		return OutcomeSkipped, fmt.Errorf("load local %s: %w", sharedDomain.RecordKey(change.Table, recordID), err)
	}

	serverTime := change.ServerTime()
	now := a.clock.Now().UTC()

	var outcome ApplyOutcome
	switch {
	case change.IsDeleted:
		if absent {
			return OutcomeSkipped, nil
		}
		// Un borrado sin timestamp se aplica siempre.
		if !serverTime.IsZero() && serverTime.Before(local.LocalUpdatedAt) {
			return OutcomeSkipped, nil
		}
		if err := a.store.Delete(ctx, change.Table, recordID); err != nil {
			return OutcomeSkipped, fmt.Errorf("delete %s: %w", sharedDomain.RecordKey(change.Table, recordID), err)
		}
		outcome = OutcomeDeleted

	case absent:
		if err := a.store.Upsert(ctx, a.fromServer(change, recordID, serverTime, now)); err != nil {
			return OutcomeSkipped, fmt.Errorf("insert %s: %w", sharedDomain.RecordKey(change.Table, recordID), err)
		}
		outcome = OutcomeInserted

	default:
		if !domain.ServerIsNewer(local.LocalUpdatedAt, serverTime) {
			return OutcomeSkipped, nil
		}
		if err := a.store.Upsert(ctx, a.fromServer(change, recordID, serverTime, now)); err != nil {
			return OutcomeSkipped, fmt.Errorf("update %s: %w", sharedDomain.RecordKey(change.Table, recordID), err)
		}
		outcome = OutcomeUpdated
	}

	a.log.Debug("⬇️ Cambio remoto aplicado",
		zap.String("record", sharedDomain.RecordKey(change.Table, recordID)),
		zap.String("outcome", string(outcome)),
	)
	if a.events != nil {
		a.events.Emit(domain.NewEvent(domain.EventRemoteUpdate, now, domain.RemoteUpdate{
			Table:     change.Table,
			RecordID:  recordID,
			Operation: outcomeOperation(outcome),
		}))
	}
	return outcome, nil
}

// fromServer construye la copia local marcada como sincronizada.
func (a *RemoteChangeApplier) fromServer(change domain.RemoteChange, recordID string, serverTime, now time.Time) domain.Record {
	synced := now
	return domain.Record{
		Table:          change.Table,
		ID:             recordID,
		Data:           utils.CloneMap(change.Data),
		LocalUpdatedAt: serverTime,
		LastSyncedAt:   &synced,
		IsSynced:       true,
	}
}

func outcomeOperation(o ApplyOutcome) sharedDomain.Operation {
	switch o {
	case OutcomeInserted:
		return sharedDomain.OperationCreate
	case OutcomeDeleted:
		return sharedDomain.OperationDelete
	}
	return sharedDomain.OperationUpdate
}
