package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	sharedDomain "github.com/davicafu/offlinesync/internal/shared/domain"
	"github.com/davicafu/offlinesync/internal/shared/infra/platform/metrics"
	"github.com/davicafu/offlinesync/internal/shared/infra/utils"
	"github.com/davicafu/offlinesync/internal/sync/domain"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// BidirectionalSyncManager es la fachada del motor: escrituras locales con push inmediato,
// resolución de conflictos last-write-wins, y cambios en vivo con supresión de eco.
// Sus métodos públicos no devuelven fallos de red ni de registro: se convierten en eventos y estado.
type BidirectionalSyncManager struct {
	orch       *SyncOrchestrator
	outbox     *ChangeOutbox
	store      domain.LocalStore
	applier    *RemoteChangeApplier
	realtime   domain.RealtimeChannel
	state      domain.StateStore
	tables     *domain.TableRegistry
	status     *StatusTracker
	reconciler *Reconciler
	metrics    *metrics.SyncMetrics
	clock      clockwork.Clock
	log        *zap.Logger

	mu       sync.RWMutex
	deviceID string
	started  bool
	cancel   context.CancelFunc
	runCtx   context.Context
	wg       sync.WaitGroup // push inmediato
	listenWG sync.WaitGroup
}

// ManagerDeps agrupa las dependencias ya construidas del manager.
type ManagerDeps struct {
	Orchestrator *SyncOrchestrator
	Outbox       *ChangeOutbox
	Store        domain.LocalStore
	Applier      *RemoteChangeApplier
	Realtime     domain.RealtimeChannel // opcional
	State        domain.StateStore
	Tables       *domain.TableRegistry
	Status       *StatusTracker
	Reconciler   *Reconciler // opcional
	Metrics      *metrics.SyncMetrics
	Clock        clockwork.Clock
	Log          *zap.Logger
}

func NewBidirectionalSyncManager(d ManagerDeps) *BidirectionalSyncManager {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	m := &BidirectionalSyncManager{
		orch:       d.Orchestrator,
		outbox:     d.Outbox,
		store:      d.Store,
		applier:    d.Applier,
		realtime:   d.Realtime,
		state:      d.State,
		tables:     d.Tables,
		status:     d.Status,
		reconciler: d.Reconciler,
		metrics:    d.Metrics,
		clock:      d.Clock,
		log:        d.Log,
	}
	m.orch.SetConflictResolver(m)
	m.orch.OnReconnect(func(ctx context.Context) {
		m.PerformFullSync(ctx)
	})
	return m
}

// Start carga (o genera) el device id, recupera entradas a medio enviar, conecta el canal
// en vivo y lanza la sincronización completa inicial si hay conectividad.
func (m *BidirectionalSyncManager) Start(ctx context.Context, online bool) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.runCtx = runCtx
	m.mu.Unlock()

	deviceID, err := m.loadDeviceID(runCtx)
	if err != nil {
		cancel()
		m.mu.Lock()
		m.started = false
		m.mu.Unlock()
		return err
	}
	m.orch.SetDeviceID(deviceID)

	if n, err := m.outbox.RecoverInFlight(runCtx); err != nil {
		m.log.Warn("⚠️ No se pudieron recuperar entradas en processing", zap.Error(err))
	} else if n > 0 {
		m.log.Info("♻️ Entradas en processing devueltas a pending", zap.Int("count", n))
	}

	m.orch.Start(runCtx)
	if m.reconciler != nil {
		m.reconciler.Start(runCtx)
	}
	if m.realtime != nil {
		m.listenWG.Add(1)
		go m.listen(runCtx)
	}

	m.log.Info("🚀 Motor de sync iniciado", zap.String("device_id", deviceID), zap.Bool("online", online))

	// SetOnline(true) dispara la sincronización completa vía OnReconnect.
	m.SetOnline(online)
	return nil
}

// Stop cancela timers, desconecta el canal en vivo y descarta resultados que lleguen después.
func (m *BidirectionalSyncManager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	if m.realtime != nil {
		if err := m.realtime.Disconnect(); err != nil {
			m.log.Warn("⚠️ Error desconectando canal en vivo", zap.Error(err))
		}
	}
	if m.reconciler != nil {
		m.reconciler.Stop()
	}
	m.orch.Stop()
	m.wg.Wait()
	m.listenWG.Wait()
	m.log.Info("🛑 Motor de sync detenido")
}

// Wait espera a los push inmediatos y ciclos en segundo plano en curso.
func (m *BidirectionalSyncManager) Wait() {
	m.wg.Wait()
	m.orch.Wait()
}

func (m *BidirectionalSyncManager) runContext() context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.runCtx == nil {
		return context.Background()
	}
	return m.runCtx
}

func (m *BidirectionalSyncManager) DeviceID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deviceID
}

func (m *BidirectionalSyncManager) loadDeviceID(ctx context.Context) (string, error) {
	id, ok, err := m.state.Get(ctx, domain.StateKeyDeviceID)
	if err != nil {
		return "", fmt.Errorf("load device id: %w", err)
	}
	if !ok || id == "" {
		id = uuid.NewString()
		if err := m.state.Set(ctx, domain.StateKeyDeviceID, id); err != nil {
			return "", fmt.Errorf("save device id: %w", err)
		}
	}
	m.mu.Lock()
	m.deviceID = id
	m.mu.Unlock()
	return id, nil
}

// RecordLocalChange es la ruta de escritura local: actualiza el store con is_synced=false,
// encola la entrada en el outbox y, si hay conectividad, la envía en segundo plano y la
// difunde por el canal en vivo. Solo devuelve errores de validación o del store local.
func (m *BidirectionalSyncManager) RecordLocalChange(ctx context.Context, table string, op sharedDomain.Operation, data map[string]interface{}) (uuid.UUID, error) {
	if !m.tables.IsSyncable(table) {
		return uuid.Nil, fmt.Errorf("%w: %s", domain.ErrTableNotSyncable, table)
	}
	if !op.Valid() {
		return uuid.Nil, fmt.Errorf("%w: unknown operation %q", domain.ErrInvalidRecord, op)
	}
	recordID, ok := m.tables.RecordID(table, data)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: missing %s", domain.ErrInvalidRecord, m.tables.IdentityField(table))
	}

	now := m.clock.Now().UTC()
	payload := utils.CloneMap(data)
	payload[domain.FieldLocalUpdatedAt] = now.Format(time.RFC3339Nano)

	if op == sharedDomain.OperationDelete {
		if err := m.store.Delete(ctx, table, recordID); err != nil && !errors.Is(err, domain.ErrRecordNotFound) {
			return uuid.Nil, fmt.Errorf("local delete: %w", err)
		}
	} else {
		rec := domain.Record{Table: table, ID: recordID, Data: utils.CloneMap(data), LocalUpdatedAt: now}
		if existing, err := m.store.Get(ctx, table, recordID); err == nil {
			rec.LastSyncedAt = existing.LastSyncedAt
		}
		if err := m.store.Upsert(ctx, rec); err != nil {
			return uuid.Nil, fmt.Errorf("local upsert: %w", err)
		}
	}

	itemID, err := m.outbox.Add(ctx, table, recordID, op, payload)
	if err != nil {
		return uuid.Nil, err
	}

	if m.orch.IsOnline() && !m.orch.IsPaused() {
		msg := domain.RealtimeMessage{
			Type: domain.MessageTypeChange,
			Payload: domain.RealtimePayload{
				Table:          table,
				RecordID:       recordID,
				Operation:      op,
				Data:           payload,
				Timestamp:      now,
				SourceDeviceID: m.DeviceID(),
			},
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			// Cuelga del contexto del motor, no del de la petición: Stop lo cancela.
			bgCtx, cancel := context.WithTimeout(m.runContext(), time.Minute)
			defer cancel()
			m.PushRecord(bgCtx, itemID)
			m.broadcast(bgCtx, msg)
		}()
	}
	return itemID, nil
}

// PushRecord envía una sola entrada fuera del ciclo periódico. Si el ciclo ya la reclamó no hace nada.
func (m *BidirectionalSyncManager) PushRecord(ctx context.Context, itemID uuid.UUID) domain.SyncSummary {
	if !m.orch.IsOnline() || m.orch.IsPaused() || m.orch.stopped.Load() {
		return domain.SyncSummary{}
	}
	item, err := m.outbox.Get(ctx, itemID)
	if err != nil {
		m.log.Warn("⚠️ Push inmediato: entrada no encontrada", zap.String("id", itemID.String()), zap.Error(err))
		return domain.SyncSummary{}
	}
	if item.Status != sharedDomain.OutboxPending {
		return domain.SyncSummary{}
	}

	summary, err := m.orch.pushBatch(ctx, m.orch.epoch.Load(), []sharedDomain.OutboxItem{*item})
	if err != nil && !errors.Is(err, errStaleCycle) {
		m.log.Warn("⚠️ Push inmediato fallido, queda para el próximo ciclo", zap.String("record", item.Key()), zap.Error(err))
	}
	return summary
}

func (m *BidirectionalSyncManager) broadcast(ctx context.Context, msg domain.RealtimeMessage) {
	if m.realtime == nil {
		return
	}
	if err := m.realtime.Send(ctx, msg); err != nil {
		m.log.Debug("No se pudo difundir el cambio en vivo", zap.String("record", msg.PartitionKey()), zap.Error(err))
	}
}

// ResolveConflict aplica last-write-wins al conflicto reportado por el servidor.
// Gana el servidor (empate incluido): la copia local se marca sincronizada sin sobrescribirla
// y la entrada se completa; el siguiente pull trae la versión del servidor.
// Gana local: la entrada vuelve a pending para reenviarse y el reenvío cuenta como intento,
// así un servidor que rechaza siempre la versión local acaba dejándola en failed.
func (m *BidirectionalSyncManager) ResolveConflict(ctx context.Context, items []sharedDomain.OutboxItem, conflict domain.PushConflict) (domain.Resolution, error) {
	localAt := conflict.LocalUpdatedAt
	if localAt.IsZero() {
		for _, item := range items {
			if ts := domain.FromOutboxItem(item).LocalUpdatedAt; ts.After(localAt) {
				localAt = ts
			}
		}
	}

	c := domain.Conflict{
		Table:           conflict.Table,
		RecordID:        conflict.RecordID,
		LocalUpdatedAt:  localAt,
		ServerData:      conflict.ServerData,
		ServerUpdatedAt: conflict.ServerUpdatedAt,
	}
	if len(items) > 0 {
		c.LocalData = items[len(items)-1].Payload
	}
	resolution := c.Resolve()

	switch resolution {
	case domain.ResolutionServerWins:
		if err := m.store.MarkSynced(ctx, c.Table, c.RecordID, m.clock.Now().UTC()); err != nil && !errors.Is(err, domain.ErrRecordNotFound) {
			return resolution, fmt.Errorf("mark synced: %w", err)
		}
		for _, item := range items {
			if err := m.outbox.MarkCompleted(ctx, item.ID); err != nil {
				return resolution, err
			}
		}
	case domain.ResolutionLocalWins:
		for _, item := range items {
			m.orch.recordFailure(ctx, item, "conflict resolved local-wins, pending re-push")
		}
	}

	m.log.Info("⚖️ Conflicto resuelto",
		zap.String("record", sharedDomain.RecordKey(c.Table, c.RecordID)),
		zap.String("resolution", string(resolution)),
		zap.Time("local_updated_at", c.LocalUpdatedAt),
		zap.Time("server_updated_at", c.ServerUpdatedAt),
	)
	return resolution, nil
}

// PerformFullSync hace pull y después push. Se usa al arrancar y al recuperar conectividad.
func (m *BidirectionalSyncManager) PerformFullSync(ctx context.Context) domain.SyncSummary {
	summary, ran := m.orch.FullSync(ctx)
	if !ran {
		m.log.Debug("Sincronización completa omitida")
	}
	return summary
}

// TriggerSync lanza un ciclo normal (push y pull).
func (m *BidirectionalSyncManager) TriggerSync(ctx context.Context) (domain.SyncSummary, bool) {
	return m.orch.TriggerSync(ctx)
}

// ApplyServerRecord expone la rutina de merge para el host.
func (m *BidirectionalSyncManager) ApplyServerRecord(ctx context.Context, change domain.RemoteChange) (ApplyOutcome, error) {
	return m.applier.ApplyServerRecord(ctx, change)
}

func (m *BidirectionalSyncManager) SetOnline(online bool) {
	m.orch.SetOnline(online)
}

func (m *BidirectionalSyncManager) Pause()  { m.orch.Pause() }
func (m *BidirectionalSyncManager) Resume() { m.orch.Resume() }

// listen consume el canal en vivo hasta que se cancela el contexto o el canal se cierra.
func (m *BidirectionalSyncManager) listen(ctx context.Context) {
	defer m.listenWG.Done()

	if err := m.realtime.Connect(ctx); err != nil {
		// El adaptador sigue reintentando por su cuenta.
		m.log.Warn("⚠️ No se pudo conectar el canal en vivo", zap.Error(err))
	}

	messages := m.realtime.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				m.log.Info("Canal en vivo cerrado")
				return
			}
			m.HandleRealtime(ctx, msg)
		}
	}
}

// HandleRealtime aplica un mensaje en vivo salvo que sea un eco de este dispositivo.
func (m *BidirectionalSyncManager) HandleRealtime(ctx context.Context, msg domain.RealtimeMessage) {
	if msg.Type != domain.MessageTypeChange {
		return
	}
	if msg.Payload.SourceDeviceID != "" && msg.Payload.SourceDeviceID == m.DeviceID() {
		m.metrics.IncRealtime("echo")
		m.log.Debug("Eco propio ignorado", zap.String("record", msg.PartitionKey()))
		return
	}
	if m.orch.IsPaused() {
		m.metrics.IncRealtime("paused")
		return
	}
	if !m.tables.IsSyncable(msg.Payload.Table) {
		m.metrics.IncRealtime("invalid")
		m.log.Warn("⚠️ Cambio en vivo de tabla no sincronizable", zap.String("table", msg.Payload.Table))
		return
	}

	outcome, err := m.applier.ApplyRealtime(ctx, msg)
	if err != nil {
		m.metrics.IncRealtime("error")
		m.log.Warn("⚠️ No se pudo aplicar el cambio en vivo", zap.String("record", msg.PartitionKey()), zap.Error(err))
		return
	}
	m.metrics.IncRealtime(string(outcome))
}

// Status devuelve la foto actual para mostrar al usuario.
func (m *BidirectionalSyncManager) Status(ctx context.Context) StatusSnapshot {
	snap := m.status.Snapshot()
	snap.Online = m.orch.IsOnline()
	snap.DeviceID = m.DeviceID()
	if stats, err := m.outbox.GetStats(ctx); err == nil {
		snap.Pending = stats.Pending
		snap.Failed = stats.Failed
	} else {
		m.log.Warn("⚠️ No se pudieron leer las estadísticas del outbox", zap.Error(err))
	}
	return snap
}

// Operaciones de operador sobre el outbox.

func (m *BidirectionalSyncManager) OutboxStats(ctx context.Context) (sharedDomain.OutboxStats, error) {
	return m.outbox.GetStats(ctx)
}

func (m *BidirectionalSyncManager) FailedItems(ctx context.Context) ([]sharedDomain.OutboxItem, error) {
	return m.outbox.GetFailed(ctx)
}

func (m *BidirectionalSyncManager) RetryFailed(ctx context.Context) (int, error) {
	return m.outbox.RetryFailed(ctx)
}

func (m *BidirectionalSyncManager) ClearCompleted(ctx context.Context) (int, error) {
	return m.outbox.ClearCompleted(ctx)
}

func (m *BidirectionalSyncManager) Reconcile(ctx context.Context) (int, error) {
	if m.reconciler == nil {
		return 0, nil
	}
	return m.reconciler.Reconcile(ctx)
}

var _ ConflictResolver = (*BidirectionalSyncManager)(nil)
