package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	sharedDomain "github.com/davicafu/offlinesync/internal/shared/domain"
	"github.com/davicafu/offlinesync/internal/shared/infra/platform/metrics"
	"github.com/davicafu/offlinesync/internal/shared/infra/platform/scheduler"
	"github.com/davicafu/offlinesync/internal/shared/infra/utils"
	"github.com/davicafu/offlinesync/internal/sync/domain"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultBatchSize    = 50
	DefaultSyncInterval = 5 * time.Minute
	defaultMaxPullPages = 1000
)

// errStaleCycle: el ciclo quedó invalidado por un Stop/Pause mientras esperaba la red.
var errStaleCycle = errors.New("sync cycle discarded after stop or pause")

// ErrPullIncomplete: la paginación se cortó con páginas pendientes; el cursor no se guarda.
var ErrPullIncomplete = errors.New("pull stopped before the last page")

// ConflictResolver decide qué hacer con un conflicto reportado por el push.
// Recibe todas las entradas del lote que apuntan al registro en conflicto.
type ConflictResolver interface {
	ResolveConflict(ctx context.Context, items []sharedDomain.OutboxItem, conflict domain.PushConflict) (domain.Resolution, error)
}

type OrchestratorConfig struct {
	BatchSize    int
	SyncInterval time.Duration
	MaxPullPages int
}

// SyncOrchestrator ejecuta los ciclos push-then-pull.
// Como mucho hay un ciclo en vuelo (single-flight); las llamadas que llegan durante un ciclo se descartan.
type SyncOrchestrator struct {
	outbox  *ChangeOutbox
	push    domain.PushTransport
	pull    domain.PullTransport
	applier *RemoteChangeApplier
	store   domain.LocalStore
	state   domain.StateStore
	tables  *domain.TableRegistry
	status  *StatusTracker
	events  domain.EventSink
	metrics *metrics.SyncMetrics
	clock   clockwork.Clock
	tracer  trace.Tracer
	log     *zap.Logger
	cfg     OrchestratorConfig

	syncing atomic.Bool
	online  atomic.Bool
	paused  atomic.Bool
	stopped atomic.Bool
	epoch   atomic.Uint64

	mu          sync.RWMutex
	deviceID    string
	resolver    ConflictResolver
	onReconnect func(ctx context.Context)
	runCtx      context.Context

	timer *scheduler.PeriodicTask
	bg    sync.WaitGroup
}

func NewSyncOrchestrator(
	outbox *ChangeOutbox,
	push domain.PushTransport,
	pull domain.PullTransport,
	applier *RemoteChangeApplier,
	store domain.LocalStore,
	state domain.StateStore,
	tables *domain.TableRegistry,
	status *StatusTracker,
	events domain.EventSink,
	m *metrics.SyncMetrics,
	clock clockwork.Clock,
	log *zap.Logger,
	cfg OrchestratorConfig,
) *SyncOrchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	if cfg.MaxPullPages <= 0 {
		cfg.MaxPullPages = defaultMaxPullPages
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	o := &SyncOrchestrator{
		outbox:  outbox,
		push:    push,
		pull:    pull,
		applier: applier,
		store:   store,
		state:   state,
		tables:  tables,
		status:  status,
		events:  events,
		metrics: m,
		clock:   clock,
		tracer:  otel.Tracer("offlinesync/sync"),
		log:     log,
		cfg:     cfg,
		runCtx:  context.Background(),
	}
	o.timer = scheduler.NewPeriodicTask("auto-sync", cfg.SyncInterval, clock, log, func(ctx context.Context) {
		o.TriggerSync(ctx)
	})
	return o
}

func (o *SyncOrchestrator) SetDeviceID(id string) {
	o.mu.Lock()
	o.deviceID = id
	o.mu.Unlock()
}

func (o *SyncOrchestrator) DeviceID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.deviceID
}

// SetConflictResolver instala la política de conflictos. Sin resolver un conflicto
// se trata como un error del registro.
func (o *SyncOrchestrator) SetConflictResolver(r ConflictResolver) {
	o.mu.Lock()
	o.resolver = r
	o.mu.Unlock()
}

// OnReconnect sustituye el ciclo que se lanza al recuperar conectividad.
func (o *SyncOrchestrator) OnReconnect(fn func(ctx context.Context)) {
	o.mu.Lock()
	o.onReconnect = fn
	o.mu.Unlock()
}

func (o *SyncOrchestrator) IsOnline() bool  { return o.online.Load() }
func (o *SyncOrchestrator) IsPaused() bool  { return o.paused.Load() }
func (o *SyncOrchestrator) IsSyncing() bool { return o.syncing.Load() }

// Start arranca el timer de auto-sync si hay conectividad y no está en pausa.
func (o *SyncOrchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	o.runCtx = ctx
	o.mu.Unlock()
	o.stopped.Store(false)

	if o.online.Load() && !o.paused.Load() {
		o.timer.Start(ctx)
	}
}

// Stop cancela el timer, invalida los ciclos en vuelo y espera a las tareas en segundo plano
// y a los ticks ya lanzados. Hasta el siguiente Start todos los triggers son no-op.
func (o *SyncOrchestrator) Stop() {
	// stopped antes que epoch: guarded relee stopped después de tomar la época.
	o.stopped.Store(true)
	o.epoch.Add(1)
	o.timer.Stop()
	o.timer.Wait()
	o.bg.Wait()
}

// Wait espera a los ciclos lanzados en segundo plano (reconexión, resume).
func (o *SyncOrchestrator) Wait() {
	o.bg.Wait()
}

func (o *SyncOrchestrator) context() context.Context {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.runCtx
}

// SetOnline aplica un cambio de conectividad. Al volver online se lanza un ciclo inmediato;
// al pasar a offline se para el timer y los triggers futuros son no-op.
func (o *SyncOrchestrator) SetOnline(online bool) {
	if o.online.Swap(online) == online {
		return
	}
	ctx := o.context()
	now := o.clock.Now()

	if !online {
		o.timer.Stop()
		o.status.SetOffline()
		o.emit(domain.NewEvent(domain.EventOffline, now, nil))
		o.log.Info("📴 Sin conectividad, sync suspendido")
		return
	}

	o.status.SetOnline()
	o.emit(domain.NewEvent(domain.EventOnline, now, nil))
	o.log.Info("📶 Conectividad recuperada")
	if o.paused.Load() || o.stopped.Load() {
		return
	}
	o.timer.Start(ctx)
	o.background(ctx)
}

// Pause suspende el timer e invalida el ciclo en curso.
func (o *SyncOrchestrator) Pause() {
	if o.paused.Swap(true) {
		return
	}
	o.epoch.Add(1)
	o.timer.Stop()
	o.status.Pause()
	o.log.Info("⏸️ Sync en pausa")
}

func (o *SyncOrchestrator) Resume() {
	if !o.paused.Swap(false) {
		return
	}
	online := o.online.Load()
	o.status.Resume(online)
	o.log.Info("▶️ Sync reanudado")
	if online && !o.stopped.Load() {
		ctx := o.context()
		o.timer.Start(ctx)
		o.background(ctx)
	}
}

func (o *SyncOrchestrator) background(ctx context.Context) {
	o.mu.RLock()
	hook := o.onReconnect
	o.mu.RUnlock()

	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		if hook != nil {
			hook(ctx)
			return
		}
		o.TriggerSync(ctx)
	}()
}

// TriggerSync ejecuta un ciclo push-then-pull. Devuelve false si la llamada se descartó
// (offline, en pausa o ya hay un ciclo en vuelo). Los fallos se reportan por eventos y estado.
func (o *SyncOrchestrator) TriggerSync(ctx context.Context) (domain.SyncSummary, bool) {
	return o.guarded(ctx, "cycle", func(ctx context.Context, epoch uint64) (domain.SyncSummary, error) {
		summary, err := o.processQueue(ctx, epoch)
		if err != nil {
			return summary, fmt.Errorf("push: %w", err)
		}
		pulled, err := o.pullFromServer(ctx, epoch)
		summary.Pulled = pulled
		if err != nil {
			return summary, fmt.Errorf("pull: %w", err)
		}
		return summary, nil
	})
}

// FullSync hace pull y después push, acumulando ambos resultados.
// Un fallo del pull no impide intentar el push.
func (o *SyncOrchestrator) FullSync(ctx context.Context) (domain.SyncSummary, bool) {
	return o.guarded(ctx, "full_sync", func(ctx context.Context, epoch uint64) (domain.SyncSummary, error) {
		var errs []error
		pulled, pullErr := o.pullFromServer(ctx, epoch)
		if errors.Is(pullErr, errStaleCycle) {
			return domain.SyncSummary{Pulled: pulled}, pullErr
		}
		if pullErr != nil {
			errs = append(errs, fmt.Errorf("pull: %w", pullErr))
		}

		summary, pushErr := o.processQueue(ctx, epoch)
		summary.Pulled = pulled
		if pushErr != nil {
			errs = append(errs, fmt.Errorf("push: %w", pushErr))
		}
		if pullErr != nil {
			summary.Errors++
		}
		return summary, errors.Join(errs...)
	})
}

func (o *SyncOrchestrator) guarded(
	ctx context.Context,
	kind string,
	run func(ctx context.Context, epoch uint64) (domain.SyncSummary, error),
) (domain.SyncSummary, bool) {
	if o.stopped.Load() {
		o.log.Debug("Sync ignorado: motor detenido", zap.String("kind", kind))
		return domain.SyncSummary{}, false
	}
	if !o.online.Load() {
		o.log.Debug("Sync ignorado: sin conectividad", zap.String("kind", kind))
		return domain.SyncSummary{}, false
	}
	if o.paused.Load() {
		o.log.Debug("Sync ignorado: en pausa", zap.String("kind", kind))
		return domain.SyncSummary{}, false
	}
	if !o.syncing.CompareAndSwap(false, true) {
		o.log.Debug("Sync ignorado: ya hay un ciclo en curso", zap.String("kind", kind))
		return domain.SyncSummary{}, false
	}
	defer o.syncing.Store(false)

	epoch := o.epoch.Load()
	if o.stopped.Load() || o.paused.Load() {
		// Stop/Pause llegó entre las comprobaciones y la lectura de la época.
		return domain.SyncSummary{}, false
	}
	start := o.clock.Now()

	ctx, span := o.tracer.Start(ctx, "sync."+kind)
	defer span.End()

	o.status.BeginSync()
	o.emit(domain.NewEvent(domain.EventSyncStarted, start, nil))
	o.log.Info("🔄 Ciclo de sync iniciado", zap.String("kind", kind))

	summary, err := run(ctx, epoch)

	span.SetAttributes(
		attribute.Int("sync.pushed", summary.Pushed),
		attribute.Int("sync.pulled", summary.Pulled),
		attribute.Int("sync.conflicts", summary.Conflicts),
		attribute.Int("sync.errors", summary.Errors),
	)

	if errors.Is(err, errStaleCycle) {
		// El estado ya lo fijó Stop/Pause; no se reporta como fallo.
		o.log.Info("🗑️ Resultado del ciclo descartado tras stop/pause", zap.String("kind", kind))
		return summary, true
	}

	o.metrics.ObserveCycle(kind, err == nil, o.clock.Since(start))
	o.refreshOutboxGauges(ctx)

	if err != nil {
		// Los fallos por registro ya están contados; un ciclo fallido cuenta al menos uno.
		if summary.Errors == 0 {
			summary.Errors = 1
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.status.EndSync(summary, err)
		o.emit(domain.NewEvent(domain.EventSyncError, o.clock.Now(), domain.SyncFailure{Stage: kind, Message: err.Error()}))
		o.log.Warn("⚠️ Ciclo de sync con errores", zap.String("kind", kind), zap.Error(err))
		return summary, true
	}

	o.status.EndSync(summary, nil)
	o.emit(domain.NewEvent(domain.EventSyncComplete, o.clock.Now(), summary))
	o.log.Info("✅ Ciclo de sync completado",
		zap.String("kind", kind),
		zap.Int("pushed", summary.Pushed),
		zap.Int("pulled", summary.Pulled),
		zap.Int("conflicts", summary.Conflicts),
		zap.Int("errors", summary.Errors),
	)
	return summary, true
}

// ProcessQueue vacía el outbox en lotes fuera del single-flight; lo usan los tests y el CLI.
func (o *SyncOrchestrator) ProcessQueue(ctx context.Context) (domain.SyncSummary, error) {
	return o.processQueue(ctx, o.epoch.Load())
}

// PullFromServer trae los cambios desde el cursor y los aplica.
func (o *SyncOrchestrator) PullFromServer(ctx context.Context) (int, error) {
	return o.pullFromServer(ctx, o.epoch.Load())
}

func (o *SyncOrchestrator) stale(epoch uint64) bool {
	return o.epoch.Load() != epoch
}

// discarded: el resultado ya no vale porque hubo Stop/Pause o se canceló el contexto del motor.
// Una cancelación no es un fallo del servidor y no consume reintentos.
func (o *SyncOrchestrator) discarded(ctx context.Context, epoch uint64) bool {
	return o.stale(epoch) || errors.Is(ctx.Err(), context.Canceled)
}

// processQueue parte las entradas pending en lotes de tamaño fijo y envía cada lote una vez.
// Un fallo de transporte aborta el resto del ciclo; los lotes no enviados quedan intactos.
func (o *SyncOrchestrator) processQueue(ctx context.Context, epoch uint64) (domain.SyncSummary, error) {
	pending, err := o.outbox.GetPending(ctx)
	if err != nil {
		return domain.SyncSummary{}, fmt.Errorf("load pending: %w", err)
	}
	if len(pending) > 0 {
		o.log.Info(fmt.Sprintf("📬 %d cambios pendientes de enviar", len(pending)))
	}

	var total domain.SyncSummary
	for _, batch := range utils.Chunk(pending, o.cfg.BatchSize) {
		summary, err := o.pushBatch(ctx, epoch, batch)
		total = total.Add(summary)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// pushBatch reclama las entradas, las envía en una sola petición y aplica el resultado
// registro a registro. También lo usa el push inmediato con lotes de una entrada.
func (o *SyncOrchestrator) pushBatch(ctx context.Context, epoch uint64, batch []sharedDomain.OutboxItem) (domain.SyncSummary, error) {
	var summary domain.SyncSummary

	byKey := make(map[string][]sharedDomain.OutboxItem, len(batch))
	order := make([]string, 0, len(batch))
	records := make([]domain.SyncRecord, 0, len(batch))
	for _, item := range batch {
		if err := o.outbox.MarkProcessing(ctx, item.ID); err != nil {
			// Otra ruta (push inmediato o ciclo) ya la tiene.
			o.log.Debug("Entrada no reclamable, se omite", zap.String("id", item.ID.String()), zap.Error(err))
			continue
		}
		item.Status = sharedDomain.OutboxProcessing
		key := item.Key()
		if _, seen := byKey[key]; !seen {
			order = append(order, key)
		}
		byKey[key] = append(byKey[key], item)
		records = append(records, domain.FromOutboxItem(item))
	}
	if len(records) == 0 {
		return summary, nil
	}

	ctx, span := o.tracer.Start(ctx, "sync.push_batch", trace.WithAttributes(attribute.Int("sync.batch_size", len(records))))
	defer span.End()

	resp, err := o.push.Push(ctx, domain.PushRequest{DeviceID: o.DeviceID(), Records: records})

	if o.discarded(ctx, epoch) {
		// Sin cancelación para poder devolverlas a pending aunque el motor se esté parando.
		o.requeueAll(context.WithoutCancel(ctx), byKey, "discarded after stop or pause")
		return summary, errStaleCycle
	}

	if err != nil {
		// Sin resultados individuales: todo el lote sigue el mismo camino de reintento.
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		for _, key := range order {
			for _, item := range byKey[key] {
				o.recordFailure(ctx, item, err.Error())
			}
		}
		summary.Errors += len(records)
		o.metrics.AddRecordErrors(len(records))
		return summary, err
	}

	errorsByKey := make(map[string]string, len(resp.Errors))
	for _, e := range resp.Errors {
		errorsByKey[sharedDomain.RecordKey(e.Table, e.RecordID)] = e.Error
	}
	conflictsByKey := make(map[string]domain.PushConflict, len(resp.Conflicts))
	for _, c := range resp.Conflicts {
		conflictsByKey[sharedDomain.RecordKey(c.Table, c.RecordID)] = c
	}

	for _, key := range order {
		items := byKey[key]

		if conflict, ok := conflictsByKey[key]; ok {
			summary.Conflicts++
			o.handleConflict(ctx, items, conflict)
			continue
		}

		if msg, ok := errorsByKey[key]; ok {
			recErr := &domain.RecordError{Table: items[0].Table, RecordID: items[0].RecordID, Message: msg}
			for _, item := range items {
				o.recordFailure(ctx, item, recErr.Error())
			}
			summary.Errors++
			o.metrics.AddRecordErrors(1)
			continue
		}

		for _, item := range items {
			if err := o.outbox.MarkCompleted(ctx, item.ID); err != nil {
				o.log.Warn("⚠️ No se pudo marcar la entrada como completada", zap.String("id", item.ID.String()), zap.Error(err))
				continue
			}
			summary.Pushed++
		}
		o.markSynced(ctx, items[0].Table, items[0].RecordID)
	}

	o.metrics.AddPushed(summary.Pushed)
	span.SetAttributes(attribute.Int("sync.pushed", summary.Pushed))
	return summary, nil
}

func (o *SyncOrchestrator) handleConflict(ctx context.Context, items []sharedDomain.OutboxItem, conflict domain.PushConflict) {
	o.mu.RLock()
	resolver := o.resolver
	o.mu.RUnlock()

	if resolver == nil {
		for _, item := range items {
			o.recordFailure(ctx, item, "conflict reported by server")
		}
		return
	}

	resolution, err := resolver.ResolveConflict(ctx, items, conflict)
	if err != nil {
		o.log.Warn("⚠️ Error resolviendo conflicto",
			zap.String("record", sharedDomain.RecordKey(conflict.Table, conflict.RecordID)),
			zap.Error(err),
		)
		for _, item := range items {
			o.recordFailure(ctx, item, err.Error())
		}
		return
	}
	o.metrics.IncConflict(string(resolution))
	o.emit(domain.NewEvent(domain.EventConflictFound, o.clock.Now(), domain.ConflictResolved{
		Table:      conflict.Table,
		RecordID:   conflict.RecordID,
		Resolution: resolution,
	}))
}

func (o *SyncOrchestrator) recordFailure(ctx context.Context, item sharedDomain.OutboxItem, msg string) {
	failed, err := o.outbox.RecordFailure(ctx, item, msg)
	if err != nil {
		o.log.Warn("⚠️ No se pudo registrar el fallo de la entrada", zap.String("id", item.ID.String()), zap.Error(err))
		return
	}
	if failed {
		o.emit(domain.NewEvent(domain.EventOutboxFailed, o.clock.Now(), domain.OutboxFailure{
			ItemID:   item.ID.String(),
			Table:    item.Table,
			RecordID: item.RecordID,
			Error:    msg,
		}))
	}
}

func (o *SyncOrchestrator) requeueAll(ctx context.Context, byKey map[string][]sharedDomain.OutboxItem, reason string) {
	for _, items := range byKey {
		for _, item := range items {
			if err := o.outbox.Requeue(ctx, item.ID, reason); err != nil {
				o.log.Warn("⚠️ No se pudo devolver la entrada a pending", zap.String("id", item.ID.String()), zap.Error(err))
			}
		}
	}
}

func (o *SyncOrchestrator) markSynced(ctx context.Context, table, recordID string) {
	if o.store == nil {
		return
	}
	err := o.store.MarkSynced(ctx, table, recordID, o.clock.Now().UTC())
	if err != nil && !errors.Is(err, domain.ErrRecordNotFound) {
		o.log.Warn("⚠️ No se pudo marcar el registro como sincronizado",
			zap.String("record", sharedDomain.RecordKey(table, recordID)),
			zap.Error(err),
		)
	}
}

// pullFromServer pide los cambios de las tablas sincronizables desde el cursor, siguiendo
// la paginación. El cursor solo avanza cuando todas las páginas se aplicaron (at-least-once).
func (o *SyncOrchestrator) pullFromServer(ctx context.Context, epoch uint64) (int, error) {
	ctx, span := o.tracer.Start(ctx, "sync.pull")
	defer span.End()

	since, err := o.loadCursor(ctx)
	if err != nil {
		return 0, err
	}
	// El nuevo cursor es el instante de inicio: lo que cambie durante el pull se vuelve a pedir.
	startedAt := o.clock.Now().UTC()
	tables := o.tables.Names()

	total := 0
	pageCursor := ""
	complete := false
	for page := 0; page < o.cfg.MaxPullPages; page++ {
		resp, err := o.pull.Pull(ctx, domain.PullRequest{Since: since, Tables: tables, Cursor: pageCursor})
		if o.discarded(ctx, epoch) {
			return total, errStaleCycle
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return total, err
		}

		applied, err := o.applier.ApplyBatch(ctx, resp.Changes)
		total += applied
		o.metrics.AddPulled(len(resp.Changes))
		if err != nil {
			return total, fmt.Errorf("apply pulled changes: %w", err)
		}

		if !resp.HasMore || resp.NextCursor == "" {
			complete = true
			break
		}
		if resp.NextCursor == pageCursor {
			o.log.Warn("⚠️ El servidor repitió el cursor de página, se corta la paginación", zap.String("cursor", pageCursor))
			return total, fmt.Errorf("%w: server repeated page cursor %q", ErrPullIncomplete, pageCursor)
		}
		pageCursor = resp.NextCursor
	}
	if !complete {
		// Lo aplicado se queda (el merge es idempotente); el siguiente pull repite desde el mismo cursor.
		return total, fmt.Errorf("%w: page limit %d reached", ErrPullIncomplete, o.cfg.MaxPullPages)
	}

	if err := o.state.Set(ctx, domain.StateKeyLastSyncAt, startedAt.Format(time.RFC3339Nano)); err != nil {
		return total, fmt.Errorf("save cursor: %w", err)
	}
	span.SetAttributes(attribute.Int("sync.pulled", total))
	return total, nil
}

// loadCursor devuelve el último cursor o el instante cero si nunca se sincronizó.
func (o *SyncOrchestrator) loadCursor(ctx context.Context) (time.Time, error) {
	raw, ok, err := o.state.Get(ctx, domain.StateKeyLastSyncAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("load cursor: %w", err)
	}
	if !ok || raw == "" {
		return time.Time{}, nil
	}
	since, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		o.log.Warn("⚠️ Cursor corrupto, se hace pull completo", zap.String("cursor", raw), zap.Error(err))
		return time.Time{}, nil
	}
	return since, nil
}

func (o *SyncOrchestrator) refreshOutboxGauges(ctx context.Context) {
	if o.metrics == nil {
		return
	}
	stats, err := o.outbox.GetStats(ctx)
	if err != nil {
		return
	}
	o.metrics.SetOutbox(stats)
}

func (o *SyncOrchestrator) emit(evt domain.Event) {
	if o.events != nil {
		o.events.Emit(evt)
	}
}
