package application

import (
	"context"
	"testing"
	"time"

	sharedDomain "github.com/davicafu/offlinesync/internal/shared/domain"
	"github.com/davicafu/offlinesync/internal/sync/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// startManager arranca la fachada; si online, consume el pull de la sincronización inicial.
func (h *harness) startManager(t *testing.T, online bool) {
	t.Helper()
	if h.manager == nil {
		h.withManager()
	}
	if online {
		h.pullEmptyOnce()
	}
	require.NoError(t, h.manager.Start(context.Background(), online))
	h.manager.Wait()
	t.Cleanup(h.manager.Stop)
}

func TestManager_RecordLocalChangeOffline(t *testing.T) {
	// ARRANGE
	h := newHarness(t)
	h.startManager(t, false)
	ctx := context.Background()

	// ACT
	id, err := h.manager.RecordLocalChange(ctx, "products", sharedDomain.OperationCreate,
		map[string]interface{}{"id": "p1", "name": "Café", "price": 3.5})
	h.manager.Wait()

	// ASSERT
	require.NoError(t, err)

	rec := h.store.Snapshot("products", "p1")
	require.NotNil(t, rec)
	assert.False(t, rec.IsSynced)
	assert.True(t, rec.NeedsSync())
	assert.True(t, t0.Equal(rec.LocalUpdatedAt))
	assert.Equal(t, "Café", rec.Data["name"])

	item := h.item(t, id)
	assert.Equal(t, sharedDomain.OutboxPending, item.Status)
	assert.Equal(t, "p1", item.RecordID)
	assert.Equal(t, t0.Format(time.RFC3339Nano), item.Payload[domain.FieldLocalUpdatedAt])

	h.push.AssertNotCalled(t, "Push", mock.Anything, mock.Anything)
	assert.Empty(t, h.realtime.Sent())
}

func TestManager_RecordLocalChangeOnlineEnviaYDifunde(t *testing.T) {
	h := newHarness(t)
	h.startManager(t, true)
	ctx := context.Background()
	require.Eventually(t, h.realtime.Connected, time.Second, 5*time.Millisecond)

	deviceID := h.manager.DeviceID()
	h.push.On("Push", mock.Anything, mock.MatchedBy(func(req domain.PushRequest) bool {
		return req.DeviceID == deviceID && len(req.Records) == 1 && req.Records[0].RecordID == "c1"
	})).Return(&domain.PushResponse{SyncedCount: 1}, nil).Once()

	id, err := h.manager.RecordLocalChange(ctx, "customers", sharedDomain.OperationUpdate,
		map[string]interface{}{"id": "c1", "email": "ana@example.com"})
	require.NoError(t, err)
	h.manager.Wait()

	h.push.AssertExpectations(t)
	assert.Equal(t, sharedDomain.OutboxCompleted, h.repo.StatusOf(id))

	rec := h.store.Snapshot("customers", "c1")
	require.NotNil(t, rec)
	assert.True(t, rec.IsSynced)
	require.NotNil(t, rec.LastSyncedAt)

	sent := h.realtime.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, domain.MessageTypeChange, sent[0].Type)
	assert.Equal(t, deviceID, sent[0].Payload.SourceDeviceID)
	assert.Equal(t, sharedDomain.OperationUpdate, sent[0].Payload.Operation)
}

func TestManager_RecordLocalChangeValida(t *testing.T) {
	h := newHarness(t)
	h.startManager(t, false)
	ctx := context.Background()

	_, err := h.manager.RecordLocalChange(ctx, "audit_log", sharedDomain.OperationCreate, map[string]interface{}{"id": "1"})
	assert.ErrorIs(t, err, domain.ErrTableNotSyncable)

	_, err = h.manager.RecordLocalChange(ctx, "products", sharedDomain.Operation("merge"), map[string]interface{}{"id": "1"})
	assert.ErrorIs(t, err, domain.ErrInvalidRecord)

	_, err = h.manager.RecordLocalChange(ctx, "settings", sharedDomain.OperationUpdate, map[string]interface{}{"id": "1"})
	assert.ErrorIs(t, err, domain.ErrInvalidRecord, "settings se identifica por key")

	assert.Empty(t, h.store.Records)
	stats, _ := h.outbox.GetStats(ctx)
	assert.Equal(t, 0, stats.Total)
}

func TestManager_RecordLocalChangeBorrado(t *testing.T) {
	h := newHarness(t)
	h.startManager(t, false)
	ctx := context.Background()
	require.NoError(t, h.store.Upsert(ctx, domain.Record{Table: "payments", ID: "9", IsSynced: true}))

	id, err := h.manager.RecordLocalChange(ctx, "payments", sharedDomain.OperationDelete, map[string]interface{}{"id": 9.0})

	require.NoError(t, err)
	assert.Nil(t, h.store.Snapshot("payments", "9"))
	item := h.item(t, id)
	assert.Equal(t, sharedDomain.OperationDelete, item.Operation)
	assert.Equal(t, "9", item.RecordID)
}

func TestManager_EnPausaNoHayPushInmediato(t *testing.T) {
	h := newHarness(t)
	h.startManager(t, true)
	h.manager.Pause()

	id, err := h.manager.RecordLocalChange(context.Background(), "products", sharedDomain.OperationCreate, map[string]interface{}{"id": "p1"})
	require.NoError(t, err)
	h.manager.Wait()

	h.push.AssertNotCalled(t, "Push", mock.Anything, mock.Anything)
	assert.Equal(t, sharedDomain.OutboxPending, h.repo.StatusOf(id))
}

// Edición offline, el servidor tiene una versión más reciente: gana el servidor
// y el siguiente pull trae su versión.
func TestManager_ConflictoGanaElServidor(t *testing.T) {
	h := newHarness(t)
	h.startManager(t, false)
	ctx := context.Background()

	id, err := h.manager.RecordLocalChange(ctx, "products", sharedDomain.OperationUpdate, map[string]interface{}{"id": "p1", "price": 10.0})
	require.NoError(t, err)

	serverAt := t0.Add(time.Hour)
	h.push.On("Push", mock.Anything, mock.Anything).Return(&domain.PushResponse{
		Conflicts: []domain.PushConflict{{
			Table: "products", RecordID: "p1",
			ServerData:      map[string]interface{}{"id": "p1", "price": 12.0},
			ServerUpdatedAt: serverAt,
		}},
	}, nil).Once()
	h.pullEmptyOnce()

	// ACT: la reconexión lanza la sincronización completa (pull y después push).
	h.manager.SetOnline(true)
	h.manager.Wait()

	// ASSERT
	assert.Equal(t, sharedDomain.OutboxCompleted, h.repo.StatusOf(id))
	assert.True(t, h.store.Snapshot("products", "p1").IsSynced)

	conflicts := h.sink.OfType(domain.EventConflictFound)
	require.Len(t, conflicts, 1)
	assert.Equal(t, domain.ResolutionServerWins, conflicts[0].Payload.(domain.ConflictResolved).Resolution)
	assert.Equal(t, 1, h.status.Snapshot().LastSummary.Conflicts)

	h.pull.On("Pull", mock.Anything, mock.Anything).Return(&domain.PullResponse{
		Changes: []domain.RemoteChange{{Table: "products", RecordID: "p1", Data: map[string]interface{}{"id": "p1", "price": 12.0}, UpdatedAt: serverAt}},
	}, nil).Once()
	_, ran := h.manager.TriggerSync(ctx)

	require.True(t, ran)
	assert.Equal(t, 12.0, h.store.Snapshot("products", "p1").Data["price"])
}

func TestManager_ConflictoGanaLocal(t *testing.T) {
	h := newHarness(t)
	h.startManager(t, false)
	ctx := context.Background()
	id, err := h.manager.RecordLocalChange(ctx, "products", sharedDomain.OperationUpdate, map[string]interface{}{"id": "p1", "price": 10.0})
	require.NoError(t, err)
	require.NoError(t, h.outbox.MarkProcessing(ctx, id))

	resolution, err := h.manager.ResolveConflict(ctx, []sharedDomain.OutboxItem{*h.item(t, id)}, domain.PushConflict{
		Table: "products", RecordID: "p1", ServerUpdatedAt: t0.Add(-time.Hour),
	})

	require.NoError(t, err)
	assert.Equal(t, domain.ResolutionLocalWins, resolution)
	item := h.item(t, id)
	assert.Equal(t, sharedDomain.OutboxPending, item.Status)
	assert.Equal(t, 1, item.RetryCount, "el reenvío cuenta como intento")
	assert.False(t, h.store.Snapshot("products", "p1").IsSynced)
}

func TestManager_ConflictoGanaLocalRepetidoAcabaEnFailed(t *testing.T) {
	// ARRANGE
	h := newHarness(t)
	h.startManager(t, false)
	ctx := context.Background()
	id, err := h.manager.RecordLocalChange(ctx, "products", sharedDomain.OperationUpdate, map[string]interface{}{"id": "p1", "price": 10.0})
	require.NoError(t, err)
	conflict := domain.PushConflict{Table: "products", RecordID: "p1", ServerUpdatedAt: t0.Add(-time.Hour)}

	// ACT: el servidor rechaza la versión local una y otra vez (maxRetries = 3).
	for i := 0; i < 3; i++ {
		require.NoError(t, h.outbox.MarkProcessing(ctx, id))
		resolution, err := h.manager.ResolveConflict(ctx, []sharedDomain.OutboxItem{*h.item(t, id)}, conflict)
		require.NoError(t, err)
		require.Equal(t, domain.ResolutionLocalWins, resolution)
	}

	// ASSERT
	item := h.item(t, id)
	assert.Equal(t, sharedDomain.OutboxFailed, item.Status)
	assert.Equal(t, 3, item.RetryCount)
	assert.Equal(t, 1, h.sink.Count(domain.EventOutboxFailed))
}

func TestManager_ConflictoEmpateGanaElServidor(t *testing.T) {
	h := newHarness(t)
	h.startManager(t, false)
	ctx := context.Background()
	id, err := h.manager.RecordLocalChange(ctx, "products", sharedDomain.OperationUpdate, map[string]interface{}{"id": "p1"})
	require.NoError(t, err)
	require.NoError(t, h.outbox.MarkProcessing(ctx, id))

	resolution, err := h.manager.ResolveConflict(ctx, []sharedDomain.OutboxItem{*h.item(t, id)}, domain.PushConflict{
		Table: "products", RecordID: "p1", ServerUpdatedAt: t0,
	})

	require.NoError(t, err)
	assert.Equal(t, domain.ResolutionServerWins, resolution)
	assert.Equal(t, sharedDomain.OutboxCompleted, h.repo.StatusOf(id))
}

func TestManager_CambioEnVivoDeOtroDispositivo(t *testing.T) {
	h := newHarness(t)
	h.startManager(t, false)
	require.Eventually(t, h.realtime.Connected, time.Second, 5*time.Millisecond)

	h.realtime.Inject(domain.RealtimeMessage{
		Type: domain.MessageTypeChange,
		Payload: domain.RealtimePayload{
			Table:          "invoices",
			RecordID:       "inv-7",
			Operation:      sharedDomain.OperationCreate,
			Data:           map[string]interface{}{"id": "inv-7", "total": 120.0},
			Timestamp:      t0.Add(-time.Minute),
			SourceDeviceID: "device-B",
		},
	})

	require.Eventually(t, func() bool {
		return h.store.Snapshot("invoices", "inv-7") != nil
	}, time.Second, 5*time.Millisecond)
	rec := h.store.Snapshot("invoices", "inv-7")
	assert.True(t, rec.IsSynced)
	assert.Equal(t, 120.0, rec.Data["total"])
	assert.Eventually(t, func() bool { return h.sink.Count(domain.EventRemoteUpdate) == 1 }, time.Second, 5*time.Millisecond)

	// Aplicar un cambio remoto nunca encola en el outbox.
	stats, _ := h.outbox.GetStats(context.Background())
	assert.Equal(t, 0, stats.Total)
}

func TestManager_EcoPropioSeIgnora(t *testing.T) {
	h := newHarness(t)
	h.startManager(t, false)

	h.manager.HandleRealtime(context.Background(), domain.RealtimeMessage{
		Type: domain.MessageTypeChange,
		Payload: domain.RealtimePayload{
			Table: "products", RecordID: "p1", Operation: sharedDomain.OperationCreate,
			Data: map[string]interface{}{"id": "p1"}, Timestamp: t0, SourceDeviceID: h.manager.DeviceID(),
		},
	})

	assert.Nil(t, h.store.Snapshot("products", "p1"))
	assert.Equal(t, 0, h.sink.Count(domain.EventRemoteUpdate))
}

func TestManager_MensajesIgnorados(t *testing.T) {
	h := newHarness(t)
	h.startManager(t, false)
	ctx := context.Background()

	h.manager.HandleRealtime(ctx, domain.RealtimeMessage{Type: domain.MessageTypeHeartbeat})
	h.manager.HandleRealtime(ctx, domain.RealtimeMessage{
		Type:    domain.MessageTypeChange,
		Payload: domain.RealtimePayload{Table: "audit_log", RecordID: "1", SourceDeviceID: "device-B"},
	})

	h.manager.Pause()
	h.manager.HandleRealtime(ctx, domain.RealtimeMessage{
		Type: domain.MessageTypeChange,
		Payload: domain.RealtimePayload{
			Table: "products", RecordID: "p1", Data: map[string]interface{}{"id": "p1"}, Timestamp: t0, SourceDeviceID: "device-B",
		},
	})

	assert.Empty(t, h.store.Records)
}

func TestManager_DeviceIDPersistente(t *testing.T) {
	h := newHarness(t)
	h.startManager(t, false)

	generated := h.manager.DeviceID()
	_, err := uuid.Parse(generated)
	require.NoError(t, err)
	assert.Equal(t, generated, h.state.Value(domain.StateKeyDeviceID))
	assert.Equal(t, generated, h.orch.DeviceID())

	// Un segundo arranque sobre el mismo StateStore reutiliza el id.
	h2 := newHarness(t)
	h2.state = h.state
	h2.startManager(t, false)
	assert.Equal(t, generated, h2.manager.DeviceID())
}

func TestManager_StartRecuperaEntradasEnProcessing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.add(t, "products", "p1", sharedDomain.OperationCreate)
	require.NoError(t, h.outbox.MarkProcessing(ctx, id))

	h.startManager(t, false)

	assert.Equal(t, sharedDomain.OutboxPending, h.repo.StatusOf(id))
}

func TestManager_StartOnlineHaceSyncCompleta(t *testing.T) {
	h := newHarness(t)
	id := h.add(t, "products", "p1", sharedDomain.OperationCreate)
	h.pushOK(1)

	h.startManager(t, true)

	h.pull.AssertNumberOfCalls(t, "Pull", 1)
	assert.Equal(t, sharedDomain.OutboxCompleted, h.repo.StatusOf(id))
	assert.Equal(t, domain.StateIdle, h.status.State())
}

func TestManager_Status(t *testing.T) {
	h := newHarness(t)
	h.startManager(t, false)
	ctx := context.Background()
	_, err := h.manager.RecordLocalChange(ctx, "products", sharedDomain.OperationCreate, map[string]interface{}{"id": "p1"})
	require.NoError(t, err)

	snap := h.manager.Status(ctx)

	assert.Equal(t, domain.StateOffline, snap.State)
	assert.False(t, snap.Online)
	assert.Equal(t, h.manager.DeviceID(), snap.DeviceID)
	assert.Equal(t, 1, snap.Pending)
	assert.Equal(t, 0, snap.Failed)
	assert.Nil(t, snap.LastSyncAt)
}

func TestManager_PushRecordNoDuplicaEntradaReclamada(t *testing.T) {
	h := newHarness(t)
	h.startManager(t, true)
	ctx := context.Background()
	id := h.add(t, "products", "p1", sharedDomain.OperationCreate)
	require.NoError(t, h.outbox.MarkProcessing(ctx, id))

	summary := h.manager.PushRecord(ctx, id)

	assert.Equal(t, domain.SyncSummary{}, summary)
	h.push.AssertNotCalled(t, "Push", mock.Anything, mock.Anything)
}

func TestManager_StopDesconectaElCanal(t *testing.T) {
	h := newHarness(t).withManager()
	require.NoError(t, h.manager.Start(context.Background(), false))
	require.Eventually(t, h.realtime.Connected, time.Second, 5*time.Millisecond)

	h.manager.Stop()

	assert.False(t, h.realtime.Connected())
	// Stop es idempotente.
	h.manager.Stop()
}

func TestManager_OperacionesDeOperador(t *testing.T) {
	h := newHarness(t)
	h.startManager(t, false)
	ctx := context.Background()

	done := h.add(t, "products", "p1", sharedDomain.OperationCreate)
	require.NoError(t, h.outbox.MarkProcessing(ctx, done))
	require.NoError(t, h.outbox.MarkCompleted(ctx, done))

	failed := h.add(t, "products", "p2", sharedDomain.OperationCreate)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.outbox.MarkProcessing(ctx, failed))
		_, err := h.outbox.RecordFailure(ctx, *h.item(t, failed), "rejected")
		require.NoError(t, err)
	}

	items, err := h.manager.FailedItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)

	n, err := h.manager.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = h.manager.ClearCompleted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := h.manager.OutboxStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, sharedDomain.OutboxStats{Total: 1, Pending: 1}, stats)

	// Sin reconciliador configurado no hace nada.
	n, err = h.manager.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestManager_TrasStopNoHayCiclos(t *testing.T) {
	// ARRANGE
	h := newHarness(t)
	h.startManager(t, true)
	ctx := context.Background()
	id := h.add(t, "products", "p1", sharedDomain.OperationCreate)

	// ACT
	h.manager.Stop()

	// ASSERT
	_, ran := h.manager.TriggerSync(ctx)
	assert.False(t, ran)
	assert.Equal(t, domain.SyncSummary{}, h.manager.PerformFullSync(ctx))

	h.clock.Advance(time.Hour)
	h.manager.Wait()

	h.push.AssertNotCalled(t, "Push", mock.Anything, mock.Anything)
	item := h.item(t, id)
	assert.Equal(t, sharedDomain.OutboxPending, item.Status)
	assert.Equal(t, 0, item.RetryCount)
}

func TestManager_StopCancelaElPushInmediato(t *testing.T) {
	h := newHarness(t)
	h.startManager(t, true)

	pushing := make(chan struct{})
	h.push.On("Push", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		close(pushing)
		<-args.Get(0).(context.Context).Done()
	}).Return(nil, context.Canceled).Once()

	id, err := h.manager.RecordLocalChange(context.Background(), "products", sharedDomain.OperationCreate,
		map[string]interface{}{"id": "p1", "name": "Pan"})
	require.NoError(t, err)

	select {
	case <-pushing:
	case <-time.After(2 * time.Second):
		t.Fatal("el push inmediato no llegó a enviarse")
	}

	stopped := make(chan struct{})
	go func() {
		h.manager.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop no canceló el push inmediato")
	}

	// Cancelado por Stop: vuelve a pending sin gastar intento.
	item := h.item(t, id)
	assert.Equal(t, sharedDomain.OutboxPending, item.Status)
	assert.Equal(t, 0, item.RetryCount)
}
