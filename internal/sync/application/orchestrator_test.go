package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sharedDomain "github.com/davicafu/offlinesync/internal/shared/domain"
	"github.com/davicafu/offlinesync/internal/sync/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestOrchestrator_TriggerOfflineEsNoOp(t *testing.T) {
	// ARRANGE
	h := newHarness(t)
	ctx := context.Background()
	id := h.add(t, "products", "p1", sharedDomain.OperationCreate)

	// ACT
	_, ran := h.orch.TriggerSync(ctx)

	// ASSERT
	assert.False(t, ran)
	h.push.AssertNotCalled(t, "Push", mock.Anything, mock.Anything)
	h.pull.AssertNotCalled(t, "Pull", mock.Anything, mock.Anything)
	assert.Equal(t, sharedDomain.OutboxPending, h.repo.StatusOf(id))

	stats, _ := h.outbox.GetStats(ctx)
	assert.Equal(t, 1, stats.Pending)
}

func TestOrchestrator_ReconexionDisparaCicloYCompleta(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.add(t, "products", "p1", sharedDomain.OperationCreate)

	h.push.On("Push", mock.Anything, mock.MatchedBy(func(req domain.PushRequest) bool {
		return len(req.Records) == 1 && req.Records[0].RecordID == "p1"
	})).Return(&domain.PushResponse{SyncedCount: 1}, nil).Once()
	h.pullEmptyOnce()

	// ACT
	h.orch.SetOnline(true)
	h.orch.Wait()
	defer h.orch.Stop()

	// ASSERT
	h.push.AssertExpectations(t)
	assert.Equal(t, sharedDomain.OutboxCompleted, h.repo.StatusOf(id))
	stats, _ := h.outbox.GetStats(ctx)
	assert.Equal(t, 0, stats.Pending)

	assert.Equal(t, 1, h.sink.Count(domain.EventOnline))
	assert.Equal(t, 1, h.sink.Count(domain.EventSyncStarted))
	complete := h.sink.OfType(domain.EventSyncComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, domain.SyncSummary{Pushed: 1}, complete[0].Payload)
	assert.Equal(t, domain.StateIdle, h.status.State())
}

func TestOrchestrator_FalloParcialDelLote(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.goOnline(t)
	defer h.orch.Stop()

	p1 := h.add(t, "products", "p1", sharedDomain.OperationCreate)
	p2 := h.add(t, "products", "p2", sharedDomain.OperationCreate)
	p3 := h.add(t, "products", "p3", sharedDomain.OperationCreate)

	h.push.On("Push", mock.Anything, mock.Anything).Return(&domain.PushResponse{
		SyncedCount: 2,
		Errors:      []domain.PushError{{Table: "products", RecordID: "p2", Error: "invalid price"}},
	}, nil).Once()
	h.pullEmptyOnce()

	summary, ran := h.orch.TriggerSync(ctx)

	require.True(t, ran)
	assert.Equal(t, 2, summary.Pushed)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, sharedDomain.OutboxCompleted, h.repo.StatusOf(p1))
	assert.Equal(t, sharedDomain.OutboxCompleted, h.repo.StatusOf(p3))

	failed := h.item(t, p2)
	assert.Equal(t, sharedDomain.OutboxPending, failed.Status)
	assert.Equal(t, 1, failed.RetryCount)
	assert.Contains(t, failed.Error, "invalid price")
}

func TestOrchestrator_FalloDeTransporteAfectaATodoElLote(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.goOnline(t)
	defer h.orch.Stop()

	ids := []uuid.UUID{
		h.add(t, "products", "p1", sharedDomain.OperationCreate),
		h.add(t, "customers", "c1", sharedDomain.OperationUpdate),
	}

	h.push.On("Push", mock.Anything, mock.Anything).
		Return(nil, &domain.TransportError{Op: "push", StatusCode: 503, Err: errors.New("unavailable")}).Once()

	summary, ran := h.orch.TriggerSync(ctx)
	require.True(t, ran)
	assert.Equal(t, 2, summary.Errors, "un error por registro del lote, sin extra por el ciclo")

	for _, id := range ids {
		item := h.item(t, id)
		assert.Equal(t, sharedDomain.OutboxPending, item.Status)
		assert.Equal(t, 1, item.RetryCount)
	}

	// El pull no se intenta: el fallo aborta el resto del ciclo.
	h.pull.AssertNumberOfCalls(t, "Pull", 1) // solo el de la reconexión
	assert.Equal(t, domain.StateError, h.status.State())
	assert.Equal(t, 1, h.sink.Count(domain.EventSyncError))
	assert.Contains(t, h.status.Snapshot().LastError, "503")
}

func TestOrchestrator_TerminacionDeReintentos(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.goOnline(t)
	defer h.orch.Stop()

	id := h.add(t, "products", "p1", sharedDomain.OperationCreate)
	h.push.On("Push", mock.Anything, mock.Anything).
		Return(&domain.PushResponse{Errors: []domain.PushError{{Table: "products", RecordID: "p1", Error: "rejected"}}}, nil).
		Times(3)
	h.pull.On("Pull", mock.Anything, mock.Anything).Return(&domain.PullResponse{}, nil)

	for i := 0; i < 3; i++ {
		h.orch.TriggerSync(ctx)
	}
	assert.Equal(t, sharedDomain.OutboxFailed, h.repo.StatusOf(id))
	assert.Equal(t, 1, h.sink.Count(domain.EventOutboxFailed))

	// Un cuarto ciclo no vuelve a enviarla.
	h.orch.TriggerSync(ctx)
	h.push.AssertNumberOfCalls(t, "Push", 3)
	assert.Equal(t, sharedDomain.OutboxFailed, h.repo.StatusOf(id))
}

func TestOrchestrator_LotesDeTamanoFijo(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.goOnline(t)
	defer h.orch.Stop()

	for i := 0; i < 120; i++ {
		h.add(t, "products", fmt.Sprintf("p%03d", i), sharedDomain.OperationCreate)
	}

	var sizes []int
	var firstIDs []string
	h.push.On("Push", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		req := args.Get(1).(domain.PushRequest)
		sizes = append(sizes, len(req.Records))
		firstIDs = append(firstIDs, req.Records[0].RecordID)
	}).Return(&domain.PushResponse{}, nil).Times(3)
	h.pullEmptyOnce()

	summary, ran := h.orch.TriggerSync(ctx)

	require.True(t, ran)
	assert.Equal(t, []int{50, 50, 20}, sizes)
	assert.Equal(t, []string{"p000", "p050", "p100"}, firstIDs, "orden FIFO entre lotes")
	assert.Equal(t, 120, summary.Pushed)
}

func TestOrchestrator_SingleFlight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.goOnline(t)
	defer h.orch.Stop()

	h.add(t, "products", "p1", sharedDomain.OperationCreate)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.push.On("Push", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		close(entered)
		<-release
	}).Return(&domain.PushResponse{}, nil).Once()
	h.pullEmptyOnce()

	var wg sync.WaitGroup
	var firstRan bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstRan = h.orch.TriggerSync(ctx)
	}()

	<-entered
	_, secondRan := h.orch.TriggerSync(ctx)
	assert.False(t, secondRan, "la segunda llamada se descarta mientras hay un ciclo en vuelo")
	assert.True(t, h.orch.IsSyncing())

	close(release)
	wg.Wait()
	assert.True(t, firstRan)
	h.push.AssertNumberOfCalls(t, "Push", 1)
	assert.False(t, h.orch.IsSyncing())
}

func TestOrchestrator_PausaDuranteElPushDescartaElResultado(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.goOnline(t)
	defer h.orch.Stop()

	id := h.add(t, "products", "p1", sharedDomain.OperationCreate)
	h.push.On("Push", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		h.orch.Pause() // llega mientras la petición está en vuelo
	}).Return(&domain.PushResponse{SyncedCount: 1}, nil).Once()

	_, ran := h.orch.TriggerSync(ctx)
	require.True(t, ran)

	item := h.item(t, id)
	assert.Equal(t, sharedDomain.OutboxPending, item.Status, "el resultado tardío no se aplica")
	assert.Equal(t, 0, item.RetryCount)
	assert.Equal(t, domain.StatePaused, h.status.State())
	assert.Equal(t, 1, h.sink.Count(domain.EventSyncComplete), "solo el ciclo de reconexión")
	h.pull.AssertNumberOfCalls(t, "Pull", 1)

	// En pausa los triggers son no-op.
	_, ran = h.orch.TriggerSync(ctx)
	assert.False(t, ran)
}

func TestOrchestrator_ResumeRelanzaCiclo(t *testing.T) {
	h := newHarness(t)
	h.goOnline(t)
	defer h.orch.Stop()

	h.orch.Pause()
	id := h.add(t, "products", "p1", sharedDomain.OperationCreate)

	h.pushOK(1)
	h.pullEmptyOnce()
	h.orch.Resume()
	h.orch.Wait()

	assert.Equal(t, sharedDomain.OutboxCompleted, h.repo.StatusOf(id))
	assert.Equal(t, domain.StateIdle, h.status.State())
}

func TestOrchestrator_TimerDeAutoSync(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.orch.Start(ctx)
	h.goOnline(t)
	defer h.orch.Stop()

	id := h.add(t, "products", "p1", sharedDomain.OperationCreate)
	h.push.On("Push", mock.Anything, mock.Anything).Return(&domain.PushResponse{}, nil)
	h.pull.On("Pull", mock.Anything, mock.Anything).Return(&domain.PullResponse{}, nil)

	assert.Eventually(t, func() bool {
		h.clock.Advance(5 * time.Minute)
		return h.repo.StatusOf(id) == sharedDomain.OutboxCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOrchestrator_OfflineParaElTimer(t *testing.T) {
	h := newHarness(t)
	h.orch.Start(context.Background())
	h.goOnline(t)
	assert.True(t, h.orch.timer.Running())

	h.orch.SetOnline(false)

	assert.False(t, h.orch.timer.Running())
	assert.Equal(t, domain.StateOffline, h.status.State())
	assert.Equal(t, 1, h.sink.Count(domain.EventOffline))
}

func TestOrchestrator_ConflictoSinResolverSeTrataComoError(t *testing.T) {
	h := newHarness(t)
	h.goOnline(t)
	defer h.orch.Stop()

	id := h.add(t, "products", "p1", sharedDomain.OperationUpdate)
	h.push.On("Push", mock.Anything, mock.Anything).Return(&domain.PushResponse{
		Conflicts: []domain.PushConflict{{Table: "products", RecordID: "p1", ServerUpdatedAt: t0.Add(time.Hour)}},
	}, nil).Once()
	h.pullEmptyOnce()

	summary, _ := h.orch.TriggerSync(context.Background())

	assert.Equal(t, 1, summary.Conflicts)
	item := h.item(t, id)
	assert.Equal(t, sharedDomain.OutboxPending, item.Status)
	assert.Equal(t, 1, item.RetryCount)
}

func TestOrchestrator_EntradasDuplicadasDelMismoRegistro(t *testing.T) {
	h := newHarness(t)
	h.goOnline(t)
	defer h.orch.Stop()

	create := h.add(t, "products", "p1", sharedDomain.OperationCreate)
	update := h.add(t, "products", "p1", sharedDomain.OperationUpdate)

	h.push.On("Push", mock.Anything, mock.MatchedBy(func(req domain.PushRequest) bool {
		return len(req.Records) == 2
	})).Return(&domain.PushResponse{SyncedCount: 1}, nil).Once()
	h.pullEmptyOnce()

	h.orch.TriggerSync(context.Background())

	assert.Equal(t, sharedDomain.OutboxCompleted, h.repo.StatusOf(create))
	assert.Equal(t, sharedDomain.OutboxCompleted, h.repo.StatusOf(update))
}

func TestOrchestrator_PullPaginadoYCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	since := t0.Add(-24 * time.Hour)
	require.NoError(t, h.state.Set(ctx, domain.StateKeyLastSyncAt, since.Format(time.RFC3339Nano)))

	h.pull.On("Pull", mock.Anything, mock.MatchedBy(func(req domain.PullRequest) bool {
		return req.Cursor == "" && req.Since.Equal(since) && len(req.Tables) == 6
	})).Return(&domain.PullResponse{
		Changes:    []domain.RemoteChange{{Table: "products", RecordID: "p1", Data: map[string]interface{}{"id": "p1"}, UpdatedAt: t0}},
		HasMore:    true,
		NextCursor: "page-2",
	}, nil).Once()
	h.pull.On("Pull", mock.Anything, mock.MatchedBy(func(req domain.PullRequest) bool {
		return req.Cursor == "page-2"
	})).Return(&domain.PullResponse{
		Changes: []domain.RemoteChange{{Table: "settings", Data: map[string]interface{}{"key": "currency", "value": "EUR"}, UpdatedAt: t0}},
	}, nil).Once()

	n, err := h.orch.PullFromServer(ctx)

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	h.pull.AssertExpectations(t)
	assert.NotNil(t, h.store.Snapshot("products", "p1"))
	assert.NotNil(t, h.store.Snapshot("settings", "currency"))
	assert.Equal(t, t0.Format(time.RFC3339Nano), h.state.Value(domain.StateKeyLastSyncAt))
}

func TestOrchestrator_PullFallidoNoAvanzaElCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	since := t0.Add(-time.Hour).Format(time.RFC3339Nano)
	require.NoError(t, h.state.Set(ctx, domain.StateKeyLastSyncAt, since))

	h.pull.On("Pull", mock.Anything, mock.Anything).Return(&domain.PullResponse{
		Changes: []domain.RemoteChange{{Table: "products", RecordID: "p1", UpdatedAt: t0}},
		HasMore: true, NextCursor: "page-2",
	}, nil).Once()
	h.pull.On("Pull", mock.Anything, mock.Anything).
		Return(nil, &domain.TransportError{Op: "pull", Err: errors.New("timeout")}).Once()

	_, err := h.orch.PullFromServer(ctx)

	require.Error(t, err)
	assert.True(t, domain.IsTransportError(err))
	assert.Equal(t, since, h.state.Value(domain.StateKeyLastSyncAt))
}

func TestOrchestrator_PullRepetidoEsIdempotente(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	changes := []domain.RemoteChange{
		{Table: "invoices", RecordID: "5", Data: map[string]interface{}{"id": "5", "total": 10.0}, UpdatedAt: t0},
		{Table: "invoices", RecordID: "6", Data: map[string]interface{}{"id": "6", "total": 20.0}, UpdatedAt: t0},
	}
	h.pull.On("Pull", mock.Anything, mock.Anything).Return(&domain.PullResponse{Changes: changes}, nil).Twice()

	n, err := h.orch.PullFromServer(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	before := h.store.Snapshot("invoices", "5")

	// Simula una caída antes de guardar el cursor: se repite el mismo pull.
	require.NoError(t, h.state.Set(ctx, domain.StateKeyLastSyncAt, ""))
	h.clock.Advance(time.Minute)
	n, err = h.orch.PullFromServer(ctx)

	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, before, h.store.Snapshot("invoices", "5"))
	assert.Equal(t, 2, h.sink.Count(domain.EventRemoteUpdate), "la repetición no emite eventos")
}

func TestOrchestrator_FullSyncHacePullAntesQuePush(t *testing.T) {
	h := newHarness(t)
	h.goOnline(t)
	defer h.orch.Stop()
	h.add(t, "products", "p1", sharedDomain.OperationCreate)

	var order []string
	h.pull.On("Pull", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		order = append(order, "pull")
	}).Return(&domain.PullResponse{Changes: []domain.RemoteChange{{Table: "customers", RecordID: "c1", UpdatedAt: t0}}}, nil).Once()
	h.push.On("Push", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		order = append(order, "push")
	}).Return(&domain.PushResponse{}, nil).Once()

	summary, ran := h.orch.FullSync(context.Background())

	require.True(t, ran)
	assert.Equal(t, []string{"pull", "push"}, order)
	assert.Equal(t, domain.SyncSummary{Pulled: 1, Pushed: 1}, summary)
}

func TestOrchestrator_FullSyncIntentaPushAunqueFalleElPull(t *testing.T) {
	h := newHarness(t)
	h.goOnline(t)
	defer h.orch.Stop()
	id := h.add(t, "products", "p1", sharedDomain.OperationCreate)

	h.pull.On("Pull", mock.Anything, mock.Anything).Return(nil, errors.New("pull down")).Once()
	h.pushOK(1)

	summary, _ := h.orch.FullSync(context.Background())

	assert.Equal(t, sharedDomain.OutboxCompleted, h.repo.StatusOf(id))
	assert.Equal(t, 1, summary.Pushed)
	assert.Equal(t, 1, summary.Errors) // fallo del pull
	assert.Equal(t, domain.StateError, h.status.State())
}

func (h *harness) pullPage(cursor string, resp *domain.PullResponse) {
	h.pull.On("Pull", mock.Anything, mock.MatchedBy(func(req domain.PullRequest) bool {
		return req.Cursor == cursor
	})).Return(resp, nil).Once()
}

func pageOf(id string) []domain.RemoteChange {
	return []domain.RemoteChange{{Table: "products", RecordID: id, Data: map[string]interface{}{"id": id}, UpdatedAt: t0}}
}

func TestOrchestrator_LimiteDePaginasNoAvanzaElCursor(t *testing.T) {
	// ARRANGE
	h := newHarness(t)
	ctx := context.Background()
	since := t0.Add(-time.Hour).Format(time.RFC3339Nano)
	require.NoError(t, h.state.Set(ctx, domain.StateKeyLastSyncAt, since))
	h.orch.cfg.MaxPullPages = 2

	h.pullPage("", &domain.PullResponse{Changes: pageOf("p1"), HasMore: true, NextCursor: "page-2"})
	h.pullPage("page-2", &domain.PullResponse{Changes: pageOf("p2"), HasMore: true, NextCursor: "page-3"})

	// ACT
	n, err := h.orch.PullFromServer(ctx)

	// ASSERT
	require.ErrorIs(t, err, ErrPullIncomplete)
	assert.Equal(t, 2, n)
	assert.Equal(t, since, h.state.Value(domain.StateKeyLastSyncAt))
	h.pull.AssertExpectations(t)

	// El siguiente pull repite desde el mismo cursor y llega hasta la última página.
	h.orch.cfg.MaxPullPages = 10
	h.pullPage("", &domain.PullResponse{Changes: pageOf("p1"), HasMore: true, NextCursor: "page-2"})
	h.pullPage("page-2", &domain.PullResponse{Changes: pageOf("p2"), HasMore: true, NextCursor: "page-3"})
	h.pullPage("page-3", &domain.PullResponse{Changes: pageOf("p3")})

	n, err = h.orch.PullFromServer(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, n, "p1 y p2 ya estaban aplicados")
	assert.NotNil(t, h.store.Snapshot("products", "p3"))
	assert.Equal(t, t0.Format(time.RFC3339Nano), h.state.Value(domain.StateKeyLastSyncAt))
}

func TestOrchestrator_CursorDePaginaRepetidoNoAvanzaElCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	since := t0.Add(-time.Hour).Format(time.RFC3339Nano)
	require.NoError(t, h.state.Set(ctx, domain.StateKeyLastSyncAt, since))

	h.pullPage("", &domain.PullResponse{Changes: pageOf("p1"), HasMore: true, NextCursor: "page-2"})
	h.pullPage("page-2", &domain.PullResponse{Changes: pageOf("p2"), HasMore: true, NextCursor: "page-2"})

	_, err := h.orch.PullFromServer(ctx)

	require.ErrorIs(t, err, ErrPullIncomplete)
	assert.Equal(t, since, h.state.Value(domain.StateKeyLastSyncAt))
}

func TestOrchestrator_TrasStopLosTriggersSonNoOp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.goOnline(t)
	id := h.add(t, "products", "p1", sharedDomain.OperationCreate)

	h.orch.Stop()

	_, ran := h.orch.TriggerSync(ctx)
	assert.False(t, ran)
	_, ran = h.orch.FullSync(ctx)
	assert.False(t, ran)

	// Ni el timer ni un cambio de conectividad reactivan los ciclos.
	h.orch.SetOnline(false)
	h.orch.SetOnline(true)
	h.orch.Wait()
	h.clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)

	h.push.AssertNotCalled(t, "Push", mock.Anything, mock.Anything)
	item := h.item(t, id)
	assert.Equal(t, sharedDomain.OutboxPending, item.Status)
	assert.Equal(t, 0, item.RetryCount)
}
