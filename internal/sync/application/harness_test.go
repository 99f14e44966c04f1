package application

import (
	"context"
	"testing"
	"time"

	sharedDomain "github.com/davicafu/offlinesync/internal/shared/domain"
	"github.com/davicafu/offlinesync/internal/sync/domain"
	"github.com/davicafu/offlinesync/tests/mocks"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// harness monta el motor completo sobre dobles en memoria y un reloj falso.
type harness struct {
	repo     *mocks.InMemoryOutboxRepo
	store    *mocks.InMemoryRecordStore
	state    *mocks.InMemoryStateStore
	push     *mocks.MockPushTransport
	pull     *mocks.MockPullTransport
	realtime *mocks.FakeRealtimeChannel
	sink     *mocks.RecordingSink
	clock    *clockwork.FakeClock
	tables   *domain.TableRegistry

	outbox  *ChangeOutbox
	applier *RemoteChangeApplier
	status  *StatusTracker
	orch    *SyncOrchestrator
	manager *BidirectionalSyncManager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := zap.NewNop()

	h := &harness{
		repo:     mocks.NewInMemoryOutboxRepo(),
		store:    mocks.NewInMemoryRecordStore(),
		state:    mocks.NewInMemoryStateStore(),
		push:     &mocks.MockPushTransport{},
		pull:     &mocks.MockPullTransport{},
		realtime: mocks.NewFakeRealtimeChannel(),
		sink:     &mocks.RecordingSink{},
		clock:    clockwork.NewFakeClockAt(t0),
		tables:   domain.NewTableRegistry(domain.DefaultTables()...),
	}
	h.push.Test(t)
	h.pull.Test(t)

	h.outbox = NewChangeOutbox(h.repo, 3, h.clock, log)
	h.applier = NewRemoteChangeApplier(h.store, h.tables, h.sink, h.clock, log)
	h.status = NewStatusTracker(domain.StateOffline, h.sink, h.clock)
	h.orch = NewSyncOrchestrator(h.outbox, h.push, h.pull, h.applier, h.store, h.state, h.tables, h.status, h.sink, nil, h.clock, log,
		OrchestratorConfig{BatchSize: 50, SyncInterval: 5 * time.Minute})
	return h
}

// withManager añade la fachada encima del orquestador.
func (h *harness) withManager() *harness {
	h.manager = NewBidirectionalSyncManager(ManagerDeps{
		Orchestrator: h.orch,
		Outbox:       h.outbox,
		Store:        h.store,
		Applier:      h.applier,
		Realtime:     h.realtime,
		State:        h.state,
		Tables:       h.tables,
		Status:       h.status,
		Clock:        h.clock,
		Log:          zap.NewNop(),
	})
	return h
}

// goOnline pasa a online esperando al ciclo de reconexión (con un pull vacío).
func (h *harness) goOnline(t *testing.T) {
	t.Helper()
	h.pullEmptyOnce()
	h.orch.SetOnline(true)
	h.orch.Wait()
}

func (h *harness) pullEmptyOnce() {
	h.pull.On("Pull", mock.Anything, mock.Anything).Return(&domain.PullResponse{}, nil).Once()
}

func (h *harness) pushOK(times int) {
	h.push.On("Push", mock.Anything, mock.Anything).Return(&domain.PushResponse{}, nil).Times(times)
}

func (h *harness) add(t *testing.T, table, id string, op sharedDomain.Operation) uuid.UUID {
	t.Helper()
	itemID, err := h.outbox.Add(context.Background(), table, id, op, map[string]interface{}{"id": id})
	require.NoError(t, err)
	return itemID
}

func (h *harness) item(t *testing.T, id uuid.UUID) *sharedDomain.OutboxItem {
	t.Helper()
	item, err := h.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return item
}
