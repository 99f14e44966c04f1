package mocks

import (
	"context"
	"sync"

	"github.com/davicafu/offlinesync/internal/sync/domain"
	"github.com/stretchr/testify/mock"
)

// MockPushTransport simula el endpoint de push.
type MockPushTransport struct {
	mock.Mock
}

var _ domain.PushTransport = (*MockPushTransport)(nil)

func (m *MockPushTransport) Push(ctx context.Context, req domain.PushRequest) (*domain.PushResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PushResponse), args.Error(1)
}

// MockPullTransport simula el endpoint de pull.
type MockPullTransport struct {
	mock.Mock
}

var _ domain.PullTransport = (*MockPullTransport)(nil)

func (m *MockPullTransport) Pull(ctx context.Context, req domain.PullRequest) (*domain.PullResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PullResponse), args.Error(1)
}

// FakeRealtimeChannel es un canal en vivo en memoria: Inject simula mensajes entrantes
// y Sent guarda lo que el motor difunde.
type FakeRealtimeChannel struct {
	in        chan domain.RealtimeMessage
	mu        sync.Mutex
	sent      []domain.RealtimeMessage
	connected bool
	closeOnce sync.Once
}

var _ domain.RealtimeChannel = (*FakeRealtimeChannel)(nil)

func NewFakeRealtimeChannel() *FakeRealtimeChannel {
	return &FakeRealtimeChannel{in: make(chan domain.RealtimeMessage, 64)}
}

func (f *FakeRealtimeChannel) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *FakeRealtimeChannel) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.in) })
	return nil
}

func (f *FakeRealtimeChannel) Send(ctx context.Context, msg domain.RealtimeMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return domain.ErrRealtimeNotConnected
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *FakeRealtimeChannel) Messages() <-chan domain.RealtimeMessage {
	return f.in
}

func (f *FakeRealtimeChannel) Inject(msg domain.RealtimeMessage) {
	f.in <- msg
}

func (f *FakeRealtimeChannel) Sent() []domain.RealtimeMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.RealtimeMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *FakeRealtimeChannel) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}
