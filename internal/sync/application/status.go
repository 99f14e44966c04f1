package application

import (
	"sync"
	"time"

	"github.com/davicafu/offlinesync/internal/sync/domain"
	"github.com/jonboulle/clockwork"
)

// StatusTracker guarda el estado único del motor y emite sync.status_change en cada transición.
type StatusTracker struct {
	mu          sync.RWMutex
	state       domain.SyncState
	lastSyncAt  *time.Time
	lastError   string
	lastSummary domain.SyncSummary

	events domain.EventSink
	clock  clockwork.Clock
}

func NewStatusTracker(initial domain.SyncState, events domain.EventSink, clock clockwork.Clock) *StatusTracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &StatusTracker{state: initial, events: events, clock: clock}
}

func (s *StatusTracker) State() domain.SyncState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// BeginSync pasa a syncing solo desde idle o error.
func (s *StatusTracker) BeginSync() bool {
	return s.transition(func(cur domain.SyncState) bool {
		return cur == domain.StateIdle || cur == domain.StateError
	}, domain.StateSyncing, nil)
}

// EndSync cierra un ciclo. Si mientras tanto se forzó offline o paused, ese estado se respeta.
func (s *StatusTracker) EndSync(summary domain.SyncSummary, err error) {
	to := domain.StateIdle
	if err != nil {
		to = domain.StateError
	}
	s.transition(func(cur domain.SyncState) bool { return cur == domain.StateSyncing }, to, func() {
		s.lastSummary = summary
		if err != nil {
			s.lastError = err.Error()
			return
		}
		now := s.clock.Now().UTC()
		s.lastSyncAt = &now
		s.lastError = ""
	})
}

func (s *StatusTracker) SetOffline() {
	s.transition(func(cur domain.SyncState) bool { return cur != domain.StatePaused }, domain.StateOffline, nil)
}

// SetOnline sale de offline; si está en pausa se queda en pausa.
func (s *StatusTracker) SetOnline() {
	s.transition(func(cur domain.SyncState) bool { return cur == domain.StateOffline }, domain.StateIdle, nil)
}

func (s *StatusTracker) Pause() {
	s.transition(func(domain.SyncState) bool { return true }, domain.StatePaused, nil)
}

// Resume vuelve a idle, o a offline si no hay conectividad.
func (s *StatusTracker) Resume(online bool) {
	to := domain.StateIdle
	if !online {
		to = domain.StateOffline
	}
	s.transition(func(cur domain.SyncState) bool { return cur == domain.StatePaused }, to, nil)
}

func (s *StatusTracker) transition(allowed func(domain.SyncState) bool, to domain.SyncState, onChange func()) bool {
	s.mu.Lock()
	from := s.state
	if !allowed(from) || !domain.CanTransition(from, to) {
		s.mu.Unlock()
		return false
	}
	s.state = to
	if onChange != nil {
		onChange()
	}
	now := s.clock.Now()
	s.mu.Unlock()

	if s.events != nil {
		s.events.Emit(domain.NewEvent(domain.EventStatusChange, now, domain.StatusChange{From: from, To: to}))
	}
	return true
}

// StatusSnapshot es lo que se muestra al usuario.
type StatusSnapshot struct {
	State       domain.SyncState   `json:"state"`
	Online      bool               `json:"online"`
	DeviceID    string             `json:"deviceId,omitempty"`
	LastSyncAt  *time.Time         `json:"lastSyncAt,omitempty"`
	LastError   string             `json:"lastError,omitempty"`
	LastSummary domain.SyncSummary `json:"lastSummary"`
	Pending     int                `json:"pending"`
	Failed      int                `json:"failed"`
}

func (s *StatusTracker) Snapshot() StatusSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := StatusSnapshot{
		State:       s.state,
		LastError:   s.lastError,
		LastSummary: s.lastSummary,
	}
	if s.lastSyncAt != nil {
		t := *s.lastSyncAt
		snap.LastSyncAt = &t
	}
	return snap
}
