package mocks

import (
	"sync"

	"github.com/davicafu/offlinesync/internal/sync/domain"
)

// RecordingSink guarda los eventos emitidos en orden.
type RecordingSink struct {
	mu     sync.Mutex
	Events []domain.Event
}

var _ domain.EventSink = (*RecordingSink)(nil)

func (s *RecordingSink) Emit(evt domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, evt)
}

// OfType filtra los eventos de un tipo.
func (s *RecordingSink) OfType(t domain.EventType) []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, e := range s.Events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (s *RecordingSink) Count(t domain.EventType) int {
	return len(s.OfType(t))
}
