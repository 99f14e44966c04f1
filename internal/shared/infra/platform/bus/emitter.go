package bus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Emitter es un bus en memoria tipado.
// Contrato: cada suscriptor recibe todos los eventos, en el orden de emisión y sin descartes.
// Cada suscriptor tiene su propia cola FIFO sin límite y una goroutine que la vacía,
// así un suscriptor lento no bloquea al emisor ni a los demás.
type Emitter[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber[T]
	nextID uint64
	closed bool
	log    *zap.Logger
}

// Verificación estática
var _ EventBus = (*Emitter[struct{}])(nil)

func NewEmitter[T any](log *zap.Logger) *Emitter[T] {
	return &Emitter[T]{
		subs: make(map[uint64]*subscriber[T]),
		log:  log,
	}
}

// Emit encola el evento para todos los suscriptores. Nunca bloquea.
func (e *Emitter[T]) Emit(evt T) {
	// Lock exclusivo: dos Emit concurrentes se ven en el mismo orden en todos los suscriptores.
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for _, s := range e.subs {
		s.push(evt)
	}
}

// Publish adapta el Emitter a la interfaz EventBus.
func (e *Emitter[T]) Publish(ctx context.Context, event interface{}) error {
	evt, ok := event.(T)
	if !ok {
		return fmt.Errorf("emitter: unexpected event type %T", event)
	}
	e.Emit(evt)
	return nil
}

// Subscribe registra un handler. Devuelve la función para darse de baja;
// los eventos ya encolados se entregan antes de terminar.
func (e *Emitter[T]) Subscribe(handler func(T)) (unsubscribe func()) {
	s := newSubscriber(handler, e.log)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		s.close()
		return func() {}
	}
	id := e.nextID
	e.nextID++
	e.subs[id] = s
	e.mu.Unlock()

	go s.pump()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
			s.close()
		})
	}
}

// SubscribeChan entrega los eventos por un canal. El canal se cierra al darse de baja.
// Si el lector deja de leer los eventos se acumulan en la cola, no se pierden.
func (e *Emitter[T]) SubscribeChan() (<-chan T, func()) {
	out := make(chan T)
	stop := make(chan struct{})
	var stopOnce sync.Once

	unsubscribe := e.Subscribe(func(evt T) {
		select {
		case out <- evt:
		case <-stop:
		}
	})

	return out, func() {
		stopOnce.Do(func() {
			close(stop)
			unsubscribe()
		})
	}
}

// Close da de baja a todos los suscriptores. Los Emit posteriores se ignoran.
func (e *Emitter[T]) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	subs := e.subs
	e.subs = make(map[uint64]*subscriber[T])
	e.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

// SubscriberCount se usa en tests y en el endpoint de estado.
func (e *Emitter[T]) SubscriberCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

type subscriber[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []T
	closed  bool
	handler func(T)
	log     *zap.Logger
}

func newSubscriber[T any](handler func(T), log *zap.Logger) *subscriber[T] {
	s := &subscriber[T]{handler: handler, log: log}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscriber[T]) push(evt T) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, evt)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber[T]) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *subscriber[T]) pump() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		evt := s.queue[0]
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(evt)
	}
}

func (s *subscriber[T]) deliver(evt T) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("💥 Suscriptor del bus en pánico", zap.Any("panic", r))
		}
	}()
	s.handler(evt)
}
