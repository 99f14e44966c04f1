package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// PeriodicTask ejecuta fn cada 'interval' sobre un reloj inyectable.
// Start/Stop se pueden llamar varias veces; Stop no cancela una ejecución en curso,
// solo impide las siguientes. Wait espera a las ejecuciones ya lanzadas.
type PeriodicTask struct {
	name     string
	interval time.Duration
	clock    clockwork.Clock
	fn       func(ctx context.Context)
	log      *zap.Logger

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool

	inflight sync.WaitGroup
}

func NewPeriodicTask(name string, interval time.Duration, clock clockwork.Clock, log *zap.Logger, fn func(ctx context.Context)) *PeriodicTask {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PeriodicTask{
		name:     name,
		interval: interval,
		clock:    clock,
		fn:       fn,
		log:      log,
	}
}

// Start arranca el bucle. ctx es el contexto que recibe fn en cada tick.
func (p *PeriodicTask) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.interval <= 0 {
		return
	}
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	go p.loop(ctx, p.stop, p.done)
	p.log.Info("⏱️ Tarea periódica iniciada", zap.String("task", p.name), zap.Duration("interval", p.interval))
}

// Stop detiene el ticker y espera a que el bucle salga. No espera a un fn en curso.
func (p *PeriodicTask) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stop)
	done := p.done
	p.mu.Unlock()

	<-done
	p.log.Info("🛑 Tarea periódica detenida", zap.String("task", p.name))
}

// Wait bloquea hasta que terminen los fn lanzados por ticks anteriores.
// Se llama después de Stop, cuando el bucle ya no lanza más.
func (p *PeriodicTask) Wait() {
	p.inflight.Wait()
}

func (p *PeriodicTask) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *PeriodicTask) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()
	defer close(done)

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			// fn corre en su propia goroutine para que Stop no quede esperando una llamada de red.
			p.inflight.Add(1)
			go func() {
				defer p.inflight.Done()
				p.fn(ctx)
			}()
		}
	}
}
