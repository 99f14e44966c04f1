package application

import (
	"context"
	"sync"
	"time"

	"github.com/davicafu/offlinesync/internal/shared/infra/platform/scheduler"
	"github.com/davicafu/offlinesync/internal/shared/infra/utils"
	"github.com/davicafu/offlinesync/internal/sync/domain"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const defaultCycleBatchSize = 50

// CycleRecorder acumula los eventos de fin de ciclo y los vuelca por lotes al repositorio
// de analítica, cuando el lote se llena o en cada tick.
type CycleRecorder struct {
	repo      domain.CycleAnalyticsRepository
	deviceID  func() string
	batchSize int
	log       *zap.Logger
	task      *scheduler.PeriodicTask

	mu     sync.Mutex
	buffer []domain.CycleRecord
}

func NewCycleRecorder(repo domain.CycleAnalyticsRepository, deviceID func() string, batchSize int, flushEvery time.Duration, clock clockwork.Clock, log *zap.Logger) *CycleRecorder {
	if batchSize <= 0 {
		batchSize = defaultCycleBatchSize
	}
	r := &CycleRecorder{repo: repo, deviceID: deviceID, batchSize: batchSize, log: log}
	r.task = scheduler.NewPeriodicTask("cycle-analytics", flushEvery, clock, log, func(ctx context.Context) {
		r.Flush(ctx)
	})
	return r
}

func (r *CycleRecorder) Start(ctx context.Context) { r.task.Start(ctx) }

// Stop detiene el volcado periódico y vuelca lo pendiente.
func (r *CycleRecorder) Stop(ctx context.Context) {
	r.task.Stop()
	r.task.Wait()
	r.Flush(ctx)
}

// Handle se suscribe al emisor de eventos del motor.
func (r *CycleRecorder) Handle(evt domain.Event) {
	rec, ok := domain.CycleRecordFrom(r.deviceID(), evt)
	if !ok {
		return
	}
	r.mu.Lock()
	r.buffer = append(r.buffer, rec)
	full := len(r.buffer) >= r.batchSize
	r.mu.Unlock()

	if full {
		r.Flush(context.Background())
	}
}

// Flush escribe el lote acumulado. Si falla, las filas vuelven al buffer para el siguiente intento.
func (r *CycleRecorder) Flush(ctx context.Context) {
	r.mu.Lock()
	batch := r.buffer
	r.buffer = nil
	r.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	// Tras fallos repetidos el buffer puede superar el tamaño de lote: se escribe por trozos.
	written := 0
	for _, chunk := range utils.Chunk(batch, r.batchSize) {
		if err := r.repo.LogBatch(ctx, chunk); err != nil {
			r.log.Warn("⚠️ No se pudo volcar la analítica de ciclos", zap.Int("rows", len(batch)-written), zap.Error(err))
			r.mu.Lock()
			r.buffer = append(batch[written:len(batch):len(batch)], r.buffer...)
			r.mu.Unlock()
			return
		}
		written += len(chunk)
	}
	r.log.Debug("Analítica de ciclos volcada", zap.Int("rows", written))
}

// Pending devuelve cuántas filas esperan volcado.
func (r *CycleRecorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffer)
}
