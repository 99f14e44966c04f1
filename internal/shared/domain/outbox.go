package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrOutboxItemNotFound se devuelve al operar sobre un id que no existe en el outbox.
var ErrOutboxItemNotFound = errors.New("outbox item not found")

// ErrInvalidOutboxTransition indica un salto de estado no permitido.
var ErrInvalidOutboxTransition = errors.New("invalid outbox status transition")

// Operation es la mutación local registrada en el outbox.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid indica si la operación es una de las tres soportadas.
func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxCompleted  OutboxStatus = "completed"
	OutboxFailed     OutboxStatus = "failed"
)

// DefaultMaxRetries se aplica cuando la entrada no trae su propio límite.
const DefaultMaxRetries = 3

// OutboxItem representa una mutación local pendiente de enviar al servidor.
type OutboxItem struct {
	ID          uuid.UUID              `json:"id"`
	Table       string                 `json:"table"`
	RecordID    string                 `json:"record_id"`
	Operation   Operation              `json:"operation"`
	Payload     map[string]interface{} `json:"payload"` // snapshot del registro en el momento del cambio
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
	Status      OutboxStatus           `json:"status"`
	Error       string                 `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
}

// Key identifica el registro de negocio al que apunta la entrada.
func (i OutboxItem) Key() string {
	return RecordKey(i.Table, i.RecordID)
}

// PartitionKey permite publicar la entrada en un broker manteniendo el orden por registro.
func (i OutboxItem) PartitionKey() string {
	return i.Key()
}

// RecordKey forma la clave "tabla:id" usada para cruzar respuestas del servidor.
func RecordKey(table, recordID string) string {
	return table + ":" + recordID
}

// CanTransition codifica el ciclo de vida:
// pending -> processing -> {completed | pending (reintento) | failed}.
// failed solo vuelve a pending mediante un reset explícito (ResetFailed).
func CanTransition(from, to OutboxStatus) bool {
	switch from {
	case OutboxPending:
		return to == OutboxProcessing
	case OutboxProcessing:
		return to == OutboxCompleted || to == OutboxPending || to == OutboxFailed
	}
	return false
}

// OutboxStats resume el contenido del outbox para mostrarlo al usuario.
type OutboxStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Count suma n entradas en el estado dado.
func (s OutboxStats) Count(status OutboxStatus, n int) OutboxStats {
	s.Total += n
	switch status {
	case OutboxPending:
		s.Pending += n
	case OutboxProcessing:
		s.Processing += n
	case OutboxCompleted:
		s.Completed += n
	case OutboxFailed:
		s.Failed += n
	}
	return s
}

// OutboxRepository define el contrato de persistencia del outbox.
// Todas las implementaciones devuelven ErrOutboxItemNotFound para ids desconocidos.
type OutboxRepository interface {
	Insert(ctx context.Context, item OutboxItem) error
	Get(ctx context.Context, id uuid.UUID) (*OutboxItem, error)

	// ListByStatus devuelve las entradas en orden FIFO de creación; limit <= 0 significa sin límite.
	ListByStatus(ctx context.Context, status OutboxStatus, limit int) ([]OutboxItem, error)

	UpdateStatus(ctx context.Context, id uuid.UUID, status OutboxStatus, errMsg string, processedAt *time.Time) error
	IncrementRetry(ctx context.Context, id uuid.UUID) (int, error)

	// ResetFailed devuelve todas las entradas failed a pending con el contador a cero.
	ResetFailed(ctx context.Context) (int, error)

	DeleteByStatus(ctx context.Context, status OutboxStatus) (int, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Stats(ctx context.Context) (OutboxStats, error)
}
