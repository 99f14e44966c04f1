package domain

import (
	"context"
	"time"

	sharedDomain "github.com/davicafu/offlinesync/internal/shared/domain"
)

// LocalStore es el almacén local de registros de negocio.
// Get devuelve ErrRecordNotFound si el registro no existe.
type LocalStore interface {
	Get(ctx context.Context, table, id string) (*Record, error)
	GetAll(ctx context.Context, table string) ([]Record, error)
	Upsert(ctx context.Context, rec Record) error
	Delete(ctx context.Context, table, id string) error

	// ListUnsynced: is_synced=false OR local_updated_at > last_synced_at OR last_synced_at ausente.
	ListUnsynced(ctx context.Context, table string) ([]Record, error)
	MarkSynced(ctx context.Context, table, id string, at time.Time) error
}

// ---------- Push ----------

type PushRequest struct {
	DeviceID string       `json:"deviceId"`
	Records  []SyncRecord `json:"records"`
}

type PushError struct {
	Table    string `json:"table"`
	RecordID string `json:"recordId"`
	Error    string `json:"error"`
}

type PushConflict struct {
	Table           string                 `json:"table"`
	RecordID        string                 `json:"recordId"`
	ServerData      map[string]interface{} `json:"serverData"`
	ServerUpdatedAt time.Time              `json:"server_updated_at"`
	LocalUpdatedAt  time.Time              `json:"local_updated_at"`
}

type PushResponse struct {
	SyncedCount int            `json:"syncedCount"`
	Errors      []PushError    `json:"errors"`
	Conflicts   []PushConflict `json:"conflicts"`
}

type PushTransport interface {
	Push(ctx context.Context, req PushRequest) (*PushResponse, error)
}

// ---------- Pull ----------

type PullRequest struct {
	Since  time.Time
	Tables []string
	Cursor string // cursor de página devuelto por la respuesta anterior
}

type PullResponse struct {
	Changes    []RemoteChange `json:"changes"`
	HasMore    bool           `json:"hasMore"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

type PullTransport interface {
	Pull(ctx context.Context, req PullRequest) (*PullResponse, error)
}

// ---------- Tiempo real ----------

const (
	MessageTypeChange    = "change"
	MessageTypeHeartbeat = "heartbeat"
)

type RealtimePayload struct {
	Table          string                 `json:"table"`
	RecordID       string                 `json:"recordId"`
	Operation      sharedDomain.Operation `json:"operation"`
	Data           map[string]interface{} `json:"data,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	SourceDeviceID string                 `json:"sourceDeviceId"`
}

type RealtimeMessage struct {
	Type    string          `json:"type"`
	Payload RealtimePayload `json:"payload"`
}

// PartitionKey agrupa los mensajes por registro cuando el canal es un broker.
func (m RealtimeMessage) PartitionKey() string {
	return sharedDomain.RecordKey(m.Payload.Table, m.Payload.RecordID)
}

// ToRemoteChange convierte un mensaje en tiempo real al cambio que entiende el aplicador.
func (m RealtimeMessage) ToRemoteChange() RemoteChange {
	return RemoteChange{
		Table:     m.Payload.Table,
		RecordID:  m.Payload.RecordID,
		Data:      m.Payload.Data,
		IsDeleted: m.Payload.Operation == sharedDomain.OperationDelete,
		UpdatedAt: m.Payload.Timestamp,
	}
}

// RealtimeChannel es el canal dúplex de cambios en vivo.
// Messages se cierra cuando el canal se desconecta definitivamente.
type RealtimeChannel interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Send(ctx context.Context, msg RealtimeMessage) error
	Messages() <-chan RealtimeMessage
}

// ---------- Estado persistido ----------

const (
	StateKeyDeviceID   = "sync.device_id"
	StateKeyLastSyncAt = "sync.last_sync_at"
)

// StateStore es el key/value local del host (device id, cursor de pull).
type StateStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}
