package domain

import (
	"fmt"
	"time"

	sharedDomain "github.com/davicafu/offlinesync/internal/shared/domain"
)

// Campos de estado de sincronización presentes en cada registro sincronizable.
const (
	FieldLocalUpdatedAt = "local_updated_at"
	FieldLastSyncedAt   = "last_synced_at"
	FieldIsSynced       = "is_synced"
	FieldUpdatedAt      = "updated_at"
)

// Record es un registro de negocio guardado en el store local, junto con su estado de sync.
// El contenido de Data es opaco para el motor.
type Record struct {
	Table          string                 `json:"table"`
	ID             string                 `json:"id"`
	Data           map[string]interface{} `json:"data"`
	LocalUpdatedAt time.Time              `json:"local_updated_at"`
	LastSyncedAt   *time.Time             `json:"last_synced_at,omitempty"`
	IsSynced       bool                   `json:"is_synced"`
}

// NeedsSync aplica la regla del escaneo de reconciliación:
// is_synced=false OR local_updated_at > last_synced_at OR last_synced_at ausente.
func (r Record) NeedsSync() bool {
	if !r.IsSynced || r.LastSyncedAt == nil {
		return true
	}
	return r.LocalUpdatedAt.After(*r.LastSyncedAt)
}

// SyncRecord es la unidad que viaja en un push.
type SyncRecord struct {
	Table          string                 `json:"table"`
	RecordID       string                 `json:"recordId"`
	Operation      sharedDomain.Operation `json:"operation"`
	Payload        map[string]interface{} `json:"payload"`
	LocalUpdatedAt time.Time              `json:"local_updated_at"`
	IsDeleted      bool                   `json:"is_deleted"`
}

// FromOutboxItem construye el registro de envío a partir de la entrada del outbox.
func FromOutboxItem(item sharedDomain.OutboxItem) SyncRecord {
	updatedAt := item.CreatedAt
	if ts, ok := TimestampFrom(item.Payload, FieldLocalUpdatedAt); ok {
		updatedAt = ts
	}
	return SyncRecord{
		Table:          item.Table,
		RecordID:       item.RecordID,
		Operation:      item.Operation,
		Payload:        item.Payload,
		LocalUpdatedAt: updatedAt,
		IsDeleted:      item.Operation == sharedDomain.OperationDelete,
	}
}

// RemoteChange es un cambio recibido del servidor, ya sea por pull o por tiempo real.
type RemoteChange struct {
	Table     string                 `json:"table"`
	RecordID  string                 `json:"recordId"`
	Data      map[string]interface{} `json:"data"`
	IsDeleted bool                   `json:"isDeleted"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// ServerTime devuelve el timestamp del servidor. Si el envelope no lo trae
// se busca updated_at dentro de los datos.
func (c RemoteChange) ServerTime() time.Time {
	if !c.UpdatedAt.IsZero() {
		return c.UpdatedAt
	}
	if ts, ok := TimestampFrom(c.Data, FieldUpdatedAt); ok {
		return ts
	}
	ts, _ := TimestampFrom(c.Data, FieldLocalUpdatedAt)
	return ts
}

// RecordRef apunta a un registro concreto.
type RecordRef struct {
	Table    string `json:"table"`
	RecordID string `json:"recordId"`
}

func (r RecordRef) String() string {
	return sharedDomain.RecordKey(r.Table, r.RecordID)
}

// TimestampFrom lee un timestamp de un mapa de datos. Acepta time.Time, RFC3339 y epoch en ms.
func TimestampFrom(data map[string]interface{}, field string) (time.Time, bool) {
	if data == nil {
		return time.Time{}, false
	}
	raw, ok := data[field]
	if !ok || raw == nil {
		return time.Time{}, false
	}
	switch v := raw.(type) {
	case time.Time:
		return v, true
	case string:
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	case float64:
		return time.UnixMilli(int64(v)).UTC(), true
	case int64:
		return time.UnixMilli(v).UTC(), true
	case int:
		return time.UnixMilli(int64(v)).UTC(), true
	}
	return time.Time{}, false
}

// IdentityFrom extrae el valor del campo identidad como string.
func IdentityFrom(data map[string]interface{}, field string) (string, bool) {
	if data == nil {
		return "", false
	}
	raw, ok := data[field]
	if !ok || raw == nil {
		return "", false
	}
	switch v := raw.(type) {
	case string:
		return v, v != ""
	case float64:
		return fmt.Sprintf("%.0f", v), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}
