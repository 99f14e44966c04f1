package domain

import (
	"reflect"
	"time"

	sharedDomain "github.com/davicafu/offlinesync/internal/shared/domain"
)

// EventType identifica un evento producido hacia el host/UI.
type EventType string

const (
	EventSyncStarted   EventType = "sync.started"
	EventSyncComplete  EventType = "sync.complete"
	EventSyncError     EventType = "sync.error"
	EventOnline        EventType = "sync.online"
	EventOffline       EventType = "sync.offline"
	EventRemoteUpdate  EventType = "sync.remote_update"
	EventStatusChange  EventType = "sync.status_change"
	EventOutboxFailed  EventType = "sync.outbox_failed"
	EventConflictFound EventType = "sync.conflict"
)

// Event es el sobre común. Payload lleva uno de los tipos de abajo según Type.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// PartitionKey mantiene en orden los eventos del mismo tipo al publicarlos en un broker.
func (e Event) PartitionKey() string {
	return string(e.Type)
}

// SyncSummary es el payload de sync.complete.
type SyncSummary struct {
	Pulled    int `json:"pulled"`
	Pushed    int `json:"pushed"`
	Conflicts int `json:"conflicts"`
	Errors    int `json:"errors"`
}

// Add acumula otro resumen (p.ej. push + pull de una sincronización completa).
func (s SyncSummary) Add(o SyncSummary) SyncSummary {
	return SyncSummary{
		Pulled:    s.Pulled + o.Pulled,
		Pushed:    s.Pushed + o.Pushed,
		Conflicts: s.Conflicts + o.Conflicts,
		Errors:    s.Errors + o.Errors,
	}
}

type SyncFailure struct {
	Stage   string `json:"stage"` // push, pull, full_sync
	Message string `json:"message"`
}

type RemoteUpdate struct {
	Table     string                 `json:"table"`
	RecordID  string                 `json:"recordId"`
	Operation sharedDomain.Operation `json:"operation"`
}

type StatusChange struct {
	From SyncState `json:"from"`
	To   SyncState `json:"to"`
}

// OutboxFailure se emite cuando una entrada agota sus reintentos.
type OutboxFailure struct {
	ItemID   string `json:"itemId"`
	Table    string `json:"table"`
	RecordID string `json:"recordId"`
	Error    string `json:"error"`
}

type ConflictResolved struct {
	Table      string     `json:"table"`
	RecordID   string     `json:"recordId"`
	Resolution Resolution `json:"resolution"`
}

// EventMetadata describe cómo decodificar el payload de un tipo de evento.
type EventMetadata struct {
	Type  reflect.Type
	Topic string
}

// NewEventRegistry asocia cada tipo de evento con su payload y el topic en el que se publica.
func NewEventRegistry(topic string) map[EventType]EventMetadata {
	return map[EventType]EventMetadata{
		EventSyncStarted:   {Type: nil, Topic: topic},
		EventSyncComplete:  {Type: reflect.TypeOf(SyncSummary{}), Topic: topic},
		EventSyncError:     {Type: reflect.TypeOf(SyncFailure{}), Topic: topic},
		EventOnline:        {Type: nil, Topic: topic},
		EventOffline:       {Type: nil, Topic: topic},
		EventRemoteUpdate:  {Type: reflect.TypeOf(RemoteUpdate{}), Topic: topic},
		EventStatusChange:  {Type: reflect.TypeOf(StatusChange{}), Topic: topic},
		EventOutboxFailed:  {Type: reflect.TypeOf(OutboxFailure{}), Topic: topic},
		EventConflictFound: {Type: reflect.TypeOf(ConflictResolved{}), Topic: topic},
	}
}

// EventSink recibe los eventos del motor. Las implementaciones entregan en orden de emisión y sin descartes.
type EventSink interface {
	Emit(evt Event)
}

// NewEvent construye un evento con timestamp.
func NewEvent(t EventType, at time.Time, payload interface{}) Event {
	return Event{Type: t, Timestamp: at.UTC(), Payload: payload}
}
