package domain

import (
	"context"
	"time"
)

// CycleRecord es una fila del histórico de ciclos de sync.
type CycleRecord struct {
	DeviceID  string
	EventType EventType // sync.complete o sync.error
	Pulled    int
	Pushed    int
	Conflicts int
	Errors    int
	Stage     string
	Message   string
	EventTime time.Time
}

// DailyCycleSummary agrega los ciclos de un día.
type DailyCycleSummary struct {
	Day       time.Time
	Completed int
	Failed    int
	Pushed    int
	Pulled    int
	Conflicts int
}

// CycleAnalyticsRepository guarda el histórico de ciclos para analítica.
type CycleAnalyticsRepository interface {
	LogBatch(ctx context.Context, records []CycleRecord) error
	GetDailySummary(ctx context.Context, start, end time.Time) ([]DailyCycleSummary, error)
}

// CycleRecordFrom convierte un evento de fin de ciclo en fila. ok=false para el resto de eventos.
func CycleRecordFrom(deviceID string, evt Event) (CycleRecord, bool) {
	rec := CycleRecord{DeviceID: deviceID, EventType: evt.Type, EventTime: evt.Timestamp}
	switch evt.Type {
	case EventSyncComplete:
		s, ok := evt.Payload.(SyncSummary)
		if !ok {
			return CycleRecord{}, false
		}
		rec.Pulled, rec.Pushed, rec.Conflicts, rec.Errors = s.Pulled, s.Pushed, s.Conflicts, s.Errors
	case EventSyncError:
		f, ok := evt.Payload.(SyncFailure)
		if !ok {
			return CycleRecord{}, false
		}
		rec.Stage, rec.Message, rec.Errors = f.Stage, f.Message, 1
	default:
		return CycleRecord{}, false
	}
	return rec, true
}
