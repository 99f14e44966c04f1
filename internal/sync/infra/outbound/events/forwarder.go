package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	sharedBus "github.com/davicafu/offlinesync/internal/shared/infra/platform/bus"
	"github.com/davicafu/offlinesync/internal/sync/domain"
)

const publishTimeout = 5 * time.Second

// EventForwarder reenvía los eventos del motor a un EventBus externo (Kafka).
// Solo se publican los tipos presentes en el registro.
type EventForwarder struct {
	bus      sharedBus.EventBus
	registry map[domain.EventType]domain.EventMetadata
	log      *zap.Logger
}

func NewEventForwarder(bus sharedBus.EventBus, registry map[domain.EventType]domain.EventMetadata, log *zap.Logger) *EventForwarder {
	return &EventForwarder{bus: bus, registry: registry, log: log}
}

// Attach suscribe el forwarder al emisor y devuelve la función para desuscribirlo.
func (f *EventForwarder) Attach(emitter *sharedBus.Emitter[domain.Event]) func() {
	return emitter.Subscribe(f.Forward)
}

// Forward publica un evento. Los fallos del broker se registran y no afectan al motor.
func (f *EventForwarder) Forward(evt domain.Event) {
	if _, known := f.registry[evt.Type]; !known {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := f.bus.Publish(ctx, evt); err != nil {
		f.log.Warn("⚠️ No se pudo publicar el evento", zap.String("type", string(evt.Type)), zap.Error(err))
	}
}
