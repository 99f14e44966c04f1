package bus

import "context"

// Keyer lo implementan los eventos que necesitan una clave de partición (orden por clave en Kafka).
type Keyer interface {
	PartitionKey() string
}

// La semántica de topic/nombre y formato del payload la decides en los adapters.
type EventBus interface {
	Publish(ctx context.Context, event interface{}) error
}
