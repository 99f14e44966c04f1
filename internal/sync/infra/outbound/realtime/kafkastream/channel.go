package kafkastream

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/davicafu/offlinesync/internal/shared/infra/utils"
	"github.com/davicafu/offlinesync/internal/sync/domain"
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Channel usa un topic de Kafka como canal en vivo. Cada dispositivo lee con su propio
// consumer group, así recibe todos los cambios; los ecos propios los filtra el manager.
type Channel struct {
	reader messageReader
	writer messageWriter
	topic  string
	log    *zap.Logger

	msgs      chan domain.RealtimeMessage
	closeOnce sync.Once

	mu        sync.Mutex
	connected bool
	closed    bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewChannel crea el reader y el writer sobre el mismo topic.
func NewChannel(brokers []string, topic, groupID string, log *zap.Logger) *Channel {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	})
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}
	return newChannel(reader, writer, topic, log)
}

func newChannel(reader messageReader, writer messageWriter, topic string, log *zap.Logger) *Channel {
	return &Channel{
		reader: reader,
		writer: writer,
		topic:  topic,
		log:    log,
		msgs:   make(chan domain.RealtimeMessage, 256),
	}
}

// Connect arranca el bucle de consumo. El reader de kafka-go reconecta por su cuenta.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrRealtimeNotConnected
	}
	if c.connected {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.connected = true

	c.log.Info("🎧 Iniciando canal en vivo sobre Kafka", zap.String("topic", c.topic))
	go c.consume(runCtx, c.done)
	return nil
}

func (c *Channel) consume(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("Canal en vivo de Kafka detenido", zap.String("topic", c.topic))
				return
			}
			c.log.Error("Error al leer mensaje de Kafka", zap.Error(err))
			continue
		}

		utils.UnmarshalAndHandle[domain.RealtimeMessage](c.log, json.RawMessage(msg.Value), func(m domain.RealtimeMessage) {
			select {
			case c.msgs <- m:
			case <-ctx.Done():
			}
		})
	}
}

func (c *Channel) Send(ctx context.Context, msg domain.RealtimeMessage) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return domain.ErrRealtimeNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.PartitionKey()),
		Value: data,
	})
}

func (c *Channel) Messages() <-chan domain.RealtimeMessage {
	return c.msgs
}

// Disconnect detiene el consumo, cierra reader y writer y cierra Messages.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	var firstErr error
	if err := c.reader.Close(); err != nil {
		firstErr = err
	}
	if err := c.writer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	c.closeOnce.Do(func() { close(c.msgs) })
	return firstErr
}

var _ domain.RealtimeChannel = (*Channel)(nil)
