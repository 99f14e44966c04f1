package kafkastream

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	sharedDomain "github.com/davicafu/offlinesync/internal/shared/domain"
	"github.com/davicafu/offlinesync/internal/sync/domain"
)

// fakeBroker hace de reader y writer: lo escrito se puede volver a leer.
type fakeBroker struct {
	mu      sync.Mutex
	queue   chan kafka.Message
	written []kafka.Message
	closed  int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{queue: make(chan kafka.Message, 16)}
}

func (f *fakeBroker) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-f.queue:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (f *fakeBroker) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, msgs...)
	return nil
}

func (f *fakeBroker) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func sample() domain.RealtimeMessage {
	return domain.RealtimeMessage{
		Type: domain.MessageTypeChange,
		Payload: domain.RealtimePayload{
			Table: "invoices", RecordID: "7", Operation: sharedDomain.OperationCreate,
			Data: map[string]interface{}{"id": "7"}, SourceDeviceID: "peer",
		},
	}
}

func TestChannel_SendUsaClaveDeRegistro(t *testing.T) {
	// ARRANGE
	broker := newFakeBroker()
	ch := newChannel(broker, broker, "sync-realtime", zap.NewNop())
	require.NoError(t, ch.Connect(context.Background()))
	defer ch.Disconnect()

	// ACT
	require.NoError(t, ch.Send(context.Background(), sample()))

	// ASSERT
	broker.mu.Lock()
	defer broker.mu.Unlock()
	require.Len(t, broker.written, 1)
	assert.Equal(t, sharedDomain.RecordKey("invoices", "7"), string(broker.written[0].Key))

	var decoded domain.RealtimeMessage
	require.NoError(t, json.Unmarshal(broker.written[0].Value, &decoded))
	assert.Equal(t, "7", decoded.Payload.RecordID)
}

func TestChannel_ConsumeYDescartaMalformados(t *testing.T) {
	broker := newFakeBroker()
	ch := newChannel(broker, broker, "sync-realtime", zap.NewNop())
	require.NoError(t, ch.Connect(context.Background()))
	defer ch.Disconnect()

	data, _ := json.Marshal(sample())
	broker.queue <- kafka.Message{Value: []byte("{broken")}
	broker.queue <- kafka.Message{Value: data}

	select {
	case msg := <-ch.Messages():
		assert.Equal(t, "invoices", msg.Payload.Table)
	case <-time.After(2 * time.Second):
		t.Fatal("no llegó el mensaje")
	}
}

func TestChannel_Disconnect(t *testing.T) {
	broker := newFakeBroker()
	ch := newChannel(broker, broker, "sync-realtime", zap.NewNop())

	assert.ErrorIs(t, ch.Send(context.Background(), sample()), domain.ErrRealtimeNotConnected)
	require.NoError(t, ch.Connect(context.Background()))
	require.NoError(t, ch.Disconnect())
	require.NoError(t, ch.Disconnect())

	_, open := <-ch.Messages()
	assert.False(t, open)
	assert.Equal(t, 2, broker.closed, "reader y writer cerrados una sola vez")
	assert.ErrorIs(t, ch.Connect(context.Background()), domain.ErrRealtimeNotConnected)
}

func TestChannel_Integration(t *testing.T) {
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("KAFKA_BROKERS no definido, se omite el test de integración")
	}
	topic := "offlinesync-test-" + uuid.NewString()[:8]
	list := strings.Split(brokers, ",")

	conn, err := kafka.Dial("tcp", list[0])
	require.NoError(t, err)
	require.NoError(t, conn.CreateTopics(kafka.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1}))
	conn.Close()

	ch := NewChannel(list, topic, "offlinesync-test-"+uuid.NewString()[:8], zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, ch.Connect(ctx))
	defer ch.Disconnect()

	require.NoError(t, ch.Send(ctx, sample()))
	select {
	case msg := <-ch.Messages():
		assert.Equal(t, "7", msg.Payload.RecordID)
	case <-ctx.Done():
		t.Fatal("timeout esperando el mensaje de Kafka")
	}
}
