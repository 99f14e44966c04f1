package events

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

type keyedEvent struct {
	Name string `json:"name"`
}

func (e keyedEvent) PartitionKey() string { return "k-" + e.Name }

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &recordingWriter{}
	p := newKafkaPublisher(w, zap.NewNop())

	require.NoError(t, p.Publish(context.Background(), keyedEvent{Name: "a"}))
	require.NoError(t, p.Publish(context.Background(), map[string]int{"n": 1}))

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "k-a", string(w.msgs[0].Key))
	assert.JSONEq(t, `{"name":"a"}`, string(w.msgs[0].Value))
	assert.Nil(t, w.msgs[1].Key, "sin Keyer no hay clave")
}

func TestKafkaPublisher_PropagaErrores(t *testing.T) {
	p := newKafkaPublisher(&recordingWriter{err: errors.New("broker down")}, zap.NewNop())
	assert.EqualError(t, p.Publish(context.Background(), keyedEvent{Name: "x"}), "broker down")
}
