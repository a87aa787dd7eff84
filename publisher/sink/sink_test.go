package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/obsdeck/backoffice/cfg"
	"github.com/obsdeck/backoffice/encoding"
	"github.com/obsdeck/backoffice/loop"
	"github.com/obsdeck/backoffice/notify"
	"github.com/obsdeck/backoffice/publisher"
	"github.com/obsdeck/backoffice/state"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultKafkaConfig(t *testing.T) {
	config := DefaultKafkaConfig([]string{"localhost:9092", "localhost:9093"})

	assert.Len(t, config.Brokers, 2)
	assert.Equal(t, 100, config.BatchSize)
	assert.Equal(t, int64(1048576), config.BatchBytes)
	assert.Equal(t, kafka.RequireAll, config.RequiredAcks)
	assert.True(t, config.AutoCreateTopics)
}

func TestNewKafkaSink(t *testing.T) {
	sink, err := NewKafkaSink(KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		BatchSize:    50,
		RequiredAcks: kafka.RequireOne,
	})
	require.NoError(t, err)
	require.NotNil(t, sink.writer)

	assert.Equal(t, 50, sink.writer.BatchSize)
	assert.Equal(t, int64(DefaultKafkaBatchBytes), sink.writer.BatchBytes)
	assert.Equal(t, kafka.RequireOne, sink.writer.RequiredAcks)
	assert.IsType(t, &kafka.Hash{}, sink.writer.Balancer)
	assert.NoError(t, sink.Close())
}

func TestNewKafkaSinkEmptyBrokers(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{})
	assert.Error(t, err)
}

func TestNatsFactoryRequiresURL(t *testing.T) {
	l := loop.New(state.NewTree(), notify.NewHub(), time.Hour, 1)
	_, err := publisher.NewRegistry(l, []cfg.MirrorConfiguration{{Name: "n", Type: "nats", Topic: "t"}})
	assert.ErrorContains(t, err, "nats_url")
}

func TestSanitizeStreamName(t *testing.T) {
	assert.Equal(t, "backoffice_state", sanitizeStreamName("backoffice.state"))
	assert.Equal(t, "obs_devices__", sanitizeStreamName("obs.devices.>"))
}

func TestMockSink_PublishAndReset(t *testing.T) {
	m := &MockSink{}
	require.NoError(t, m.Publish("topic", "1", []byte("v")))
	assert.Equal(t, []MockMessage{{Topic: "topic", Key: "1", Value: []byte("v")}}, m.Snapshot())

	boom := errors.New("boom")
	m.SetError(boom)
	assert.ErrorIs(t, m.Publish("topic", "1", nil), boom)
	m.SetError(nil)

	m.Reset()
	assert.Empty(t, m.Snapshot())
	require.NoError(t, m.Close())
	assert.True(t, m.Closed)
}

func TestMockSink_Concurrent(t *testing.T) {
	m := &MockSink{}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = m.Publish("t", "k", nil)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, m.Snapshot(), 1000)
}

func TestMockMirror_EndToEnd(t *testing.T) {
	l := loop.New(state.NewTree(), notify.NewHub(), time.Hour, 16)
	l.Start()
	defer l.Stop()

	r, err := publisher.NewRegistry(l, []cfg.MirrorConfiguration{{
		Name:           "e2e",
		Type:           "mock",
		Format:         "json",
		Topic:          "backoffice.state",
		RetryInitialMS: 1,
	}})
	require.NoError(t, err)
	require.NoError(t, r.Start())
	defer r.Stop()

	m, ok := MockFor("e2e")
	require.True(t, ok)
	require.Eventually(t, func() bool { return len(m.Snapshot()) == 1 }, 5*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Do(ctx, func(tr *state.Tree) error {
		return tr.Target().Set("guider", state.String("guiding"))
	}))
	_, err = l.Flush(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(m.Snapshot()) == 2 }, 5*time.Second, time.Millisecond)

	diff, err := encoding.JSONCodec{}.Decode(m.Snapshot()[1].Value)
	require.NoError(t, err)
	assert.Equal(t, encoding.TypeDiff, diff.Type)
	assert.Equal(t, uint64(1), diff.Serial)
}
