package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/obsdeck/backoffice/cfg"
	"github.com/obsdeck/backoffice/publisher"
)

func init() {
	publisher.RegisterSink("nats", func(config cfg.MirrorConfiguration) (publisher.Sink, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		return NewNatsSink(config.NatsURL, config.NatsJetStream)
	})
}

// NatsSink publishes to a NATS subject, optionally through JetStream so late
// consumers can replay from the last init message
type NatsSink struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	streams map[string]bool
}

// NewNatsSink connects to url. With useJetStream, a stream is created per
// subject on first publish.
func NewNatsSink(url string, useJetStream bool) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("backoffice-mirror"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	n := &NatsSink{nc: nc}
	if useJetStream {
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}
		n.js = js
		n.streams = make(map[string]bool)
	}
	return n, nil
}

// Publish sends a message with the session ID in the "key" header.
func (n *NatsSink) Publish(topic, key string, value []byte) error {
	msg := &nats.Msg{
		Subject: topic,
		Data:    value,
		Header:  nats.Header{"key": []string{key}},
	}

	if n.js == nil {
		if err := n.nc.PublishMsg(msg); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", topic, err)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if !n.streams[topic] {
		streamName := sanitizeStreamName(topic)
		_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      streamName,
			Subjects:  []string{topic},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    24 * time.Hour,
		})
		if err != nil {
			return fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
		}
		n.streams[topic] = true
	}

	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Close drains pending messages and closes the connection
func (n *NatsSink) Close() error {
	if n.nc == nil {
		return nil
	}
	if err := n.nc.Drain(); err != nil {
		n.nc.Close()
		return err
	}
	return nil
}

// sanitizeStreamName converts a subject to a valid JetStream stream name
func sanitizeStreamName(topic string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(topic)
}

var _ publisher.Sink = (*NatsSink)(nil)
