// Package publisher mirrors the replication stream to external systems.
//
// Each configured mirror runs a Worker that owns a replica.Session: the
// session forks the state tree and emits an init message followed by one
// diff message per advance, and the worker publishes every message to its
// Sink (NATS, Kafka, or the in-memory mock) keyed by the session ID.
//
// Delivery is at-least-once per message with exponential backoff. When a
// publish exhausts its retries, or the session falls behind, the worker
// discards the session and starts a new one, so consumers always see a
// fresh init message before diffs that depend on a lost message.
//
// Sinks register themselves by type:
//
//	publisher.RegisterSink("nats", func(c cfg.MirrorConfiguration) (publisher.Sink, error) {
//		return NewNatsSink(c.NatsURL, c.NatsJetStream)
//	})
//
// and are instantiated by Registry for each [[mirror]] section.
package publisher
