package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/obsdeck/backoffice/cfg"
	"github.com/obsdeck/backoffice/encoding"
	"github.com/obsdeck/backoffice/loop"
	"github.com/rs/zerolog/log"
)

// Registry manages the lifecycle of all mirror workers
type Registry struct {
	loop    *loop.Loop
	workers []*Worker
	sinks   []Sink
	running atomic.Bool
	mu      sync.Mutex
}

// NewRegistry creates a worker for every mirror configuration
func NewRegistry(l *loop.Loop, mirrors []cfg.MirrorConfiguration) (*Registry, error) {
	if l == nil {
		return nil, fmt.Errorf("state loop is required")
	}

	registry := &Registry{
		loop:    l,
		workers: make([]*Worker, 0, len(mirrors)),
	}

	for _, m := range mirrors {
		if err := registry.AddMirror(m); err != nil {
			registry.closeSinks()
			return nil, fmt.Errorf("failed to add mirror %q: %w", m.Name, err)
		}
	}

	log.Info().
		Int("workers", len(registry.workers)).
		Msg("Mirror registry initialized")

	return registry, nil
}

// AddMirror creates and adds a new worker for the given mirror configuration.
// Workers added while the registry runs are started immediately.
func (r *Registry) AddMirror(config cfg.MirrorConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	codec, err := encoding.CodecFor(config.Format)
	if err != nil {
		return err
	}

	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	worker, err := NewWorker(WorkerConfig{
		Name:            config.Name,
		SinkType:        config.Type,
		Loop:            r.loop,
		Sink:            snk,
		Codec:           codec,
		Topic:           config.Topic,
		BatchSize:       config.BatchSize,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
		MaxRetries:      config.MaxRetries,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.workers = append(r.workers, worker)
	r.sinks = append(r.sinks, snk)
	if r.running.Load() {
		worker.Start()
	}

	log.Info().
		Str("mirror", config.Name).
		Str("type", config.Type).
		Str("format", codec.Name()).
		Msg("Added mirror")

	return nil
}

// Len returns the number of configured mirrors
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// Start starts all workers
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}

	for _, worker := range r.workers {
		worker.Start()
	}
	r.running.Store(true)

	return nil
}

// Stop stops all workers and closes their sinks
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Swap(false) {
		for _, worker := range r.workers {
			worker.Stop()
		}
	}
	if len(r.sinks) == 0 {
		return
	}
	r.closeSinks()

	log.Info().Msg("Mirror registry stopped")
}

func (r *Registry) closeSinks() {
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close sink")
		}
	}
	r.sinks = nil
}

// createSink creates a sink based on the configuration
func createSink(config cfg.MirrorConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.MirrorConfiguration) (Sink, error)

var (
	sinkFactories = make(map[string]SinkFactory)
	factoryMu     sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}
