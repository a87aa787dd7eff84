package publisher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/obsdeck/backoffice/encoding"
	"github.com/obsdeck/backoffice/loop"
	"github.com/obsdeck/backoffice/replica"
	"github.com/obsdeck/backoffice/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default number of messages a session may buffer ahead of the sink
	DefaultBatchSize = 100
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before giving up on a message
	DefaultMaxRetries = 100
)

var errStopped = errors.New("worker stopped")

// WorkerConfig configures a mirror worker
type WorkerConfig struct {
	Name            string         // Mirror name (for logs)
	SinkType        string         // Sink type label for metrics
	Loop            *loop.Loop     // State owner to replicate from
	Sink            Sink           // Destination sink
	Codec           encoding.Codec // Message encoding
	Topic           string         // Topic or subject
	BatchSize       int            // Session buffer size
	RetryInitial    time.Duration  // Initial retry delay
	RetryMax        time.Duration  // Max retry delay
	RetryMultiplier float64        // Backoff multiplier
	MaxRetries      int            // Maximum retry attempts (0 = default)
}

// Worker publishes one replication session at a time to a sink
type Worker struct {
	config      WorkerConfig
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	sessions    atomic.Uint64 // Sessions started, for tests and logs
	lifecycleMu sync.Mutex    // Protects Start/Stop lifecycle operations
}

// NewWorker creates a new mirror worker
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Loop == nil {
		return nil, fmt.Errorf("state loop is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Codec == nil {
		return nil, fmt.Errorf("codec is required")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	return &Worker{
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().
		Str("mirror", w.config.Name).
		Str("topic", w.config.Topic).
		Str("format", w.config.Codec.Name()).
		Msg("Starting mirror worker")

	go w.runLoop()
}

// Stop stops the worker gracefully
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("mirror", w.config.Name).Msg("Mirror worker stopped")
}

// Sessions returns how many sessions the worker has started.
func (w *Worker) Sessions() uint64 {
	return w.sessions.Load()
}

// runLoop keeps one session alive, starting over from a fresh fork whenever
// the previous one ends.
func (w *Worker) runLoop() {
	defer close(w.doneCh)

	delay := w.config.RetryInitial
	for {
		err := w.runSession()
		if errors.Is(err, errStopped) {
			return
		}
		log.Warn().
			Err(err).
			Str("mirror", w.config.Name).
			Dur("restart_delay", delay).
			Msg("Mirror session ended, restarting")
		if !w.sleep(delay) {
			return
		}
		delay = w.backoff(delay)
	}
}

func (w *Worker) runSession() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := replica.NewSession(w.config.Loop, w.config.Codec, "mirror", w.config.BatchSize)
	w.sessions.Add(1)
	key := strconv.FormatUint(s.ID(), 10)

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	for {
		select {
		case <-w.stopCh:
			cancel()
			<-runErr
			return errStopped
		case data, ok := <-s.Messages():
			if !ok {
				return <-runErr
			}
			if err := w.publishWithRetry(w.config.Topic, key, data); err != nil {
				cancel()
				<-runErr
				return err
			}
		}
	}
}

// publishWithRetry publishes data with exponential backoff retry
// Returns error if max retries exhausted or worker stopped
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			telemetry.MirrorPublishTotal.With(w.config.SinkType, "ok").Inc()
			return nil
		}
		telemetry.MirrorPublishTotal.With(w.config.SinkType, "error").Inc()

		attempts++

		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("mirror", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish message, retrying")

		if !w.sleep(delay) {
			return errStopped
		}
		delay = w.backoff(delay)
	}
}

func (w *Worker) backoff(delay time.Duration) time.Duration {
	delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
	if delay > w.config.RetryMax {
		delay = w.config.RetryMax
	}
	return delay
}

// sleep sleeps for the given duration, checking stopCh
// Returns true if sleep completed, false if stopped
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
