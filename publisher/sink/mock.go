package sink

import (
	"sync"

	"github.com/obsdeck/backoffice/cfg"
	"github.com/obsdeck/backoffice/publisher"
	"github.com/puzpuzpuz/xsync/v3"
)

// mocks holds every MockSink created through the "mock" sink type, by mirror name.
var mocks = xsync.NewMapOf[string, *MockSink]()

func init() {
	publisher.RegisterSink("mock", func(config cfg.MirrorConfiguration) (publisher.Sink, error) {
		m := &MockSink{}
		mocks.Store(config.Name, m)
		return m, nil
	})
}

// MockFor returns the MockSink created for the named mirror.
func MockFor(name string) (*MockSink, bool) {
	return mocks.Load(name)
}

// MockSink records messages in memory. It backs the "mock" sink type, handy
// for dry runs and tests.
type MockSink struct {
	Messages   []MockMessage
	PublishErr error
	Closed     bool
	mu         sync.Mutex
}

// MockMessage represents a published message
type MockMessage struct {
	Topic string
	Key   string
	Value []byte
}

// Publish records a message for later inspection
func (m *MockSink) Publish(topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return m.PublishErr
	}

	m.Messages = append(m.Messages, MockMessage{
		Topic: topic,
		Key:   key,
		Value: value,
	})

	return nil
}

// SetError makes subsequent publishes fail with err (nil restores success)
func (m *MockSink) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PublishErr = err
}

// Snapshot returns a copy of the recorded messages
func (m *MockSink) Snapshot() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockMessage(nil), m.Messages...)
}

// Close marks the sink closed
func (m *MockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// Reset clears all recorded messages
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
}

var _ publisher.Sink = (*MockSink)(nil)
