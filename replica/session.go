package replica

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/obsdeck/backoffice/encoding"
	"github.com/obsdeck/backoffice/id"
	"github.com/obsdeck/backoffice/loop"
	"github.com/obsdeck/backoffice/state"
	"github.com/obsdeck/backoffice/telemetry"
	"github.com/rs/zerolog/log"
)

var (
	// ErrSlowConsumer ends a session whose peer did not drain its buffer.
	// The peer must reconnect and start again from a fresh fork.
	ErrSlowConsumer = errors.New("replica fell behind")

	// ErrHubClosed ends a session when the hub shuts down.
	ErrHubClosed = errors.New("notification hub closed")
)

// SessionState represents the current state of a session
type SessionState int32

const (
	StateForking SessionState = iota
	StateStreaming
	StateDropped
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateForking:
		return "FORKING"
	case StateStreaming:
		return "STREAMING"
	case StateDropped:
		return "DROPPED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Session streams the state tree to one peer: an init message with a fork of
// the whole tree, then one diff message every time the hub reports that the
// tree advanced. Encoded messages are queued on Messages; a full queue drops
// the session.
type Session struct {
	id        uint64
	transport string
	loop      *loop.Loop
	codec     encoding.Codec
	out       chan []byte

	// snap is only read and replaced on the loop goroutine.
	snap *state.Snapshot

	serial atomic.Uint64
	state  atomic.Int32
}

// NewSession creates a session that buffers up to buffer encoded messages.
// transport labels metrics and logs ("ws", "mirror").
func NewSession(l *loop.Loop, codec encoding.Codec, transport string, buffer int) *Session {
	if buffer < 1 {
		buffer = 1
	}
	return &Session{
		id:        id.Next(),
		transport: transport,
		loop:      l,
		codec:     codec,
		out:       make(chan []byte, buffer),
	}
}

func (s *Session) ID() uint64 {
	return s.id
}

// Messages returns the encoded message queue. It is closed when Run returns.
func (s *Session) Messages() <-chan []byte {
	return s.out
}

// Serial returns the root childSerial covered by the last queued message.
func (s *Session) Serial() uint64 {
	return s.serial.Load()
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(st SessionState) {
	old := SessionState(s.state.Swap(int32(st)))
	if old != st {
		log.Debug().
			Uint64("session", s.id).
			Str("transport", s.transport).
			Str("from", old.String()).
			Str("to", st.String()).
			Msg("Replica session state changed")
	}
}

// Run forks the tree and streams diffs until ctx is done, the hub closes or
// the peer falls behind. It always closes Messages before returning.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.out)

	// Subscribe before forking so no advance between the two is missed.
	signals, cancel := s.loop.Hub().Subscribe()
	defer cancel()

	gauge := telemetry.ReplicaSessions.With(s.transport)
	gauge.Inc()
	defer gauge.Dec()

	s.setState(StateForking)
	if err := s.init(ctx); err != nil {
		return s.finish(err)
	}
	s.setState(StateStreaming)

	for {
		select {
		case <-ctx.Done():
			return s.finish(ctx.Err())
		case _, ok := <-signals:
			if !ok {
				return s.finish(ErrHubClosed)
			}
			if err := s.diff(ctx); err != nil {
				return s.finish(err)
			}
		}
	}
}

func (s *Session) finish(err error) error {
	if errors.Is(err, ErrSlowConsumer) {
		s.setState(StateDropped)
		telemetry.ReplicaDropsTotal.Inc()
		log.Warn().
			Uint64("session", s.id).
			Str("transport", s.transport).
			Msg("Dropping replica session that fell behind")
		return err
	}
	s.setState(StateClosed)
	return err
}

func (s *Session) init(ctx context.Context) error {
	fork, err := loop.Await(ctx, loop.Submit(s.loop, func(t *state.Tree) (state.Fork, error) {
		return t.Fork(), nil
	}))
	if err != nil {
		return err
	}
	s.snap = fork.Serial
	return s.push(encoding.Message{
		Type:    encoding.TypeInit,
		Session: s.id,
		Serial:  fork.Serial.ChildSerial,
		Data:    fork.Data,
	})
}

type diffResult struct {
	patch  *state.Patch
	serial uint64
}

func (s *Session) diff(ctx context.Context) error {
	res, err := loop.Await(ctx, loop.Submit(s.loop, func(t *state.Tree) (diffResult, error) {
		patch, err := t.Diff(s.snap)
		if err != nil {
			telemetry.DiffsTotal.With("unknown").Inc()
			return diffResult{}, err
		}
		if patch == nil {
			telemetry.DiffsTotal.With("unchanged").Inc()
			return diffResult{}, nil
		}
		telemetry.DiffsTotal.With("patch").Inc()
		return diffResult{patch: patch, serial: s.snap.ChildSerial}, nil
	}))
	if err != nil {
		return fmt.Errorf("diff: %w", err)
	}
	if res.patch == nil {
		return nil
	}
	return s.push(encoding.Message{
		Type:    encoding.TypeDiff,
		Session: s.id,
		Serial:  res.serial,
		Patch:   res.patch,
	})
}

func (s *Session) push(m encoding.Message) error {
	data, err := s.codec.Encode(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Type, err)
	}
	select {
	case s.out <- data:
	default:
		return ErrSlowConsumer
	}
	s.serial.Store(m.Serial)
	telemetry.ReplicaMessagesTotal.With(m.Type).Inc()
	telemetry.PatchBytes.Observe(float64(len(data)))
	return nil
}
