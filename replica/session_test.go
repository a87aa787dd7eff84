package replica

import (
	"context"
	"testing"
	"time"

	"github.com/obsdeck/backoffice/encoding"
	"github.com/obsdeck/backoffice/loop"
	"github.com/obsdeck/backoffice/notify"
	"github.com/obsdeck/backoffice/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoop(t *testing.T) *loop.Loop {
	t.Helper()
	l := loop.New(state.NewTree(), notify.NewHub(), time.Hour, 16)
	l.Start()
	t.Cleanup(l.Stop)
	return l
}

func mutate(t *testing.T, l *loop.Loop, fn func(*state.Tree) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Do(ctx, fn))
	_, err := l.Flush(ctx)
	require.NoError(t, err)
}

func next(t *testing.T, s *Session) []byte {
	t.Helper()
	select {
	case raw, ok := <-s.Messages():
		require.True(t, ok, "session closed")
		return raw
	case <-time.After(5 * time.Second):
		t.Fatal("no message")
		return nil
	}
}

func startSession(t *testing.T, s *Session) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestSession_StreamsInitThenDiffs(t *testing.T) {
	for _, codec := range []encoding.Codec{encoding.JSONCodec{}, encoding.MsgpackCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			l := newLoop(t)
			mutate(t, l, func(tr *state.Tree) error {
				return tr.Target().Set("mount", state.MustFromAny(map[string]any{"ra": 10.0, "dec": 20.0}))
			})

			s := NewSession(l, codec, "test", 8)
			cancel, done := startSession(t, s)

			f := NewFollower(codec)
			require.NoError(t, f.Receive(next(t, s)))
			assert.Equal(t, uint64(1), f.Serial())
			assert.JSONEq(t, `{"mount":{"ra":10,"dec":20}}`, f.Data().String())

			mutate(t, l, func(tr *state.Tree) error {
				if err := tr.SetPath(state.Path{"mount", "ra"}, state.Number(11)); err != nil {
					return err
				}
				return tr.Target().Set("camera", state.MustFromAny(map[string]any{"temp": -5.0}))
			})
			require.NoError(t, f.Receive(next(t, s)))
			assert.Equal(t, uint64(3), f.Serial())
			assert.Equal(t, uint64(3), s.Serial())
			assert.JSONEq(t, `{"mount":{"ra":11,"dec":20},"camera":{"temp":-5}}`, f.Data().String())

			mutate(t, l, func(tr *state.Tree) error {
				return tr.Target().Delete("mount")
			})
			require.NoError(t, f.Receive(next(t, s)))
			assert.JSONEq(t, `{"camera":{"temp":-5}}`, f.Data().String())
			assert.Equal(t, StateStreaming, s.State())

			cancel()
			assert.ErrorIs(t, <-done, context.Canceled)
			assert.Equal(t, StateClosed, s.State())
			_, ok := <-s.Messages()
			assert.False(t, ok)
		})
	}
}

func TestSession_DropsSlowConsumer(t *testing.T) {
	l := newLoop(t)
	s := NewSession(l, encoding.JSONCodec{}, "test", 1)
	_, done := startSession(t, s)

	// The init message fills the buffer and is never read.
	require.Eventually(t, func() bool { return s.State() == StateStreaming }, 5*time.Second, time.Millisecond)

	mutate(t, l, func(tr *state.Tree) error {
		return tr.Target().Set("a", state.Number(1))
	})

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSlowConsumer)
	case <-time.After(5 * time.Second):
		t.Fatal("slow session was not dropped")
	}
	assert.Equal(t, StateDropped, s.State())
}

func TestSession_EndsWhenHubCloses(t *testing.T) {
	l := newLoop(t)
	s := NewSession(l, encoding.JSONCodec{}, "test", 4)
	_, done := startSession(t, s)
	next(t, s)

	l.Hub().Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrHubClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("session kept running")
	}
}

func TestSession_UniqueIDs(t *testing.T) {
	l := newLoop(t)
	a := NewSession(l, encoding.JSONCodec{}, "test", 1)
	b := NewSession(l, encoding.JSONCodec{}, "test", 1)
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestFollower_Errors(t *testing.T) {
	f := NewFollower(encoding.JSONCodec{})

	assert.ErrorIs(t, f.Apply(encoding.Message{Type: encoding.TypeDiff}), ErrNotInitialized)
	assert.ErrorIs(t, f.Apply(encoding.Message{Type: encoding.TypeInit, Data: state.Number(1)}), state.ErrNotContainer)
	assert.Error(t, f.Apply(encoding.Message{Type: "bogus"}))
	assert.Error(t, f.Receive([]byte("{")))

	require.NoError(t, f.Apply(encoding.Message{Type: encoding.TypeInit, Session: 1, Data: state.ObjectValue(state.NewObject())}))
	assert.Error(t, f.Apply(encoding.Message{Type: encoding.TypeDiff, Session: 2}))

	bad := &state.Patch{Update: []state.Update{{Key: "x", Kind: state.UpdatePatch, Patch: &state.Patch{}}}}
	assert.ErrorIs(t, f.Apply(encoding.Message{Type: encoding.TypeDiff, Session: 1, Patch: bad}), state.ErrUnknownPath)
}

func TestSessionState_String(t *testing.T) {
	assert.Equal(t, "STREAMING", StateStreaming.String())
	assert.Equal(t, "UNKNOWN", SessionState(42).String())
}
