package loop

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/obsdeck/backoffice/cfg"
	"github.com/obsdeck/backoffice/encoding"
	"github.com/obsdeck/backoffice/notify"
	"github.com/obsdeck/backoffice/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoop(t *testing.T, interval time.Duration) *Loop {
	t.Helper()
	l := New(state.NewTree(), notify.NewHub(), interval, 8)
	l.Start()
	t.Cleanup(l.Stop)
	return l
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSubmit_ReturnsResult(t *testing.T) {
	l := newTestLoop(t, time.Hour)

	fut := Submit(l, func(tr *state.Tree) (uint64, error) {
		require.NoError(t, tr.Target().Set("a", state.Number(1)))
		return tr.Serial(), nil
	})
	serial, err := fut.Get()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), serial)

	boom := errors.New("boom")
	_, err = Submit(l, func(*state.Tree) (int, error) { return 0, boom }).Get()
	assert.ErrorIs(t, err, boom)
}

func TestSubmit_PanicKeepsLoopAlive(t *testing.T) {
	l := newTestLoop(t, time.Hour)

	_, err := Submit(l, func(*state.Tree) (int, error) { panic("bad") }).Get()
	assert.ErrorIs(t, err, ErrPanic)

	assert.NoError(t, l.Do(ctxT(t), func(tr *state.Tree) error {
		return tr.Target().Set("ok", state.Bool(true))
	}))
}

func TestSubmit_OrderIsPreserved(t *testing.T) {
	l := newTestLoop(t, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		fut := Submit(l, func(tr *state.Tree) (struct{}, error) {
			return struct{}{}, tr.Target().Set("n", state.Number(float64(i)))
		})
		go func() {
			defer wg.Done()
			_, _ = fut.Get()
		}()
	}
	wg.Wait()

	v, err := Await(ctxT(t), Submit(l, func(tr *state.Tree) (state.Value, error) {
		return tr.Target().Get("n"), nil
	}))
	require.NoError(t, err)
	assert.Equal(t, 49.0, v.AsNumber())
}

func TestDo_ContextCancelled(t *testing.T) {
	l := newTestLoop(t, time.Hour)

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	go l.Do(context.Background(), func(*state.Tree) error {
		close(started)
		<-release
		return nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Do(ctx, func(*state.Tree) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStop_RejectsLaterWork(t *testing.T) {
	l := New(state.NewTree(), notify.NewHub(), time.Hour, 8)
	l.Start()
	l.Stop()
	l.Stop()

	_, err := Submit(l, func(*state.Tree) (int, error) { return 1, nil }).Get()
	assert.ErrorIs(t, err, ErrStopped)
}

func TestFlush_SignalsHubWhenTreeAdvanced(t *testing.T) {
	l := newTestLoop(t, time.Hour)
	signals, cancel := l.Hub().Subscribe()
	defer cancel()

	ctx := ctxT(t)
	fired := 0
	require.NoError(t, l.Do(ctx, func(tr *state.Tree) error {
		_, err := tr.AddSynchronizer(state.Pattern(state.Key("a")), func(*state.TriggeredWildcard) error {
			fired++
			return nil
		}, false, false)
		if err != nil {
			return err
		}
		return tr.Target().Set("a", state.Number(1))
	}))

	n, err := l.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case serial := <-signals:
		assert.Equal(t, uint64(1), serial)
	case <-time.After(time.Second):
		t.Fatal("no signal after flush")
	}

	// Nothing changed: no callback and no signal.
	n, err = l.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	select {
	case serial := <-signals:
		t.Fatalf("unexpected signal %d", serial)
	case <-time.After(50 * time.Millisecond):
	}

	serial, syncs, instances, _, ok := l.CollectStats()
	require.True(t, ok)
	assert.Equal(t, uint64(1), serial)
	assert.Equal(t, 1, syncs)
	assert.Equal(t, 1, instances)
	assert.Equal(t, 1, fired)
}

func TestTicker_FlushesPeriodically(t *testing.T) {
	l := newTestLoop(t, 5*time.Millisecond)
	signals, cancel := l.Hub().Subscribe()
	defer cancel()

	require.NoError(t, l.Do(ctxT(t), func(tr *state.Tree) error {
		return tr.Target().Set("a", state.Number(1))
	}))

	select {
	case serial := <-signals:
		assert.Equal(t, uint64(1), serial)
	case <-time.After(2 * time.Second):
		t.Fatal("ticker never flushed")
	}
}

func TestRegisterWatches(t *testing.T) {
	l := newTestLoop(t, time.Hour)
	ctx := ctxT(t)

	_, err := l.RegisterWatches(ctx, []cfg.WatchConfiguration{{Pattern: "a..b"}})
	assert.ErrorIs(t, err, state.ErrInvalidPattern)

	handles, err := l.RegisterWatches(ctx, []cfg.WatchConfiguration{
		{Pattern: "devices.*.connected"},
		{Pattern: "mount", Collapse: true},
	})
	require.NoError(t, err)
	require.Len(t, handles, 2)

	require.NoError(t, l.Do(ctx, func(tr *state.Tree) error {
		if err := tr.SetPath(state.Path{"devices"}, state.MustFromAny(map[string]any{
			"ccd": map[string]any{"connected": true},
		})); err != nil {
			return err
		}
		return tr.SetPath(state.Path{"mount"}, state.MustFromAny(map[string]any{"ra": 0}))
	}))
	_, err = l.Flush(ctx)
	require.NoError(t, err)
	_, syncs, instances, _, _ := l.CollectStats()
	assert.Equal(t, 2, syncs)
	assert.Equal(t, 2, instances)

	require.NoError(t, l.RemoveWatches(ctx, handles))
	_, err = l.Flush(ctx)
	require.NoError(t, err)
	_, syncs, instances, watches, _ := l.CollectStats()
	assert.Zero(t, syncs+instances+watches)
}

func TestTouchedPaths(t *testing.T) {
	tw := &state.TriggeredWildcard{Keys: map[string]*state.TriggeredWildcard{
		"ccd":   {Direct: true},
		"mount": {Keys: map[string]*state.TriggeredWildcard{"ra": {}, "dec": {}}},
	}}
	assert.Equal(t, []string{"ccd", "mount.dec", "mount.ra"}, touchedPaths(tw))
	assert.Nil(t, touchedPaths(nil))
}

func TestReadSeed(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "seed.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"site":{"name":"obs"},"targets":[]}`), 0o644))
	v, err := ReadSeed(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"site", "targets"}, v.AsObject().Keys())

	raw, err := encoding.MarshalValue(state.MustFromAny(map[string]any{"port": 7624}))
	require.NoError(t, err)
	mpPath := filepath.Join(dir, "seed.msgpack")
	require.NoError(t, os.WriteFile(mpPath, raw, 0o644))
	v, err = ReadSeed(mpPath)
	require.NoError(t, err)
	assert.Equal(t, 7624.0, v.Get("port").AsNumber())

	arrPath := filepath.Join(dir, "array.json")
	require.NoError(t, os.WriteFile(arrPath, []byte(`[1,2]`), 0o644))
	_, err = ReadSeed(arrPath)
	assert.ErrorIs(t, err, state.ErrNotContainer)

	_, err = ReadSeed(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestSeed(t *testing.T) {
	l := newTestLoop(t, time.Hour)
	ctx := ctxT(t)

	require.NoError(t, l.Seed(ctx, state.MustFromAny(map[string]any{"a": 1.0, "b": map[string]any{"c": "x"}})))
	assert.ErrorIs(t, l.Seed(ctx, state.Number(1)), state.ErrNotContainer)

	got, err := Await(ctx, Submit(l, func(tr *state.Tree) (state.Value, error) {
		return tr.Target().Export(), nil
	}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":{"c":"x"}}`, got.String())
}
