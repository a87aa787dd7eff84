// Package loop owns the state tree. The tree has no locks: every read,
// mutation, flush, fork and diff runs on the loop goroutine, in submission
// order, between periodic synchronizer flushes.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/obsdeck/backoffice/notify"
	"github.com/obsdeck/backoffice/state"
	"github.com/obsdeck/backoffice/telemetry"
	"github.com/rs/zerolog/log"
)

var (
	ErrStopped = errors.New("state loop stopped")
	ErrPanic   = errors.New("state loop task panicked")
)

type task struct {
	run    func(*state.Tree)
	cancel func(error)
}

type stats struct {
	serial   uint64
	registry state.RegistryStats
}

// Loop serializes access to one state.Tree.
type Loop struct {
	tree     *state.Tree
	hub      *notify.Hub
	interval time.Duration

	queue chan task

	// signalled is only touched by the loop goroutine.
	signalled uint64
	last      atomic.Pointer[stats]

	startOnce sync.Once
	stopCh    chan struct{}
	stopped   atomic.Bool
	wg        sync.WaitGroup
}

// New creates a loop around tree. Flushes run every interval; queueSize
// closures may be pending before Submit blocks.
func New(tree *state.Tree, hub *notify.Hub, interval time.Duration, queueSize int) *Loop {
	if queueSize < 1 {
		queueSize = 1
	}
	l := &Loop{
		tree:     tree,
		hub:      hub,
		interval: interval,
		queue:    make(chan task, queueSize),
		stopCh:   make(chan struct{}),
	}
	l.last.Store(&stats{serial: tree.Serial(), registry: tree.Stats()})
	return l
}

// Hub returns the hub signalled after flushes that saw the tree advance.
func (l *Loop) Hub() *notify.Hub {
	return l.hub
}

func (l *Loop) Start() {
	l.startOnce.Do(func() {
		l.wg.Add(1)
		go l.run()
	})
}

// Stop runs a last flush, rejects pending closures with ErrStopped and waits
// for the loop goroutine to exit.
func (l *Loop) Stop() {
	if !l.stopped.CompareAndSwap(false, true) {
		return
	}
	close(l.stopCh)
	l.wg.Wait()
	l.drain()
}

func (l *Loop) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case t := <-l.queue:
			t.run(l.tree)
		case <-ticker.C:
			l.flush()
		case <-l.stopCh:
			l.flush()
			return
		}
	}
}

func (l *Loop) drain() {
	for {
		select {
		case t := <-l.queue:
			t.cancel(ErrStopped)
		default:
			return
		}
	}
}

// flush runs the synchronizers and signals the hub when the root moved.
func (l *Loop) flush() int {
	n := l.tree.FlushSynchronizers()

	serial := l.tree.Target().ChildSerial()
	if serial != l.signalled {
		l.signalled = serial
		l.hub.Signal(serial)
	}
	l.last.Store(&stats{serial: l.tree.Serial(), registry: l.tree.Stats()})

	if n > 0 {
		log.Debug().Int("callbacks", n).Uint64("serial", serial).Msg("Flushed synchronizers")
	}
	return n
}

func (l *Loop) enqueue(t task) {
	if l.stopped.Load() {
		t.cancel(ErrStopped)
		return
	}
	select {
	case l.queue <- t:
		// Lost the race with Stop: nobody else will drain the queue.
		if l.stopped.Load() {
			l.drain()
		}
	case <-l.stopCh:
		t.cancel(ErrStopped)
	}
}

// Submit queues fn on the loop and returns its eventual result. A panic in fn
// resolves the future with ErrPanic; the loop keeps running.
func Submit[T any](l *Loop, fn func(*state.Tree) (T, error)) *future.Future[T] {
	p := future.NewPromise[T]()
	var zero T
	var once sync.Once
	set := func(v T, err error) {
		once.Do(func() { p.Set(v, err) })
	}

	l.enqueue(task{
		run: func(tree *state.Tree) {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("State task panicked")
					set(zero, fmt.Errorf("%w: %v", ErrPanic, r))
				}
			}()
			set(fn(tree))
		},
		cancel: func(err error) { set(zero, err) },
	})
	return p.Future()
}

// Do runs fn on the loop and waits for it, or for ctx.
func (l *Loop) Do(ctx context.Context, fn func(*state.Tree) error) error {
	_, err := Await(ctx, Submit(l, func(t *state.Tree) (struct{}, error) {
		return struct{}{}, fn(t)
	}))
	return err
}

// Flush runs a synchronizer flush now instead of waiting for the ticker and
// returns the number of callbacks invoked.
func (l *Loop) Flush(ctx context.Context) (int, error) {
	return Await(ctx, Submit(l, func(*state.Tree) (int, error) {
		return l.flush(), nil
	}))
}

// Await waits for fut or ctx, whichever comes first.
func Await[T any](ctx context.Context, fut *future.Future[T]) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fut.Get()
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// CollectStats reports the census taken after the last flush; it never
// touches the tree.
func (l *Loop) CollectStats() (serial uint64, synchronizers, instances, watches int, ok bool) {
	s := l.last.Load()
	if s == nil {
		return 0, 0, 0, 0, false
	}
	return s.serial, s.registry.Synchronizers, s.registry.Instances, s.registry.Watches, true
}

var _ telemetry.StatsProvider = (*Loop)(nil)
