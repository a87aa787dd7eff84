package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/obsdeck/backoffice/telemetry"
	"github.com/rs/zerolog/log"
)

type firing struct {
	sync *synchronizer
	tw   *TriggeredWildcard
}

// FlushSynchronizers reconciles every synchronizer with the mutations made
// since the previous flush and invokes each affected callback exactly once,
// in registration order. It returns the number of callbacks invoked.
//
// Mutations made from callbacks are picked up by the next flush. Calling
// FlushSynchronizers from a callback panics with ErrReentrantFlush.
func (t *Tree) FlushSynchronizers() int {
	if t.flushing {
		panic(ErrReentrantFlush)
	}
	t.flushing = true
	defer func() { t.flushing = false }()

	start := time.Now()
	mark := t.serial

	var pending []firing
	for _, s := range t.reg.order {
		var fired []*instance
		t.visit(s, s.root, t.ref(t.root), &fired)
		s.mark = mark
		if len(fired) == 0 {
			continue
		}
		f := firing{sync: s}
		if s.report {
			f.tw = triggered(fired, s.collapse)
		}
		pending = append(pending, f)
	}
	clear(t.dirty)

	invoked := 0
	for _, f := range pending {
		if f.sync.removed {
			continue
		}
		invoked++
		if err := invoke(f); err != nil {
			log.Warn().
				Err(err).
				Uint64("handle", uint64(f.sync.handle)).
				Str("pattern", f.sync.pattern.String()).
				Msg("Synchronizer callback failed")
		}
	}

	telemetry.FlushesTotal.Inc()
	telemetry.FlushDurationSeconds.Observe(time.Since(start).Seconds())
	return invoked
}

func invoke(f firing) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if e, ok := r.(error); ok && errors.Is(e, ErrReentrantFlush) {
			panic(r)
		}
		telemetry.CallbacksTotal.With("panic").Inc()
		err = fmt.Errorf("panic: %v", r)
	}()

	if err = f.sync.cb(f.tw); err != nil {
		telemetry.CallbacksTotal.With("error").Inc()
		return err
	}
	telemetry.CallbacksTotal.With("ok").Inc()
	return nil
}

// visit reconciles the children of a non terminal binding whose next steps
// look into target. Unless the binding was just created or moved to another
// container, containers that were not dirtied since the last flush are skipped.
func (t *Tree) visit(s *synchronizer, inst *instance, target nodeRef, fired *[]*instance) {
	rebound := !inst.bound || inst.target != target
	inst.target, inst.bound = target, true
	nd := t.lookup(target)
	if !rebound {
		if nd == nil {
			return
		}
		if _, dirty := t.dirty[target.id]; !dirty {
			return
		}
	}

	for _, st := range nextSteps(s, inst) {
		if !st.wildcard {
			t.reach(s, inst, st, st.key, nd, fired)
			continue
		}
		// Keys that disappeared lose their instances silently.
		t.reg.prune(inst, st, nd)
		if nd == nil {
			continue
		}
		for _, k := range nd.keys {
			t.reach(s, inst, st, k, nd, fired)
		}
	}
}

// reach gets or creates the instance of st bound to key inside nd (nil when
// the container does not exist) and evaluates it. A terminal key that is
// still absent gets no instance.
func (t *Tree) reach(s *synchronizer, parent *instance, st *step, key string, nd *node, fired *[]*instance) {
	if st.terminal() {
		if _, ok := parent.children[childKey{step: st.index, key: key}]; !ok && !hasKey(nd, key) {
			return
		}
	}
	c, _ := t.reg.child(s, parent, st, key)
	if st.terminal() {
		if t.check(c, nd) {
			*fired = append(*fired, c)
		}
		return
	}
	var target nodeRef
	if nd != nil {
		if e, ok := nd.props[key]; ok && e.isNode() {
			target = t.ref(e.child)
		}
	}
	t.visit(s, c, target, fired)
}

func hasKey(nd *node, key string) bool {
	if nd == nil {
		return false
	}
	_, ok := nd.props[key]
	return ok
}

// check evaluates a terminal instance against its container and moves its
// last-seen serial forward. A container value also fires when anything below
// it changed.
func (t *Tree) check(c *instance, nd *node) bool {
	var stamp, childSerial uint64
	present := false
	if nd != nil {
		stamp = nd.stamps[c.key]
		if e, ok := nd.props[c.key]; ok {
			present = true
			if e.isNode() {
				childSerial = t.node(e.child).childSerial
			}
		}
	}
	fired := stamp > c.lastSeen ||
		childSerial > c.lastSeen ||
		(c.present && !present)
	c.present = present
	c.lastSeen = t.serial
	return fired
}

// triggered nests the wildcard keys bound along the path of each fired
// instance. With collapse, the report stops at the outermost wildcard and
// every key there is marked Direct.
func triggered(fired []*instance, collapse bool) *TriggeredWildcard {
	root := &TriggeredWildcard{}
	var chain []string
	for _, inst := range fired {
		chain = chain[:0]
		for cur := inst; cur != nil && cur.step != nil; cur = cur.parent {
			if cur.step.wildcard {
				chain = append(chain, cur.key)
			}
		}
		if collapse && len(chain) > 1 {
			chain = chain[len(chain)-1:]
		}
		tw := root
		for i := len(chain) - 1; i >= 0; i-- {
			tw = tw.child(chain[i])
		}
		if collapse || !inst.step.wildcard {
			tw.Direct = true
		}
	}
	return root
}
