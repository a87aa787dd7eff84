package state

import "fmt"

// Handle identifies a registered synchronizer.
type Handle uint64

// Callback is invoked at most once per flush for a synchronizer. tw is nil
// unless the synchronizer asked for wildcard reporting. A returned error is
// logged; it never stops the flush.
type Callback func(tw *TriggeredWildcard) error

// TriggeredWildcard lists the wildcard keys touched during a flush, nested one
// level per wildcard of the pattern. Direct marks that a location without a
// wildcard below this level fired.
type TriggeredWildcard struct {
	Direct bool
	Keys   map[string]*TriggeredWildcard
}

func (tw *TriggeredWildcard) child(key string) *TriggeredWildcard {
	if tw.Keys == nil {
		tw.Keys = make(map[string]*TriggeredWildcard)
	}
	c, ok := tw.Keys[key]
	if !ok {
		c = &TriggeredWildcard{}
		tw.Keys[key] = c
	}
	return c
}

// Has reports whether key was touched at this level.
func (tw *TriggeredWildcard) Has(key string) bool {
	if tw == nil {
		return false
	}
	_, ok := tw.Keys[key]
	return ok
}

// RegistryStats is a census of the synchronizer registry. Watches counts
// containers observed for key creation or removal (one root watch per
// synchronizer plus one per non terminal instance).
type RegistryStats struct {
	Synchronizers int `json:"synchronizers"`
	Instances     int `json:"instances"`
	Watches       int `json:"watches"`
}

type childKey struct {
	step int
	key  string
}

// instance binds one compiled step to one (container, key). For non terminal
// steps, target is the container found at key, where the next steps look.
// The root binding of a synchronizer has no step and targets the tree root.
type instance struct {
	parent   *instance
	step     *step
	key      string
	target   nodeRef
	bound    bool
	lastSeen uint64
	present  bool
	children map[childKey]*instance
}

type synchronizer struct {
	handle   Handle
	pattern  PathPattern
	steps    []*step
	cb       Callback
	collapse bool
	report   bool
	// mark is the serial up to which this synchronizer has observed the tree;
	// new instances start from it.
	mark    uint64
	root    *instance
	removed bool
}

type registry struct {
	last      Handle
	order     []*synchronizer
	byHandle  map[Handle]*synchronizer
	instances int
	watches   int
}

func newRegistry() registry {
	return registry{byHandle: make(map[Handle]*synchronizer)}
}

func (r *registry) newInstance(parent *instance, st *step, key string, lastSeen uint64) *instance {
	c := &instance{parent: parent, step: st, key: key, lastSeen: lastSeen}
	if st.terminal() {
		r.instances++
	} else {
		c.children = make(map[childKey]*instance)
		r.watches++
	}
	return c
}

// teardown releases inst and everything below it without calling back.
func (r *registry) teardown(inst *instance) {
	for _, c := range inst.children {
		r.teardown(c)
	}
	inst.children = nil
	if inst.step != nil && inst.step.terminal() {
		r.instances--
	} else {
		r.watches--
	}
}

// AddSynchronizer registers cb for every location matched by pattern and
// installs its instances over the current tree. Nothing fires at
// registration: the current state is the baseline. Terminal keys missing from
// existing containers get an instance once the key shows up.
func (t *Tree) AddSynchronizer(pattern PathPattern, cb Callback, collapseSiblingChanges, reportWildcardValues bool) (Handle, error) {
	if cb == nil {
		return 0, fmt.Errorf("%w: nil callback", ErrInvalidPattern)
	}
	steps, err := pattern.compile()
	if err != nil {
		return 0, err
	}
	r := &t.reg
	r.last++
	s := &synchronizer{
		handle:   r.last,
		pattern:  pattern,
		steps:    steps,
		cb:       cb,
		collapse: collapseSiblingChanges,
		report:   reportWildcardValues,
		mark:     t.serial,
		root:     &instance{children: make(map[childKey]*instance)},
	}
	r.watches++
	r.order = append(r.order, s)
	r.byHandle[s.handle] = s

	s.root.target = t.ref(t.root)
	t.install(s, s.root, t.node(t.root), false)
	return s.handle, nil
}

func nextSteps(s *synchronizer, inst *instance) []*step {
	if inst.step == nil {
		return s.steps
	}
	return inst.step.next
}

// child returns the instance of st bound to key below parent, creating it with
// the synchronizer's mark as baseline.
func (r *registry) child(s *synchronizer, parent *instance, st *step, key string) (*instance, bool) {
	ck := childKey{step: st.index, key: key}
	if c, ok := parent.children[ck]; ok {
		return c, false
	}
	c := r.newInstance(parent, st, key, s.mark)
	parent.children[ck] = c
	return c, true
}

// prune drops the instances of the wildcard step st whose key is gone from nd.
func (r *registry) prune(inst *instance, st *step, nd *node) {
	for ck, c := range inst.children {
		if ck.step != st.index {
			continue
		}
		if nd != nil {
			if _, ok := nd.props[ck.key]; ok {
				continue
			}
		}
		r.teardown(c)
		delete(inst.children, ck)
	}
}

// install materializes the instances below inst whose next steps look into
// nd, without firing. A fresh container gets every literal terminal of the
// pattern, pending until its key is set.
func (t *Tree) install(s *synchronizer, inst *instance, nd *node, fresh bool) {
	for _, st := range nextSteps(s, inst) {
		if !st.wildcard {
			t.installChild(s, inst, st, st.key, nd, fresh)
			continue
		}
		t.reg.prune(inst, st, nd)
		if nd == nil {
			continue
		}
		for _, k := range nd.keys {
			t.installChild(s, inst, st, k, nd, fresh)
		}
	}
}

func (t *Tree) installChild(s *synchronizer, parent *instance, st *step, key string, nd *node, fresh bool) {
	var e entry
	present := false
	if nd != nil {
		e, present = nd.props[key]
	}
	if st.terminal() && !present && !fresh {
		if _, ok := parent.children[childKey{step: st.index, key: key}]; !ok {
			return
		}
	}
	c, created := t.reg.child(s, parent, st, key)
	if st.terminal() {
		if created {
			c.present = present
		}
		return
	}
	var target nodeRef
	var below *node
	if present && e.isNode() {
		target = t.ref(e.child)
		below = t.node(e.child)
	}
	// The next flush reconciles the whole binding.
	c.target, c.bound = target, false
	t.install(s, c, below, fresh)
}

// attached installs the instances that match a container just stored at key
// inside the container id, so they exist before the next flush.
func (t *Tree) attached(id nodeID, key string) {
	if len(t.reg.order) == 0 {
		return
	}
	path := t.pathOf(id)
	nd := t.node(id)
	for _, s := range t.reg.order {
		t.attachWalk(s, s.root, path, nd, key)
	}
}

func (t *Tree) attachWalk(s *synchronizer, inst *instance, path []string, nd *node, key string) {
	for _, st := range nextSteps(s, inst) {
		if len(path) == 0 {
			if st.wildcard || st.key == key {
				t.installChild(s, inst, st, key, nd, true)
			}
			continue
		}
		if st.terminal() || (!st.wildcard && st.key != path[0]) {
			continue
		}
		if c, ok := inst.children[childKey{step: st.index, key: path[0]}]; ok {
			t.attachWalk(s, c, path[1:], nd, key)
		}
	}
}

// RemoveSynchronizer tears down every instance of h at once. Pending callbacks
// of the current flush are skipped. Unknown handles are ignored.
func (t *Tree) RemoveSynchronizer(h Handle) {
	r := &t.reg
	s, ok := r.byHandle[h]
	if !ok {
		return
	}
	delete(r.byHandle, h)
	for i, cur := range r.order {
		if cur == s {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	s.removed = true
	r.teardown(s.root)
	s.root = nil
}

// Stats returns the registry census.
func (t *Tree) Stats() RegistryStats {
	return RegistryStats{
		Synchronizers: len(t.reg.order),
		Instances:     t.reg.instances,
		Watches:       t.reg.watches,
	}
}

// InstancesAt counts the terminal instances bound to the container at path,
// across all synchronizers.
func (t *Tree) InstancesAt(path Path) int {
	target, err := t.Resolve(path)
	if err != nil {
		return 0
	}
	count := 0
	var walk func(inst *instance)
	walk = func(inst *instance) {
		for _, c := range inst.children {
			if c.step.terminal() {
				if inst.target == target.ref {
					count++
				}
				continue
			}
			walk(c)
		}
	}
	for _, s := range t.reg.order {
		walk(s.root)
	}
	return count
}
