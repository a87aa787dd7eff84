package state

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/obsdeck/backoffice/id"
)

type nodeID uint32

const noNode nodeID = 0

// nodeRef addresses an arena slot; gen detects reuse of the slot.
type nodeRef struct {
	id  nodeID
	gen uint32
}

func (r nodeRef) valid() bool { return r.id != noNode }

// entry is one property of a node: either a scalar or a child container.
type entry struct {
	value Value
	child nodeID
	// since is the serial at which the key took its place in keys.
	since uint64
}

func (e entry) isNode() bool { return e.child != noNode }

type node struct {
	array       bool
	parent      nodeID
	key         string
	serial      uint64
	childSerial uint64
	keys        []string
	props       map[string]entry
	// stamps keeps the serial of the last set of each key, and a tombstone
	// stamp for deleted keys so synchronizers can observe the deletion.
	stamps map[string]uint64
}

type slot struct {
	gen  uint32
	live bool
	n    node
}

// Tree is the authoritative state tree. It is not safe for concurrent use:
// exactly one goroutine (see package loop) may own it.
type Tree struct {
	lineage  uint64
	serial   uint64
	slots    []*slot
	free     []nodeID
	root     nodeID
	dirty    map[nodeID]struct{}
	reg      registry
	flushing bool
}

type Option func(*Tree)

// WithLineage sets the lineage tag carried by snapshots of this tree.
func WithLineage(tag uint64) Option {
	return func(t *Tree) { t.lineage = tag }
}

// NewTree creates a tree whose root is an empty object.
func NewTree(opts ...Option) *Tree {
	t := &Tree{
		slots: []*slot{{}}, // slot 0 is never used
		dirty: make(map[nodeID]struct{}),
		reg:   newRegistry(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.lineage == 0 {
		t.lineage = id.Next()
	}
	t.root = t.allocSlot(false, noNode, "")
	return t
}

// Lineage returns the tag that ties snapshots to this tree.
func (t *Tree) Lineage() uint64 { return t.lineage }

// Serial returns the last stamp handed out.
func (t *Tree) Serial() uint64 { return t.serial }

// Target returns the live root container.
func (t *Tree) Target() Node {
	return Node{t: t, ref: t.ref(t.root)}
}

func (t *Tree) next() uint64 {
	if t.serial == math.MaxUint64 {
		panic("state: serial overflow")
	}
	t.serial++
	return t.serial
}

func (t *Tree) ref(id nodeID) nodeRef {
	return nodeRef{id: id, gen: t.slots[id].gen}
}

func (t *Tree) node(id nodeID) *node {
	return &t.slots[id].n
}

// lookup resolves a ref, returning nil when the slot was freed or reused.
func (t *Tree) lookup(r nodeRef) *node {
	if !r.valid() || int(r.id) >= len(t.slots) {
		return nil
	}
	s := t.slots[r.id]
	if !s.live || s.gen != r.gen {
		return nil
	}
	return &s.n
}

func (t *Tree) allocSlot(array bool, parent nodeID, key string) nodeID {
	var id nodeID
	if n := len(t.free); n > 0 {
		id = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		id = nodeID(len(t.slots))
		t.slots = append(t.slots, &slot{})
	}
	s := t.slots[id]
	s.live = true
	s.n = node{
		array:  array,
		parent: parent,
		key:    key,
		props:  make(map[string]entry),
		stamps: make(map[string]uint64),
	}
	return id
}

// attach converts a detached value into an entry, allocating nodes for
// containers. Each new container takes its own stamp.
func (t *Tree) attach(parent nodeID, key string, v Value) entry {
	if !v.kind.IsContainer() {
		return entry{value: v}
	}
	id := t.allocSlot(v.kind == KindArray, parent, key)
	n := t.node(id)
	n.serial = t.next()
	switch v.kind {
	case KindObject:
		for _, k := range v.obj.keys {
			t.attachProp(id, k, v.obj.fields[k])
		}
	case KindArray:
		for i, item := range v.arr {
			t.attachProp(id, indexKey(i), item)
		}
	}
	n = t.node(id)
	n.childSerial = t.serial
	return entry{child: id}
}

func (t *Tree) attachProp(id nodeID, key string, v Value) {
	e := t.attach(id, key, v)
	n := t.node(id)
	n.keys = append(n.keys, key)
	if e.isNode() {
		n.stamps[key] = t.node(e.child).serial
	} else {
		n.stamps[key] = n.serial
	}
	e.since = n.stamps[key]
	n.props[key] = e
}

func (t *Tree) freeSubtree(id nodeID) {
	n := t.node(id)
	for _, k := range n.keys {
		if e := n.props[k]; e.isNode() {
			t.freeSubtree(e.child)
		}
	}
	s := t.slots[id]
	s.live = false
	s.gen++
	s.n = node{}
	delete(t.dirty, id)
	t.free = append(t.free, id)
}

// touch propagates the current stamp to the ancestors' childSerial and
// marks the whole chain dirty.
func (t *Tree) touch(id nodeID) {
	for cur := id; cur != noNode; cur = t.node(cur).parent {
		t.node(cur).childSerial = t.serial
		t.dirty[cur] = struct{}{}
	}
}

func (t *Tree) setProp(id nodeID, key string, v Value) error {
	if err := validate(v); err != nil {
		return err
	}
	n := t.node(id)
	if n.array {
		i, ok := parseIndex(key)
		if !ok || i > len(n.keys) {
			return fmt.Errorf("%w: %q (length %d)", ErrInvalidIndex, key, len(n.keys))
		}
	}
	old, had := n.props[key]
	e := t.attach(id, key, v)
	var stamp uint64
	if e.isNode() {
		stamp = t.node(e.child).serial
	} else {
		stamp = t.next()
	}
	if had && old.isNode() {
		t.freeSubtree(old.child)
	}
	n = t.node(id)
	if had {
		e.since = old.since
	} else {
		e.since = stamp
		n.keys = append(n.keys, key)
	}
	n.props[key] = e
	n.stamps[key] = stamp
	t.touch(id)
	if e.isNode() {
		t.attached(id, key)
	}
	return nil
}

func (t *Tree) deleteProp(id nodeID, key string) error {
	n := t.node(id)
	old, had := n.props[key]
	if !had {
		return nil
	}
	if n.array && key != indexKey(len(n.keys)-1) {
		return fmt.Errorf("%w: only the last element of an array can be deleted", ErrInvalidIndex)
	}
	stamp := t.next()
	delete(n.props, key)
	n.keys = removeKey(n.keys, key)
	n.stamps[key] = stamp
	if old.isNode() {
		t.freeSubtree(old.child)
	}
	t.touch(id)
	return nil
}

func (t *Tree) export(id nodeID) Value {
	n := t.node(id)
	if n.array {
		items := make([]Value, len(n.keys))
		for i, k := range n.keys {
			items[i] = t.exportEntry(n.props[k])
		}
		return ArrayValue(items...)
	}
	o := &Object{keys: make([]string, 0, len(n.keys)), fields: make(map[string]Value, len(n.keys))}
	for _, k := range n.keys {
		o.Set(k, t.exportEntry(n.props[k]))
	}
	return ObjectValue(o)
}

func (t *Tree) exportEntry(e entry) Value {
	if e.isNode() {
		return t.export(e.child)
	}
	return e.value
}

// Resolve walks path from the root and returns the container found there.
func (t *Tree) Resolve(path Path) (Node, error) {
	return t.Target().Resolve(path)
}

// Get reads the value at path; missing paths yield Absent.
func (t *Tree) Get(path Path) Value {
	if len(path) == 0 {
		return t.export(t.root)
	}
	parent, err := t.Resolve(path[:len(path)-1])
	if err != nil {
		return Absent
	}
	return parent.Get(path[len(path)-1])
}

// SetPath stores v at path. Every intermediate container must exist.
func (t *Tree) SetPath(path Path, v Value) error {
	if len(path) == 0 {
		return fmt.Errorf("%w: cannot replace the root", ErrNotFound)
	}
	parent, err := t.Resolve(path[:len(path)-1])
	if err != nil {
		return err
	}
	return parent.Set(path[len(path)-1], v)
}

// DeletePath removes the property at path. A missing leaf is a no-op.
func (t *Tree) DeletePath(path Path) error {
	if len(path) == 0 {
		return fmt.Errorf("%w: cannot delete the root", ErrNotFound)
	}
	parent, err := t.Resolve(path[:len(path)-1])
	if err != nil {
		return err
	}
	return parent.Delete(path[len(path)-1])
}

// pathOf returns the keys leading from the root to id.
func (t *Tree) pathOf(id nodeID) []string {
	var path []string
	for cur := id; cur != t.root; {
		n := t.node(cur)
		path = append(path, n.key)
		cur = n.parent
	}
	slices.Reverse(path)
	return path
}

func indexKey(i int) string {
	return strconv.Itoa(i)
}

// Path is a sequence of property keys from the root.
type Path []string

// ParsePath splits a dotted or slash separated path. Empty segments are dropped.
func ParsePath(s string) Path {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == '.' || r == '/' })
	return Path(fields)
}

func (p Path) String() string {
	return strings.Join(p, ".")
}
