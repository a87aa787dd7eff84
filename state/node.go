package state

import (
	"fmt"
	"strconv"
)

// Node is a handle on a live container of a Tree. Every mutation goes
// through it so that serials and dirty markers stay exact. A handle becomes
// detached (ErrDetached) once its container is removed from the tree.
type Node struct {
	t   *Tree
	ref nodeRef
}

func (n Node) resolve() (*node, error) {
	if n.t == nil {
		return nil, ErrDetached
	}
	nd := n.t.lookup(n.ref)
	if nd == nil {
		return nil, ErrDetached
	}
	return nd, nil
}

// Valid reports whether the container is still part of the tree.
func (n Node) Valid() bool {
	_, err := n.resolve()
	return err == nil
}

func (n Node) IsArray() bool {
	nd, err := n.resolve()
	return err == nil && nd.array
}

// Serial is the stamp at which this container was attached.
func (n Node) Serial() uint64 {
	nd, err := n.resolve()
	if err != nil {
		return 0
	}
	return nd.serial
}

// ChildSerial is the newest stamp found in this subtree.
func (n Node) ChildSerial() uint64 {
	nd, err := n.resolve()
	if err != nil {
		return 0
	}
	return nd.childSerial
}

// Path returns the keys leading from the root to this container.
func (n Node) Path() (Path, error) {
	if _, err := n.resolve(); err != nil {
		return nil, err
	}
	return Path(n.t.pathOf(n.ref.id)), nil
}

func (n Node) Len() int {
	nd, err := n.resolve()
	if err != nil {
		return 0
	}
	return len(nd.keys)
}

// Keys returns property keys in insertion order (index order for arrays).
func (n Node) Keys() []string {
	nd, err := n.resolve()
	if err != nil {
		return nil
	}
	out := make([]string, len(nd.keys))
	copy(out, nd.keys)
	return out
}

func (n Node) Has(key string) bool {
	nd, err := n.resolve()
	if err != nil {
		return false
	}
	_, ok := nd.props[key]
	return ok
}

// Kind returns the kind of the property at key (KindAbsent when missing).
func (n Node) Kind(key string) Kind {
	nd, err := n.resolve()
	if err != nil {
		return KindAbsent
	}
	e, ok := nd.props[key]
	if !ok {
		return KindAbsent
	}
	if e.isNode() {
		if n.t.node(e.child).array {
			return KindArray
		}
		return KindObject
	}
	return e.value.kind
}

// Get returns the property at key. Containers are returned as detached copies;
// use Child to obtain a live handle instead.
func (n Node) Get(key string) Value {
	nd, err := n.resolve()
	if err != nil {
		return Absent
	}
	e, ok := nd.props[key]
	if !ok {
		return Absent
	}
	return n.t.exportEntry(e)
}

// Child returns a live handle on the container stored at key.
func (n Node) Child(key string) (Node, bool) {
	nd, err := n.resolve()
	if err != nil {
		return Node{}, false
	}
	e, ok := nd.props[key]
	if !ok || !e.isNode() {
		return Node{}, false
	}
	return Node{t: n.t, ref: n.t.ref(e.child)}, true
}

// Resolve walks path below n.
func (n Node) Resolve(path Path) (Node, error) {
	cur := n
	if _, err := cur.resolve(); err != nil {
		return Node{}, err
	}
	for i, k := range path {
		next, ok := cur.Child(k)
		if !ok {
			if cur.Has(k) {
				return Node{}, fmt.Errorf("%s: %w", path[:i+1], ErrNotContainer)
			}
			return Node{}, fmt.Errorf("%s: %w", path[:i+1], ErrNotFound)
		}
		cur = next
	}
	return cur, nil
}

// Export returns a detached deep copy of the container.
func (n Node) Export() Value {
	if _, err := n.resolve(); err != nil {
		return Absent
	}
	return n.t.export(n.ref.id)
}

// Set creates or replaces the property at key. Storing Absent (anywhere in v)
// fails with ErrInvalidValue and leaves the tree untouched.
func (n Node) Set(key string, v Value) error {
	if _, err := n.resolve(); err != nil {
		return err
	}
	return n.t.setProp(n.ref.id, key, v)
}

// Delete removes the property at key; a missing key is a no-op. On arrays only
// the last element can be deleted.
func (n Node) Delete(key string) error {
	if _, err := n.resolve(); err != nil {
		return err
	}
	return n.t.deleteProp(n.ref.id, key)
}

// Append adds v at the end of an array.
func (n Node) Append(v Value) error {
	nd, err := n.resolve()
	if err != nil {
		return err
	}
	if !nd.array {
		return fmt.Errorf("append: %w", ErrNotContainer)
	}
	return n.t.setProp(n.ref.id, strconv.Itoa(len(nd.keys)), v)
}

// Truncate pops array elements until its length is size.
func (n Node) Truncate(size int) error {
	nd, err := n.resolve()
	if err != nil {
		return err
	}
	if !nd.array {
		return fmt.Errorf("truncate: %w", ErrNotContainer)
	}
	if size < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidIndex, size)
	}
	for l := len(nd.keys); l > size; l-- {
		if err := n.t.deleteProp(n.ref.id, strconv.Itoa(l-1)); err != nil {
			return err
		}
	}
	return nil
}
