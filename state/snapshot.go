package state

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Snapshot captures serial bookkeeping of a container at a point in time.
// It holds no reference to the live tree and is never modified once built;
// Diff replaces the caller's snapshot wholesale.
type Snapshot struct {
	Lineage     uint64                  `json:"lineage,omitempty"`
	Serial      uint64                  `json:"serial"`
	ChildSerial uint64                  `json:"childSerial"`
	Props       map[string]SnapshotProp `json:"props"`
}

// SnapshotProp is the stamp of a scalar property or the snapshot of a container.
type SnapshotProp struct {
	Serial uint64
	Child  *Snapshot
}

func (p SnapshotProp) MarshalJSON() ([]byte, error) {
	if p.Child != nil {
		return json.Marshal(p.Child)
	}
	return json.Marshal(p.Serial)
}

func (p *SnapshotProp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		p.Child = &Snapshot{}
		return json.Unmarshal(data, p.Child)
	}
	if err := json.Unmarshal(data, &p.Serial); err != nil {
		return fmt.Errorf("snapshot prop: %w", err)
	}
	return nil
}

// Fork is a detached copy of a container together with its snapshot, used to
// seed a remote replica before streaming diffs.
type Fork struct {
	Data   Value
	Serial *Snapshot
}

func (t *Tree) snapshot(id nodeID) *Snapshot {
	n := t.node(id)
	s := &Snapshot{
		Serial:      n.serial,
		ChildSerial: n.childSerial,
		Props:       make(map[string]SnapshotProp, len(n.keys)),
	}
	for _, k := range n.keys {
		e := n.props[k]
		if e.isNode() {
			s.Props[k] = SnapshotProp{Child: t.snapshot(e.child)}
		} else {
			s.Props[k] = SnapshotProp{Serial: n.stamps[k]}
		}
	}
	return s
}

// TakeSerialSnapshot snapshots the root.
func (t *Tree) TakeSerialSnapshot() *Snapshot {
	return t.Target().Snapshot()
}

// Fork returns a detached copy of the whole tree and its snapshot.
func (t *Tree) Fork() Fork {
	return t.Target().Fork()
}

// Diff computes the patch from s to the current root state and moves s forward.
func (t *Tree) Diff(s *Snapshot) (*Patch, error) {
	return t.Target().Diff(s)
}

func (n Node) Snapshot() *Snapshot {
	if _, err := n.resolve(); err != nil {
		return nil
	}
	s := n.t.snapshot(n.ref.id)
	s.Lineage = n.t.lineage
	return s
}

func (n Node) Fork() Fork {
	return Fork{Data: n.Export(), Serial: n.Snapshot()}
}

// Diff returns the changes since s, or nil when nothing changed below n. On
// success *s is replaced by the snapshot of the current state, so the next
// call only reports later changes. A snapshot taken from another tree, or
// from a container that has since been replaced, fails with ErrUnknownPath.
func (n Node) Diff(s *Snapshot) (*Patch, error) {
	nd, err := n.resolve()
	if err != nil {
		return nil, err
	}
	if s == nil || s.Lineage != n.t.lineage || s.Serial != nd.serial {
		return nil, ErrUnknownPath
	}
	patch, next := n.t.diff(n.ref.id, s)
	if next != s {
		next.Lineage = n.t.lineage
		*s = *next
	}
	return patch, nil
}
