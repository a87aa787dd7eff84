package state

import (
	"sort"

	"github.com/obsdeck/backoffice/telemetry"
)

// diff walks the live node against old. Unchanged subtrees (same
// childSerial) are skipped and their snapshots reused as is.
func (t *Tree) diff(id nodeID, old *Snapshot) (*Patch, *Snapshot) {
	n := t.node(id)
	if n.childSerial == old.ChildSerial {
		return nil, old
	}
	telemetry.DiffNodesVisited.Inc()

	next := &Snapshot{
		Serial:      n.serial,
		ChildSerial: n.childSerial,
		Props:       make(map[string]SnapshotProp, len(n.keys)),
	}
	patch := &Patch{}
	for _, k := range n.keys {
		e := n.props[k]
		prev, had := old.Props[k]
		if had && !n.array && e.since > old.ChildSerial {
			// Deleted and set again: the key moved to the end, so the
			// receiver drops it and appends it in full.
			patch.Delete = append(patch.Delete, k)
			had = false
		}
		if !e.isNode() {
			stamp := n.stamps[k]
			next.Props[k] = SnapshotProp{Serial: stamp}
			if !had || prev.Child != nil || prev.Serial != stamp {
				patch.Update = append(patch.Update, Update{Key: k, Kind: UpdateValue, Value: e.value})
			}
			continue
		}

		child := t.node(e.child)
		if had && prev.Child != nil && prev.Child.Serial == child.serial {
			sub, subSnap := t.diff(e.child, prev.Child)
			next.Props[k] = SnapshotProp{Child: subSnap}
			if !sub.empty() {
				patch.Update = append(patch.Update, Update{Key: k, Kind: UpdatePatch, Patch: sub})
			}
			continue
		}

		// New or replaced container: the old snapshot knows nothing about it.
		next.Props[k] = SnapshotProp{Child: t.snapshot(e.child)}
		kind := UpdateNewObject
		if child.array {
			kind = UpdateNewArray
		}
		patch.Update = append(patch.Update, Update{Key: k, Kind: kind, Value: t.export(e.child)})
	}
	for k := range old.Props {
		if _, ok := n.props[k]; !ok {
			patch.Delete = append(patch.Delete, k)
		}
	}
	sort.Strings(patch.Delete)

	if patch.empty() {
		return nil, next
	}
	return patch, next
}
