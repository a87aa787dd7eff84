package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// UpdateKind says how an updated key must be rebuilt by the receiver.
type UpdateKind uint8

const (
	// UpdateValue replaces the key by a scalar (or null).
	UpdateValue UpdateKind = iota
	// UpdateNewObject replaces the key by a brand new object, sent in full.
	UpdateNewObject
	// UpdateNewArray replaces the key by a brand new array, sent in full.
	UpdateNewArray
	// UpdatePatch recurses into a container that persisted.
	UpdatePatch
)

// Update is one entry of Patch.Update.
type Update struct {
	Key   string
	Kind  UpdateKind
	Value Value
	Patch *Patch
}

// Patch describes the changes of one container level. Update keeps the
// order of keys in the source container; Delete is sorted.
type Patch struct {
	Update []Update
	Delete []string
}

func (p *Patch) empty() bool {
	return p == nil || (len(p.Update) == 0 && len(p.Delete) == 0)
}

// Get returns the update recorded for key.
func (p *Patch) Get(key string) (Update, bool) {
	if p == nil {
		return Update{}, false
	}
	for _, u := range p.Update {
		if u.Key == key {
			return u, true
		}
	}
	return Update{}, false
}

// Deletes reports whether key is part of the delete list.
func (p *Patch) Deletes(key string) bool {
	if p == nil {
		return false
	}
	for _, k := range p.Delete {
		if k == key {
			return true
		}
	}
	return false
}

// MarshalJSON produces {"update":{...},"delete":[...]}; absent parts are omitted.
func (p *Patch) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := writePatchJSON(&buf, p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writePatchJSON(buf *bytes.Buffer, p *Patch) error {
	buf.WriteByte('{')
	if p != nil && len(p.Update) > 0 {
		buf.WriteString(`"update":{`)
		for i, u := range p.Update {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(u.Key)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			switch u.Kind {
			case UpdateValue:
				if err := writeJSON(buf, u.Value); err != nil {
					return fmt.Errorf("%s: %w", u.Key, err)
				}
			case UpdateNewObject:
				buf.WriteString(`{"newObject":`)
				if err := writeJSON(buf, u.Value); err != nil {
					return fmt.Errorf("%s: %w", u.Key, err)
				}
				buf.WriteByte('}')
			case UpdateNewArray:
				buf.WriteString(`{"newArray":{`)
				for i, item := range u.Value.arr {
					if i > 0 {
						buf.WriteByte(',')
					}
					buf.WriteString(`"` + indexKey(i) + `":`)
					if err := writeJSON(buf, item); err != nil {
						return fmt.Errorf("%s.%d: %w", u.Key, i, err)
					}
				}
				buf.WriteString(`}}`)
			case UpdatePatch:
				if err := writePatchJSON(buf, u.Patch); err != nil {
					return err
				}
			}
		}
		buf.WriteByte('}')
	}
	if p != nil && len(p.Delete) > 0 {
		if len(p.Update) > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(`"delete":`)
		b, err := json.Marshal(p.Delete)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	buf.WriteByte('}')
	return nil
}

func (p *Patch) UnmarshalJSON(data []byte) error {
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return err
	}
	out, err := PatchFromValue(v)
	if err != nil {
		return err
	}
	*p = *out
	return nil
}

// Value renders the patch in its generic wire shape, for encoders that work
// on plain data (msgpack).
func (p *Patch) Value() Value {
	o := NewObject()
	if p == nil {
		return ObjectValue(o)
	}
	if len(p.Update) > 0 {
		u := NewObject()
		for _, up := range p.Update {
			switch up.Kind {
			case UpdateValue:
				u.Set(up.Key, up.Value)
			case UpdateNewObject:
				u.Set(up.Key, ObjectValue(NewObject().Set("newObject", up.Value)))
			case UpdateNewArray:
				u.Set(up.Key, ObjectValue(NewObject().Set("newArray", indexObject(up.Value.arr))))
			case UpdatePatch:
				u.Set(up.Key, up.Patch.Value())
			}
		}
		o.Set("update", ObjectValue(u))
	}
	if len(p.Delete) > 0 {
		items := make([]Value, len(p.Delete))
		for i, k := range p.Delete {
			items[i] = String(k)
		}
		o.Set("delete", ArrayValue(items...))
	}
	return ObjectValue(o)
}

// PatchFromValue parses the generic wire shape back into a Patch. An object
// under "update" is a new container when it carries newObject/newArray and a
// nested patch otherwise.
func PatchFromValue(v Value) (*Patch, error) {
	if v.kind != KindObject {
		return nil, fmt.Errorf("patch: expected object, got %s", v.kind)
	}
	p := &Patch{}
	if u, ok := v.obj.Get("update"); ok {
		if u.kind != KindObject {
			return nil, fmt.Errorf("patch: update must be an object, got %s", u.kind)
		}
		for _, k := range u.obj.keys {
			item := u.obj.fields[k]
			if item.kind != KindObject {
				p.Update = append(p.Update, Update{Key: k, Kind: UpdateValue, Value: item})
				continue
			}
			if c, ok := item.obj.Get("newObject"); ok && item.obj.Len() == 1 {
				if c.kind != KindObject {
					return nil, fmt.Errorf("patch: %s: newObject must be an object", k)
				}
				p.Update = append(p.Update, Update{Key: k, Kind: UpdateNewObject, Value: c})
				continue
			}
			if c, ok := item.obj.Get("newArray"); ok && item.obj.Len() == 1 {
				arr, err := fromIndexObject(c)
				if err != nil {
					return nil, fmt.Errorf("patch: %s: %w", k, err)
				}
				p.Update = append(p.Update, Update{Key: k, Kind: UpdateNewArray, Value: arr})
				continue
			}
			sub, err := PatchFromValue(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			p.Update = append(p.Update, Update{Key: k, Kind: UpdatePatch, Patch: sub})
		}
	}
	if d, ok := v.obj.Get("delete"); ok {
		if d.kind != KindArray {
			return nil, fmt.Errorf("patch: delete must be an array, got %s", d.kind)
		}
		for _, item := range d.arr {
			if item.kind != KindString {
				return nil, fmt.Errorf("patch: delete keys must be strings, got %s", item.kind)
			}
			p.Delete = append(p.Delete, item.str)
		}
	}
	return p, nil
}

// indexObject spells an array the way newArray carries it on the wire: an
// object keyed by index.
func indexObject(items []Value) Value {
	o := &Object{keys: make([]string, 0, len(items)), fields: make(map[string]Value, len(items))}
	for i, item := range items {
		o.Set(indexKey(i), item)
	}
	return ObjectValue(o)
}

func fromIndexObject(v Value) (Value, error) {
	if v.kind != KindObject {
		return Absent, fmt.Errorf("newArray must be an object keyed by index, got %s", v.kind)
	}
	items := make([]Value, v.obj.Len())
	for i := range items {
		item, ok := v.obj.Get(indexKey(i))
		if !ok {
			return Absent, fmt.Errorf("newArray: missing index %d of %d", i, len(items))
		}
		items[i] = item
	}
	return ArrayValue(items...), nil
}

// DecodePatchJSON reads one patch document from r.
func DecodePatchJSON(r io.Reader) (*Patch, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	p := &Patch{}
	if err := p.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return p, nil
}
