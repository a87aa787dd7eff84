package encoding

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/obsdeck/backoffice/state"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Message types of the replication stream.
const (
	TypeInit = "init"
	TypeDiff = "diff"
)

// Message is one replication frame. An init frame carries the full state in
// Data; a diff frame carries the Patch to apply on top of the previous state.
type Message struct {
	Type    string
	Session uint64
	Serial  uint64
	Data    state.Value
	Patch   *state.Patch
}

// Codec turns messages into bytes for a transport.
type Codec interface {
	Name() string
	Encode(m Message) ([]byte, error)
	Decode(data []byte) (Message, error)
}

// CodecFor returns the codec registered under name ("json" or "msgpack").
func CodecFor(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	}
	return nil, fmt.Errorf("unknown encoding: %s", name)
}

// JSONCodec produces {"type":"diff","session":1,"serial":12,"patch":{...}}.
type JSONCodec struct{}

type jsonMessage struct {
	Type    string       `json:"type"`
	Session uint64       `json:"session,omitempty"`
	Serial  uint64       `json:"serial"`
	Data    *state.Value `json:"data,omitempty"`
	Patch   *state.Patch `json:"patch,omitempty"`
}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(m Message) ([]byte, error) {
	jm := jsonMessage{Type: m.Type, Session: m.Session, Serial: m.Serial, Patch: m.Patch}
	if !m.Data.IsAbsent() {
		jm.Data = &m.Data
	}
	return json.Marshal(jm)
}

func (JSONCodec) Decode(data []byte) (Message, error) {
	var jm jsonMessage
	if err := json.Unmarshal(data, &jm); err != nil {
		return Message{}, err
	}
	m := Message{Type: jm.Type, Session: jm.Session, Serial: jm.Serial, Patch: jm.Patch}
	if jm.Data != nil {
		m.Data = *jm.Data
	}
	return m, nil
}

// MsgpackCodec writes the same document as JSONCodec in msgpack. Object key
// order is preserved.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Encode(m Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	fields := 3
	if !m.Data.IsAbsent() {
		fields++
	}
	if m.Patch != nil {
		fields++
	}
	if err := enc.EncodeMapLen(fields); err != nil {
		return nil, err
	}
	if err := encodeField(enc, "type", state.String(m.Type)); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("session"); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint(m.Session); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("serial"); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint(m.Serial); err != nil {
		return nil, err
	}
	if !m.Data.IsAbsent() {
		if err := encodeField(enc, "data", m.Data); err != nil {
			return nil, err
		}
	}
	if m.Patch != nil {
		if err := encodeField(enc, "patch", m.Patch.Value()); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodeField(enc *msgpack.Encoder, key string, v state.Value) error {
	if err := enc.EncodeString(key); err != nil {
		return err
	}
	return EncodeValue(enc, v)
}

func (MsgpackCodec) Decode(data []byte) (Message, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	n, err := dec.DecodeMapLen()
	if err != nil {
		return Message{}, err
	}
	var m Message
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return Message{}, err
		}
		switch key {
		case "type":
			m.Type, err = dec.DecodeString()
		case "session":
			m.Session, err = dec.DecodeUint64()
		case "serial":
			m.Serial, err = dec.DecodeUint64()
		case "data":
			m.Data, err = DecodeValue(dec)
		case "patch":
			var pv state.Value
			if pv, err = DecodeValue(dec); err == nil {
				m.Patch, err = state.PatchFromValue(pv)
			}
		default:
			err = dec.Skip()
		}
		if err != nil {
			return Message{}, fmt.Errorf("%s: %w", key, err)
		}
	}
	return m, nil
}

// EncodeValue writes v keeping object key order. Integral numbers are written
// as integers.
func EncodeValue(enc *msgpack.Encoder, v state.Value) error {
	switch v.Kind() {
	case state.KindNull:
		return enc.EncodeNil()
	case state.KindBool:
		return enc.EncodeBool(v.AsBool())
	case state.KindNumber:
		f := v.AsNumber()
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return enc.EncodeInt(int64(f))
		}
		return enc.EncodeFloat64(f)
	case state.KindString:
		return enc.EncodeString(v.AsString())
	case state.KindArray:
		items := v.AsArray()
		if err := enc.EncodeArrayLen(len(items)); err != nil {
			return err
		}
		for _, item := range items {
			if err := EncodeValue(enc, item); err != nil {
				return err
			}
		}
		return nil
	case state.KindObject:
		o := v.AsObject()
		keys := o.Keys()
		if err := enc.EncodeMapLen(len(keys)); err != nil {
			return err
		}
		for _, k := range keys {
			item, _ := o.Get(k)
			if err := encodeField(enc, k, item); err != nil {
				return err
			}
		}
		return nil
	}
	return state.ErrInvalidValue
}

// DecodeValue reads one value written by EncodeValue (or any msgpack document
// made of maps with string keys, arrays and scalars).
func DecodeValue(dec *msgpack.Decoder) (state.Value, error) {
	c, err := dec.PeekCode()
	if err != nil {
		return state.Absent, err
	}
	switch {
	case c == msgpcode.Nil:
		return state.Null(), dec.DecodeNil()
	case c == msgpcode.True || c == msgpcode.False:
		b, err := dec.DecodeBool()
		return state.Bool(b), err
	case msgpcode.IsString(c) || msgpcode.IsBin(c):
		s, err := dec.DecodeString()
		return state.String(s), err
	case msgpcode.IsFixedMap(c) || c == msgpcode.Map16 || c == msgpcode.Map32:
		n, err := dec.DecodeMapLen()
		if err != nil {
			return state.Absent, err
		}
		o := state.NewObject()
		for i := 0; i < n; i++ {
			k, err := dec.DecodeString()
			if err != nil {
				return state.Absent, err
			}
			item, err := DecodeValue(dec)
			if err != nil {
				return state.Absent, fmt.Errorf("%s: %w", k, err)
			}
			o.Set(k, item)
		}
		return state.ObjectValue(o), nil
	case msgpcode.IsFixedArray(c) || c == msgpcode.Array16 || c == msgpcode.Array32:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return state.Absent, err
		}
		items := make([]state.Value, 0, max(n, 0))
		for i := 0; i < n; i++ {
			item, err := DecodeValue(dec)
			if err != nil {
				return state.Absent, err
			}
			items = append(items, item)
		}
		return state.ArrayValue(items...), nil
	}
	f, err := dec.DecodeFloat64()
	if err != nil {
		return state.Absent, err
	}
	return state.Number(f), nil
}
