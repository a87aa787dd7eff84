// Package encoding provides the wire encodings of replication messages.
// ALL msgpack operations MUST go through this package to ensure consistent behavior.
//
// Thread Safety: every function and codec here is safe for concurrent use.
package encoding

import (
	"bytes"
	"fmt"

	"github.com/obsdeck/backoffice/state"
	"github.com/vmihailenco/msgpack/v5"
)

// MarshalValue encodes a state value, keeping object key order.
func MarshalValue(v state.Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeValue(msgpack.NewEncoder(&buf), v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalValue decodes one document into a state value. Trailing bytes are
// an error.
func UnmarshalValue(data []byte) (state.Value, error) {
	r := bytes.NewReader(data)
	v, err := DecodeValue(msgpack.NewDecoder(r))
	if err != nil {
		return state.Absent, err
	}
	if r.Len() != 0 {
		return state.Absent, fmt.Errorf("%d trailing bytes after document", r.Len())
	}
	return v, nil
}
