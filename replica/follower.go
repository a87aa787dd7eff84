package replica

import (
	"errors"
	"fmt"

	"github.com/obsdeck/backoffice/encoding"
	"github.com/obsdeck/backoffice/state"
)

// ErrNotInitialized is returned when a diff arrives before any init message.
var ErrNotInitialized = errors.New("replica not initialized")

// Follower rebuilds the state on the receiving side of a session.
type Follower struct {
	codec   encoding.Codec
	session uint64
	serial  uint64
	data    state.Value
}

func NewFollower(codec encoding.Codec) *Follower {
	return &Follower{codec: codec}
}

// Receive decodes and applies one encoded message.
func (f *Follower) Receive(raw []byte) error {
	m, err := f.codec.Decode(raw)
	if err != nil {
		return err
	}
	return f.Apply(m)
}

// Apply applies one message. An init message replaces the state; a diff is
// applied on top of it and must belong to the same session.
func (f *Follower) Apply(m encoding.Message) error {
	switch m.Type {
	case encoding.TypeInit:
		if m.Data.Kind() != state.KindObject {
			return fmt.Errorf("init: %w", state.ErrNotContainer)
		}
		f.session, f.serial, f.data = m.Session, m.Serial, m.Data
		return nil
	case encoding.TypeDiff:
		if f.data.IsAbsent() {
			return ErrNotInitialized
		}
		if m.Session != f.session {
			return fmt.Errorf("diff from session %d, following %d", m.Session, f.session)
		}
		next, err := state.ApplyDiff(f.data, m.Patch)
		if err != nil {
			return fmt.Errorf("diff %d: %w", m.Serial, err)
		}
		f.serial, f.data = m.Serial, next
		return nil
	}
	return fmt.Errorf("unknown message type %q", m.Type)
}

func (f *Follower) Data() state.Value {
	return f.data
}

func (f *Follower) Serial() uint64 {
	return f.serial
}
