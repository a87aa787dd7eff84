package loop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/obsdeck/backoffice/encoding"
	"github.com/obsdeck/backoffice/state"
	"github.com/rs/zerolog/log"
)

// ReadSeed loads an initial state document. Files ending in .msgpack are
// decoded with msgpack, anything else as JSON. The document must be an object.
func ReadSeed(path string) (state.Value, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return state.Absent, fmt.Errorf("failed to read seed: %w", err)
	}

	var v state.Value
	if filepath.Ext(path) == ".msgpack" {
		if v, err = encoding.UnmarshalValue(raw); err != nil {
			return state.Absent, fmt.Errorf("failed to decode seed: %w", err)
		}
	} else if err := v.UnmarshalJSON(raw); err != nil {
		return state.Absent, fmt.Errorf("failed to decode seed: %w", err)
	}

	if v.Kind() != state.KindObject {
		return state.Absent, fmt.Errorf("seed %s: %w", path, state.ErrNotContainer)
	}
	return v, nil
}

// Seed copies every top level key of doc into the root.
func (l *Loop) Seed(ctx context.Context, doc state.Value) error {
	if doc.Kind() != state.KindObject {
		return state.ErrNotContainer
	}
	err := l.Do(ctx, func(t *state.Tree) error {
		root := t.Target()
		o := doc.AsObject()
		for _, k := range o.Keys() {
			v, _ := o.Get(k)
			if err := root.Set(k, v); err != nil {
				return fmt.Errorf("seed %s: %w", k, err)
			}
		}
		return nil
	})
	if err == nil {
		log.Info().Int("keys", doc.Len()).Msg("Seeded state")
	}
	return err
}
