package loop

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/obsdeck/backoffice/cfg"
	"github.com/obsdeck/backoffice/state"
	"github.com/rs/zerolog/log"
)

// touchedPaths flattens the wildcard keys of tw into dotted paths.
func touchedPaths(tw *state.TriggeredWildcard) []string {
	if tw == nil {
		return nil
	}
	var out []string
	var walk func(prefix []string, tw *state.TriggeredWildcard)
	walk = func(prefix []string, tw *state.TriggeredWildcard) {
		if tw.Direct || len(tw.Keys) == 0 {
			if len(prefix) > 0 {
				out = append(out, strings.Join(prefix, "."))
			}
		}
		for k, sub := range tw.Keys {
			walk(append(prefix[:len(prefix):len(prefix)], k), sub)
		}
	}
	walk(nil, tw)
	sort.Strings(out)
	return out
}

// logWatch returns a callback logging the wildcard keys touched under pattern.
func logWatch(pattern string) state.Callback {
	return func(tw *state.TriggeredWildcard) error {
		log.Info().
			Str("watch", pattern).
			Strs("touched", touchedPaths(tw)).
			Msg("Watched state changed")
		return nil
	}
}

// RegisterWatches installs one logging synchronizer per configured watch and
// returns their handles. Nothing is registered if any pattern is invalid.
func (l *Loop) RegisterWatches(ctx context.Context, watches []cfg.WatchConfiguration) ([]state.Handle, error) {
	patterns := make([]state.PathPattern, len(watches))
	for i, w := range watches {
		p, err := state.ParsePattern(w.Pattern)
		if err != nil {
			return nil, fmt.Errorf("watch %q: %w", w.Pattern, err)
		}
		patterns[i] = p
	}

	return Await(ctx, Submit(l, func(t *state.Tree) ([]state.Handle, error) {
		handles := make([]state.Handle, 0, len(watches))
		for i, w := range watches {
			h, err := t.AddSynchronizer(patterns[i], logWatch(w.Pattern), w.Collapse, true)
			if err != nil {
				for _, added := range handles {
					t.RemoveSynchronizer(added)
				}
				return nil, fmt.Errorf("watch %q: %w", w.Pattern, err)
			}
			handles = append(handles, h)
		}
		return handles, nil
	}))
}

// RemoveWatches removes handles returned by RegisterWatches.
func (l *Loop) RemoveWatches(ctx context.Context, handles []state.Handle) error {
	return l.Do(ctx, func(t *state.Tree) error {
		for _, h := range handles {
			t.RemoveSynchronizer(h)
		}
		return nil
	})
}
