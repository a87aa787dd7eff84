package state

import "fmt"

// ApplyDiff returns data with patch applied. data is not modified: touched
// levels are copied and untouched subtrees are shared with the input.
// A nil patch returns data unchanged.
func ApplyDiff(data Value, patch *Patch) (Value, error) {
	if patch == nil {
		return data, nil
	}
	switch data.kind {
	case KindObject:
		return applyObject(data.obj, patch)
	case KindArray:
		return applyArray(data.arr, patch)
	}
	return Absent, fmt.Errorf("apply: %w (got %s)", ErrNotContainer, data.kind)
}

// applyObject runs deletes before updates: a key listed in both was set again
// after a deletion and goes to the end.
func applyObject(src *Object, patch *Patch) (Value, error) {
	o := src.clone()
	for _, k := range patch.Delete {
		o.Delete(k)
	}
	for _, u := range patch.Update {
		v, err := applyUpdate(o.fields[u.Key], u)
		if err != nil {
			return Absent, err
		}
		o.Set(u.Key, v)
	}
	return ObjectValue(o), nil
}

func applyArray(src []Value, patch *Patch) (Value, error) {
	arr := make([]Value, len(src), len(src)+len(patch.Update))
	copy(arr, src)
	for _, u := range patch.Update {
		i, ok := parseIndex(u.Key)
		if !ok || i > len(arr) {
			return Absent, fmt.Errorf("apply: %w: %q", ErrInvalidIndex, u.Key)
		}
		var cur Value
		if i < len(arr) {
			cur = arr[i]
		}
		v, err := applyUpdate(cur, u)
		if err != nil {
			return Absent, err
		}
		if i == len(arr) {
			arr = append(arr, v)
		} else {
			arr[i] = v
		}
	}
	if len(patch.Delete) == 0 {
		return ArrayValue(arr...), nil
	}
	drop := make(map[int]struct{}, len(patch.Delete))
	for _, k := range patch.Delete {
		i, ok := parseIndex(k)
		if !ok {
			return Absent, fmt.Errorf("apply: %w: %q", ErrInvalidIndex, k)
		}
		drop[i] = struct{}{}
	}
	out := make([]Value, 0, len(arr))
	for i, v := range arr {
		if _, ok := drop[i]; !ok {
			out = append(out, v)
		}
	}
	return ArrayValue(out...), nil
}

func applyUpdate(cur Value, u Update) (Value, error) {
	switch u.Kind {
	case UpdateValue, UpdateNewObject, UpdateNewArray:
		return u.Value, nil
	case UpdatePatch:
		if !cur.kind.IsContainer() {
			return Absent, fmt.Errorf("apply: %s: %w", u.Key, ErrUnknownPath)
		}
		v, err := ApplyDiff(cur, u.Patch)
		if err != nil {
			return Absent, fmt.Errorf("%s: %w", u.Key, err)
		}
		return v, nil
	}
	return Absent, fmt.Errorf("apply: %s: unknown update kind %d", u.Key, u.Kind)
}
