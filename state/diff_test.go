package state

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiff_NoChange(t *testing.T) {
	tree := NewTree()
	require.NoError(t, tree.Target().Set("a", obj(map[string]any{"b": 1})))

	s := tree.TakeSerialSnapshot()
	p, err := tree.Diff(s)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestDiff_UnknownLineage(t *testing.T) {
	a, b := NewTree(), NewTree()
	require.NotEqual(t, a.Lineage(), b.Lineage())

	_, err := b.Diff(a.TakeSerialSnapshot())
	assert.ErrorIs(t, err, ErrUnknownPath)

	_, err = a.Diff(nil)
	assert.ErrorIs(t, err, ErrUnknownPath)
}

func TestDiff_ReplacedNodeIsUnknown(t *testing.T) {
	tree := NewTree()
	root := tree.Target()
	require.NoError(t, root.Set("dev", obj(map[string]any{"x": 1})))
	dev, _ := root.Child("dev")
	s := dev.Snapshot()

	require.NoError(t, root.Set("dev", obj(map[string]any{"x": 1})))
	fresh, _ := root.Child("dev")
	_, err := fresh.Diff(s)
	assert.ErrorIs(t, err, ErrUnknownPath)
}

func TestDiff_WireFormat(t *testing.T) {
	tree := NewTree()
	root := tree.Target()
	require.NoError(t, root.Set("a", Number(1)))
	require.NoError(t, root.Set("b", String("x")))
	require.NoError(t, root.Set("dev", obj(map[string]any{"temp": 20})))
	fork := tree.Fork()

	require.NoError(t, root.Set("a", Number(2)))
	require.NoError(t, root.Set("o", obj(map[string]any{"k": true})))
	require.NoError(t, root.Set("l", ArrayValue(Number(1))))
	require.NoError(t, tree.SetPath(ParsePath("dev.temp"), Number(21)))
	require.NoError(t, root.Delete("b"))

	p, err := tree.Diff(fork.Serial)
	require.NoError(t, err)
	require.NotNil(t, p)

	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"update": {
			"a": 2,
			"dev": {"update": {"temp": 21}},
			"o": {"newObject": {"k": true}},
			"l": {"newArray": {"0": 1}}
		},
		"delete": ["b"]
	}`, string(b))

	var back Patch
	require.NoError(t, json.Unmarshal(b, &back))
	u, ok := back.Get("o")
	require.True(t, ok)
	assert.Equal(t, UpdateNewObject, u.Kind)
	u, ok = back.Get("dev")
	require.True(t, ok)
	assert.Equal(t, UpdatePatch, u.Kind)
	assert.True(t, back.Deletes("b"))

	// The snapshot moved forward with the diff.
	p, err = tree.Diff(fork.Serial)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestDiff_ScalarToContainerAndBack(t *testing.T) {
	tree := NewTree()
	root := tree.Target()
	require.NoError(t, root.Set("x", Number(1)))
	s := tree.TakeSerialSnapshot()

	require.NoError(t, root.Set("x", obj(map[string]any{"y": 1})))
	p, err := tree.Diff(s)
	require.NoError(t, err)
	u, _ := p.Get("x")
	assert.Equal(t, UpdateNewObject, u.Kind)

	require.NoError(t, root.Set("x", Null()))
	p, err = tree.Diff(s)
	require.NoError(t, err)
	u, _ = p.Get("x")
	assert.Equal(t, UpdateValue, u.Kind)
	assert.Equal(t, KindNull, u.Value.Kind())
}

func TestDiff_ApplyRoundTrip(t *testing.T) {
	tree := NewTree()
	root := tree.Target()
	require.NoError(t, root.Set("devices", obj(map[string]any{
		"cam":   map[string]any{"connected": true, "exposure": 1.5},
		"mount": map[string]any{"connected": false, "ra": 10.0},
	})))
	require.NoError(t, root.Set("log", ArrayValue(String("a"), String("b"), String("c"))))
	require.NoError(t, root.Set("title", String("night")))

	fork := tree.Fork()
	base := fork.Data
	pristine, err := json.Marshal(base)
	require.NoError(t, err)

	steps := []func(){
		func() { require.NoError(t, tree.SetPath(ParsePath("devices.cam.exposure"), Number(3))) },
		func() { require.NoError(t, tree.DeletePath(ParsePath("devices.mount"))) },
		func() {
			require.NoError(t, tree.SetPath(ParsePath("devices.focuser"), obj(map[string]any{"pos": 100})))
		},
		func() {
			log, _ := root.Child("log")
			require.NoError(t, log.Truncate(1))
			require.NoError(t, log.Append(String("z")))
			require.NoError(t, log.Append(obj(map[string]any{"lvl": "warn"})))
		},
		func() { require.NoError(t, root.Set("title", String("dawn"))) },
		func() { require.NoError(t, root.Delete("title")) },
	}

	data := base
	for i, step := range steps {
		step()
		p, err := tree.Diff(fork.Serial)
		require.NoError(t, err, "step %d", i)
		data, err = ApplyDiff(data, p)
		require.NoError(t, err, "step %d", i)
		assert.True(t, Equal(tree.Target().Export(), data), "step %d: %s != %s", i, data, tree.Target().Export())
	}

	after, err := json.Marshal(base)
	require.NoError(t, err)
	assert.JSONEq(t, string(pristine), string(after), "ApplyDiff must not modify its input")
}

func TestDiff_AggregatedOverManySteps(t *testing.T) {
	tree := NewTree()
	root := tree.Target()
	require.NoError(t, root.Set("a", obj(map[string]any{"b": map[string]any{"c": 1}})))
	fork := tree.Fork()

	require.NoError(t, tree.SetPath(ParsePath("a.b.c"), Number(2)))
	require.NoError(t, tree.SetPath(ParsePath("a.b.d"), Number(3)))
	require.NoError(t, tree.SetPath(ParsePath("a.e"), Bool(false)))
	require.NoError(t, tree.DeletePath(ParsePath("a.b.c")))

	p, err := tree.Diff(fork.Serial)
	require.NoError(t, err)
	out, err := ApplyDiff(fork.Data, p)
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"b":{"d":3},"e":false}}`, out.String())
}

func TestApplyDiff_Errors(t *testing.T) {
	base := obj(map[string]any{"a": 1, "l": []any{1}})

	_, err := ApplyDiff(base, &Patch{Update: []Update{{Key: "a", Kind: UpdatePatch, Patch: &Patch{}}}})
	assert.ErrorIs(t, err, ErrUnknownPath)

	_, err = ApplyDiff(base, &Patch{Update: []Update{{Key: "l", Kind: UpdatePatch, Patch: &Patch{
		Update: []Update{{Key: "5", Kind: UpdateValue, Value: Number(1)}},
	}}}})
	assert.ErrorIs(t, err, ErrInvalidIndex)

	_, err = ApplyDiff(Number(1), &Patch{})
	assert.ErrorIs(t, err, ErrNotContainer)

	same, err := ApplyDiff(base, nil)
	require.NoError(t, err)
	assert.True(t, Equal(base, same))
}

func TestPatch_FromValue(t *testing.T) {
	var v Value
	require.NoError(t, v.UnmarshalJSON([]byte(`{"update":{"a":{"newArray":{"0":1,"1":[2]}},"b":{"update":{"c":null}}},"delete":["z"]}`)))
	p, err := PatchFromValue(v)
	require.NoError(t, err)

	require.Len(t, p.Update, 2)
	assert.Equal(t, UpdateNewArray, p.Update[0].Kind)
	assert.Equal(t, `[1,[2]]`, p.Update[0].Value.String())
	assert.Equal(t, UpdatePatch, p.Update[1].Kind)
	assert.Equal(t, []string{"z"}, p.Delete)
	assert.True(t, Equal(v, p.Value()))

	_, err = PatchFromValue(String("nope"))
	assert.Error(t, err)

	for _, bad := range []string{
		`{"update":{"a":{"newArray":[1,2]}}}`,
		`{"update":{"a":{"newArray":{"0":1,"2":3}}}}`,
	} {
		require.NoError(t, v.UnmarshalJSON([]byte(bad)))
		_, err = PatchFromValue(v)
		assert.Error(t, err, bad)
	}
}

func TestDiff_ReaddedKeyMovesToEnd(t *testing.T) {
	tree := NewTree()
	root := tree.Target()
	require.NoError(t, root.Set("a", Number(1)))
	require.NoError(t, root.Set("b", Number(2)))
	require.NoError(t, root.Set("dev", obj(map[string]any{"x": 1, "y": 2})))
	fork := tree.Fork()

	require.NoError(t, root.Delete("a"))
	require.NoError(t, root.Set("a", Number(3)))
	require.NoError(t, tree.DeletePath(ParsePath("dev.x")))
	require.NoError(t, tree.SetPath(ParsePath("dev.x"), Number(4)))
	require.NoError(t, root.Set("c", Bool(true)))

	p, err := tree.Diff(fork.Serial)
	require.NoError(t, err)
	assert.True(t, p.Deletes("a"))
	assert.False(t, p.Deletes("b"))

	out, err := ApplyDiff(fork.Data, p)
	require.NoError(t, err)
	live := tree.Target().Export()
	assert.Equal(t, live.AsObject().Keys(), out.AsObject().Keys())
	assert.Equal(t, live.String(), out.String())
	assert.Equal(t, `{"b":2,"dev":{"y":2,"x":4},"a":3,"c":true}`, out.String())

	// Values set in place keep their position.
	require.NoError(t, root.Set("b", Number(5)))
	p, err = tree.Diff(fork.Serial)
	require.NoError(t, err)
	assert.Empty(t, p.Delete)
	out, err = ApplyDiff(out, p)
	require.NoError(t, err)
	assert.Equal(t, `{"b":5,"dev":{"y":2,"x":4},"a":3,"c":true}`, out.String())
}

func TestSnapshot_JSON(t *testing.T) {
	tree := NewTree(WithLineage(42))
	require.NoError(t, tree.Target().Set("a", String("toto")))
	require.NoError(t, tree.Target().Set("o", obj(map[string]any{"k": 1})))

	b, err := json.Marshal(tree.TakeSerialSnapshot())
	require.NoError(t, err)
	assert.JSONEq(t, `{"lineage":42,"serial":0,"childSerial":2,"props":{"a":1,"o":{"serial":2,"childSerial":2,"props":{"k":2}}}}`, string(b))

	var back Snapshot
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, tree.TakeSerialSnapshot(), &back)
}
