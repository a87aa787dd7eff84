package encoding

import (
	"bytes"
	"strings"
	"testing"

	"github.com/obsdeck/backoffice/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func samplePatch(t *testing.T) *state.Patch {
	t.Helper()
	p, err := state.DecodePatchJSON(strings.NewReader(`{
		"update": {
			"exposure": 2.5,
			"camera": {"update": {"temp": -10}},
			"filters": {"newArray": {"0": "L", "1": "R"}},
			"guider": {"newObject": {"state": "idle"}}
		},
		"delete": ["focuser"]
	}`))
	require.NoError(t, err)
	return p
}

func TestCodecFor(t *testing.T) {
	for name, want := range map[string]string{"": "json", "json": "json", "msgpack": "msgpack"} {
		c, err := CodecFor(name)
		require.NoError(t, err)
		assert.Equal(t, want, c.Name())
	}
	_, err := CodecFor("xml")
	assert.Error(t, err)
}

func TestJSONCodec_WireFormat(t *testing.T) {
	c := JSONCodec{}

	init, err := c.Encode(Message{
		Type:   TypeInit,
		Serial: 3,
		Data:   state.MustFromAny(map[string]any{"a": 1.0}),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"init","serial":3,"data":{"a":1}}`, string(init))

	p := &state.Patch{Update: []state.Update{{Key: "a", Kind: state.UpdateValue, Value: state.Number(2)}}}
	diff, err := c.Encode(Message{Type: TypeDiff, Session: 9, Serial: 4, Patch: p})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"diff","session":9,"serial":4,"patch":{"update":{"a":2}}}`, string(diff))
}

func TestCodecs_RoundTrip(t *testing.T) {
	data := state.ObjectValue(state.NewObject().
		Set("zeta", state.Number(1)).
		Set("alpha", state.ArrayValue(state.Bool(true), state.Null(), state.Number(0.5))).
		Set("name", state.String("m31")))

	for _, c := range []Codec{JSONCodec{}, MsgpackCodec{}} {
		t.Run(c.Name(), func(t *testing.T) {
			raw, err := c.Encode(Message{Type: TypeInit, Session: 1, Serial: 10, Data: data})
			require.NoError(t, err)
			m, err := c.Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, TypeInit, m.Type)
			assert.Equal(t, uint64(1), m.Session)
			assert.Equal(t, uint64(10), m.Serial)
			assert.True(t, state.Equal(data, m.Data))
			assert.Equal(t, []string{"zeta", "alpha", "name"}, m.Data.AsObject().Keys())
			assert.Nil(t, m.Patch)

			p := samplePatch(t)
			raw, err = c.Encode(Message{Type: TypeDiff, Serial: 11, Patch: p})
			require.NoError(t, err)
			m, err = c.Decode(raw)
			require.NoError(t, err)
			require.NotNil(t, m.Patch)
			assert.True(t, m.Data.IsAbsent())

			// Both decoded patches must transform the same base identically.
			base := state.MustFromAny(map[string]any{
				"exposure": 1.0,
				"camera":   map[string]any{"temp": 5.0},
				"focuser":  map[string]any{"pos": 100.0},
			})
			want, err := state.ApplyDiff(base, p)
			require.NoError(t, err)
			got, err := state.ApplyDiff(base, m.Patch)
			require.NoError(t, err)
			assert.True(t, state.Equal(want, got), "want %s got %s", want, got)
		})
	}
}

func TestEncodeValue_IntegersStayIntegers(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeValue(msgpack.NewEncoder(&buf), state.ArrayValue(state.Number(42), state.Number(1.5))))

	var out []interface{}
	dec := msgpack.NewDecoder(&buf)
	dec.UseLooseInterfaceDecoding(true)
	require.NoError(t, dec.Decode(&out))
	assert.Equal(t, []interface{}{int64(42), 1.5}, out)
}

func TestEncodeValue_RejectsAbsent(t *testing.T) {
	var buf bytes.Buffer
	assert.ErrorIs(t, EncodeValue(msgpack.NewEncoder(&buf), state.Absent), state.ErrInvalidValue)
}

func TestMsgpackCodec_DecodeErrors(t *testing.T) {
	c := MsgpackCodec{}
	_, err := c.Decode([]byte{0x01})
	assert.Error(t, err)

	// A patch that is not an object.
	raw, err := msgpack.Marshal(map[string]interface{}{"type": "diff", "patch": "nope"})
	require.NoError(t, err)
	_, err = c.Decode(raw)
	assert.Error(t, err)

	// Unknown fields are skipped.
	raw, err = msgpack.Marshal(map[string]interface{}{"type": "init", "extra": []int{1, 2}})
	require.NoError(t, err)
	m, err := c.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeInit, m.Type)
}
