package plan

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/corrflow/internal/runtime/errors"
)

const forwardRule = "from rb_flow select src, dst, bytes insert into rb_out;"

func validConfig() map[string]any {
	return map[string]any{
		"id":     "flows",
		"input":  []string{"raw-a", "raw-b"},
		"output": map[string]string{"rb_out": "flows-out"},
		"rule":   forwardRule,
	}
}

func TestParseSerializeRoundTrip(t *testing.T) {
	cfg := validConfig()

	desc, err := Parse(cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg, desc.Serialize())

	again, err := Parse(desc.Serialize())
	require.NoError(t, err)
	assert.True(t, desc.Equal(again))
}

func TestParseAcceptsDecodedForms(t *testing.T) {
	desc, err := Parse(map[string]any{
		"id":     "flows",
		"input":  []any{"raw-a"},
		"output": map[string]any{"rb_out": "flows-out", "big": "big-out"},
		"rule":   forwardRule,
		"notes":  "ignored",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"raw-a"}, desc.InputChannels())
	assert.Equal(t, map[string]string{"rb_out": "flows-out", "big": "big-out"}, desc.OutputChannels())
	assert.Equal(t, []string{"big", "rb_out"}, desc.OutputStreams())
	assert.NotContains(t, desc.Serialize(), "notes")
}

func TestDecodedFormRoundTripsByValue(t *testing.T) {
	decoded := map[string]any{
		"id":     "flows",
		"input":  []any{"raw-a", "raw-b"},
		"output": map[string]any{"rb_out": "flows-out"},
		"rule":   forwardRule,
	}
	desc, err := Parse(decoded)
	require.NoError(t, err)

	serialized := desc.Serialize()
	assert.Equal(t, []string{"raw-a", "raw-b"}, serialized["input"])
	assert.Equal(t, map[string]string{"rb_out": "flows-out"}, serialized["output"])
	assert.Equal(t, decoded["id"], serialized["id"])
	assert.Equal(t, decoded["rule"], serialized["rule"])

	again, err := Parse(serialized)
	require.NoError(t, err)
	assert.True(t, desc.Equal(again))

	fromDecoded, err := Parse(decoded)
	require.NoError(t, err)
	assert.True(t, fromDecoded.Equal(again))
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(map[string]any)
		wantField string
	}{
		{"missing id", func(c map[string]any) { delete(c, "id") }, "id"},
		{"missing input", func(c map[string]any) { delete(c, "input") }, "input"},
		{"missing output", func(c map[string]any) { delete(c, "output") }, "output"},
		{"missing rule", func(c map[string]any) { delete(c, "rule") }, "rule"},
		{"non-string id", func(c map[string]any) { c["id"] = 42 }, "id"},
		{"empty id", func(c map[string]any) { c["id"] = "  " }, "id"},
		{"input not a sequence", func(c map[string]any) { c["input"] = "raw" }, "input"},
		{"input with number", func(c map[string]any) { c["input"] = []any{"raw", 1} }, "input"},
		{"empty input", func(c map[string]any) { c["input"] = []string{} }, "input"},
		{"empty input name", func(c map[string]any) { c["input"] = []string{""} }, "input"},
		{"output not a mapping", func(c map[string]any) { c["output"] = []string{"x"} }, "output"},
		{"output with number", func(c map[string]any) { c["output"] = map[string]any{"s": 1} }, "output"},
		{"empty output", func(c map[string]any) { c["output"] = map[string]string{} }, "output"},
		{"empty destination", func(c map[string]any) { c["output"] = map[string]string{"s": ""} }, "output"},
		{"non-string rule", func(c map[string]any) { c["rule"] = []string{"x"} }, "rule"},
		{"nil rule", func(c map[string]any) { c["rule"] = nil }, "rule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			desc, err := Parse(cfg)
			require.Error(t, err)
			assert.Nil(t, desc)
			assert.True(t, errors.Is(err, errspkg.ErrConfig))

			var cfgErr *errspkg.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.wantField, cfgErr.Field)
		})
	}
}

func TestDescriptorIsImmutable(t *testing.T) {
	inputs := []string{"raw"}
	outputs := map[string]string{"rb_out": "out"}
	desc, err := New("flows", inputs, outputs, forwardRule)
	require.NoError(t, err)

	inputs[0] = "changed"
	outputs["rb_out"] = "changed"
	assert.Equal(t, []string{"raw"}, desc.InputChannels())

	got := desc.OutputChannels()
	got["extra"] = "x"
	desc.InputChannels()[0] = "changed"

	assert.Equal(t, map[string]string{"rb_out": "out"}, desc.OutputChannels())
	assert.Equal(t, []string{"raw"}, desc.InputChannels())

	dest, ok := desc.Destination("rb_out")
	assert.True(t, ok)
	assert.Equal(t, "out", dest)
	_, ok = desc.Destination("missing")
	assert.False(t, ok)
}

func TestEqual(t *testing.T) {
	a, err := New("p", []string{"raw"}, map[string]string{"s": "d"}, forwardRule)
	require.NoError(t, err)
	b, err := New("p", []string{"raw"}, map[string]string{"s": "d"}, forwardRule)
	require.NoError(t, err)
	c, err := New("p", []string{"raw"}, map[string]string{"s": "other"}, forwardRule)
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(nil))

	var nilDesc *Descriptor
	assert.True(t, nilDesc.Equal(nil))
}
