package jsoncodec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := testPayload{ID: 42, Name: "corrflow"}
	data, err := Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":42,"name":"corrflow"}`, string(data))

	var out testPayload
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestUnmarshalIntoMapUsesFloat64(t *testing.T) {
	var out map[string]any
	require.NoError(t, Unmarshal([]byte(`{"bytes":30}`), &out))
	assert.Equal(t, float64(30), out["bytes"])
}

func TestEncode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, map[string]string{"b": "2", "a": "1"}))
	assert.Equal(t, "{\"a\":\"1\",\"b\":\"2\"}\n", buf.String())
}

func TestDecodeStrict(t *testing.T) {
	var ok testPayload
	require.NoError(t, DecodeStrict(strings.NewReader(`{"id":7,"name":"x"}`), &ok))
	assert.Equal(t, testPayload{ID: 7, Name: "x"}, ok)

	var rejected testPayload
	err := DecodeStrict(strings.NewReader(`{"id":7,"extra":true}`), &rejected)
	assert.Error(t, err)
}
