// Package plan holds the validated, immutable description of an execution
// plan and the loaders that produce it from configuration files.
package plan

import (
	"maps"
	"slices"
	"sort"
	"strings"

	errspkg "github.com/drblury/corrflow/internal/runtime/errors"
)

// Configuration keys recognised by Parse and written by Serialize.
const (
	KeyID     = "id"
	KeyInput  = "input"
	KeyOutput = "output"
	KeyRule   = "rule"
)

// Descriptor is one execution plan: where it logically reads from, which of
// its rule's streams are published where, and the rule itself. A Descriptor
// never changes after construction.
type Descriptor struct {
	id      string
	inputs  []string
	outputs map[string]string
	rule    string
}

// New validates its arguments and returns a Descriptor holding copies of them.
func New(id string, inputs []string, outputs map[string]string, rule string) (*Descriptor, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errspkg.MissingField(KeyID)
	}
	if len(inputs) == 0 {
		return nil, errspkg.MissingField(KeyInput)
	}
	for _, in := range inputs {
		if in == "" {
			return nil, &errspkg.ConfigError{Field: KeyInput, Reason: "must not contain empty channel names"}
		}
	}
	if len(outputs) == 0 {
		return nil, errspkg.MissingField(KeyOutput)
	}
	for stream, dest := range outputs {
		if stream == "" || dest == "" {
			return nil, &errspkg.ConfigError{Field: KeyOutput, Reason: "must map non-empty stream names to non-empty channels"}
		}
	}
	if strings.TrimSpace(rule) == "" {
		return nil, errspkg.MissingField(KeyRule)
	}

	return &Descriptor{
		id:      id,
		inputs:  slices.Clone(inputs),
		outputs: maps.Clone(outputs),
		rule:    rule,
	}, nil
}

// Parse converts a loosely typed configuration object, as produced by YAML or
// JSON decoding, into a Descriptor. Keys other than id, input, output and
// rule are ignored.
func Parse(cfg map[string]any) (*Descriptor, error) {
	id, err := stringField(cfg, KeyID)
	if err != nil {
		return nil, err
	}
	inputs, err := stringSliceField(cfg, KeyInput)
	if err != nil {
		return nil, err
	}
	outputs, err := stringMapField(cfg, KeyOutput)
	if err != nil {
		return nil, err
	}
	rule, err := stringField(cfg, KeyRule)
	if err != nil {
		return nil, err
	}
	return New(id, inputs, outputs, rule)
}

// Serialize returns the configuration form of d. Parse(d.Serialize())
// yields a descriptor equal to d. Input is always a []string and output a
// map[string]string, so a configuration decoded from YAML or JSON ([]any,
// map[string]any) round-trips by value, not by Go type.
func (d *Descriptor) Serialize() map[string]any {
	return map[string]any{
		KeyID:     d.id,
		KeyInput:  d.InputChannels(),
		KeyOutput: d.OutputChannels(),
		KeyRule:   d.rule,
	}
}

func (d *Descriptor) ID() string { return d.id }

// InputChannels returns a copy of the input channel names in declared order.
func (d *Descriptor) InputChannels() []string { return slices.Clone(d.inputs) }

// OutputChannels returns a copy of the stream to destination mapping.
func (d *Descriptor) OutputChannels() map[string]string { return maps.Clone(d.outputs) }

func (d *Descriptor) RuleText() string { return d.rule }

// Destination returns the channel rows of stream are published to.
func (d *Descriptor) Destination(stream string) (string, bool) {
	dest, ok := d.outputs[stream]
	return dest, ok
}

// OutputStreams returns the declared output stream names in lexical order.
func (d *Descriptor) OutputStreams() []string {
	streams := make([]string, 0, len(d.outputs))
	for stream := range d.outputs {
		streams = append(streams, stream)
	}
	sort.Strings(streams)
	return streams
}

// Equal reports whether both descriptors carry the same four fields.
func (d *Descriptor) Equal(other *Descriptor) bool {
	if d == nil || other == nil {
		return d == other
	}
	return d.id == other.id &&
		d.rule == other.rule &&
		slices.Equal(d.inputs, other.inputs) &&
		maps.Equal(d.outputs, other.outputs)
}

func stringField(cfg map[string]any, key string) (string, error) {
	raw, ok := cfg[key]
	if !ok || raw == nil {
		return "", errspkg.MissingField(key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", &errspkg.ConfigError{Field: key, Reason: "must be a string"}
	}
	if strings.TrimSpace(s) == "" {
		return "", errspkg.MissingField(key)
	}
	return s, nil
}

func stringSliceField(cfg map[string]any, key string) ([]string, error) {
	raw, ok := cfg[key]
	if !ok || raw == nil {
		return nil, errspkg.MissingField(key)
	}
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, &errspkg.ConfigError{Field: key, Reason: "must be a sequence of strings"}
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, &errspkg.ConfigError{Field: key, Reason: "must be a sequence of strings"}
}

func stringMapField(cfg map[string]any, key string) (map[string]string, error) {
	raw, ok := cfg[key]
	if !ok || raw == nil {
		return nil, errspkg.MissingField(key)
	}
	switch v := raw.(type) {
	case map[string]string:
		return v, nil
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, &errspkg.ConfigError{Field: key, Reason: "must map strings to strings"}
			}
			out[k] = s
		}
		return out, nil
	}
	return nil, &errspkg.ConfigError{Field: key, Reason: "must map strings to strings"}
}
