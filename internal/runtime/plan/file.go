package plan

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	errspkg "github.com/drblury/corrflow/internal/runtime/errors"
)

type document struct {
	Plans []map[string]any `yaml:"plans"`
}

// LoadFile reads a plans file. See Decode for the format.
func LoadFile(path string) ([]*Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plans file: %w", err)
	}
	defer f.Close()

	descs, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return descs, nil
}

// Decode reads a YAML (or JSON) document of the form
//
//	plans:
//	  - id: flows
//	    input: [raw]
//	    output: {rb_out: flows-out}
//	    rule: from rb_flow select * insert into rb_out;
//
// An empty document yields no plans. Ids must be unique within the document.
func Decode(r io.Reader) ([]*Descriptor, error) {
	var doc document
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode plans: %w", err)
	}

	descs := make([]*Descriptor, 0, len(doc.Plans))
	seen := make(map[string]int, len(doc.Plans))
	for i, entry := range doc.Plans {
		desc, err := Parse(entry)
		if err != nil {
			return nil, fmt.Errorf("plans[%d]: %w", i, err)
		}
		if first, dup := seen[desc.ID()]; dup {
			return nil, fmt.Errorf("plans[%d]: %w", i, &errspkg.ConfigError{
				Field:  KeyID,
				Reason: fmt.Sprintf("duplicates plans[%d] (%q)", first, desc.ID()),
			})
		}
		seen[desc.ID()] = i
		descs = append(descs, desc)
	}
	return descs, nil
}

// Encode writes descs in the format read by Decode.
func Encode(w io.Writer, descs []*Descriptor) error {
	doc := document{Plans: make([]map[string]any, len(descs))}
	for i, d := range descs {
		doc.Plans[i] = d.Serialize()
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}
