package correlation

import (
	"fmt"

	"github.com/drblury/corrflow/internal/cep"
)

// RawEvent is one record of the canonical ingestion schema.
type RawEvent struct {
	Src           string `json:"src"`
	Dst           string `json:"dst"`
	NamespaceUUID string `json:"namespace_uuid"`
	Bytes         int    `json:"bytes"`
}

func (e RawEvent) values() []any {
	return []any{e.Src, e.Dst, e.NamespaceUUID, e.Bytes}
}

// Attribute is one (name, type) pair of an output stream schema.
type Attribute struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Row is one event emitted on an output stream. Values follow the order of
// the stream's schema.
type Row struct {
	Timestamp int64
	Values    []any
}

// Listener receives the rows emitted on one output stream. It runs on an
// engine worker goroutine and must not block for long.
type Listener func(rows []Row)

// IngestionHandle pushes raw events into one compiled instance.
type IngestionHandle struct {
	input *cep.InputHandler
}

// Send injects ev. It fails once the owning instance is shut down.
func (h *IngestionHandle) Send(ev RawEvent) error {
	if err := h.input.Send(ev.values()...); err != nil {
		return fmt.Errorf("ingest into %s: %w", h.input.StreamID(), err)
	}
	return nil
}

func toAttributes(def cep.StreamDefinition) []Attribute {
	attrs := make([]Attribute, len(def.Attributes))
	for i, a := range def.Attributes {
		attrs[i] = Attribute{Name: a.Name, Type: a.Type.String()}
	}
	return attrs
}

func toRows(events []cep.Event) []Row {
	rows := make([]Row, len(events))
	for i, ev := range events {
		values := make([]any, len(ev.Data))
		copy(values, ev.Data)
		rows[i] = Row{Timestamp: ev.Timestamp, Values: values}
	}
	return rows
}
