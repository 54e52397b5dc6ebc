// Package metadata names the headers corrflow attaches to published rows and
// reads from ingested messages.
package metadata

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
)

const (
	// KeyPlanID carries the id of the plan that produced a row.
	KeyPlanID = "corrflow_plan_id"
	// KeyStream carries the internal output stream name.
	KeyStream = "corrflow_stream"
	// KeyContentType describes the payload encoding.
	KeyContentType = "content_type"
	// KeyEmittedAt carries the engine timestamp of a row in Unix milliseconds.
	KeyEmittedAt = "corrflow_emitted_at"
	// KeyPartition is used by partitioned transports to keep related rows in order.
	KeyPartition = "corrflow_partition_key"
	// KeyCorrelationID is shared with Watermill's correlation middleware.
	KeyCorrelationID = middleware.CorrelationIDMetadataKey
)

// Content types written to KeyContentType.
const (
	ContentTypeJSON  = "application/json"
	ContentTypeProto = "application/x-protobuf"
)

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

// New constructs a Metadata map from alternating key/value pairs. A trailing
// key without value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// ForRow returns the headers describing one output row of a plan.
func ForRow(planID, stream, contentType string) Metadata {
	return New(
		KeyPlanID, planID,
		KeyStream, stream,
		KeyContentType, contentType,
		KeyPartition, planID+"/"+stream,
	)
}

// With returns a copy containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := make(Metadata, len(m)+1)
	for k, v := range m {
		cloned[k] = v
	}
	cloned[key] = value
	return cloned
}

// Apply copies every entry onto msg, overwriting existing keys.
func (m Metadata) Apply(msg *message.Message) {
	for k, v := range m {
		msg.Metadata.Set(k, v)
	}
}

// FromMessage returns a copy of the headers of msg.
func FromMessage(msg *message.Message) Metadata {
	if msg == nil || len(msg.Metadata) == 0 {
		return Metadata{}
	}
	out := make(Metadata, len(msg.Metadata))
	for k, v := range msg.Metadata {
		out[k] = v
	}
	return out
}

// CorrelationID returns the correlation id of msg, or "" when none is set.
func CorrelationID(msg *message.Message) string {
	return middleware.MessageCorrelationID(msg)
}
