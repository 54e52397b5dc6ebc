package runtime

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	configpkg "github.com/drblury/corrflow/internal/runtime/config"
	errspkg "github.com/drblury/corrflow/internal/runtime/errors"
	idspkg "github.com/drblury/corrflow/internal/runtime/ids"
	"github.com/drblury/corrflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/corrflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/corrflow/internal/runtime/metadata"
)

// Metadata set on rows forwarded to the poison queue.
const (
	metadataKeyFailedDestination = "corrflow_failed_destination"
	metadataKeyFailureReason     = middleware.ReasonForPoisonedKey
)

// EgressConfig customises how rows are encoded and published.
type EgressConfig struct {
	// Format is configpkg.OutputFormatJSON (default) or configpkg.OutputFormatProto.
	Format          string
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// PoisonQueue receives rows that exhausted their retries. Empty disables it.
	PoisonQueue string
}

func (cfg EgressConfig) withDefaults() EgressConfig {
	if cfg.Format == "" {
		cfg.Format = configpkg.OutputFormatJSON
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	return cfg
}

// EgressConfigFromConfig extracts the egress settings from conf.
func EgressConfigFromConfig(conf *configpkg.Config) EgressConfig {
	return EgressConfig{
		Format:          conf.EffectiveOutputFormat(),
		MaxRetries:      conf.PublishMaxRetries,
		InitialInterval: conf.PublishInitialInterval,
		MaxInterval:     conf.PublishMaxInterval,
		PoisonQueue:     conf.PoisonQueue,
	}
}

// Egress publishes output rows to their destination channels. It is safe for
// concurrent use.
type Egress struct {
	publisher message.Publisher
	cfg       EgressConfig
	logger    loggingpkg.ServiceLogger
	metrics   *Metrics
	tracer    trace.Tracer
}

var _ RowSink = (*Egress)(nil)

// NewEgress creates an egress publisher. metrics may be nil.
func NewEgress(publisher message.Publisher, cfg EgressConfig, logger loggingpkg.ServiceLogger, metrics *Metrics) (*Egress, error) {
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	cfg = cfg.withDefaults()
	switch cfg.Format {
	case configpkg.OutputFormatJSON, configpkg.OutputFormatProto:
	default:
		return nil, fmt.Errorf("egress: unsupported format %q", cfg.Format)
	}
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	return &Egress{
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With(loggingpkg.LogFields{"component": "egress"}),
		metrics:   metrics,
		tracer:    otel.Tracer("corrflow/egress"),
	}, nil
}

// Deliver encodes row and publishes it to row.Destination, retrying with
// exponential backoff. A row that still cannot be published is forwarded to
// the poison queue when one is configured.
func (e *Egress) Deliver(ctx context.Context, row OutputRow) error {
	if row.Destination == "" {
		return errspkg.ErrTopicRequired
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := e.tracer.Start(ctx, "PublishRow",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("corrflow.plan_id", row.PlanID),
			attribute.String("corrflow.stream", row.Stream),
			attribute.String("messaging.destination.name", row.Destination),
		),
	)
	defer span.End()

	started := time.Now()
	msg, err := e.NewMessage(row)
	if err == nil {
		msg.SetContext(ctx)
		span.SetAttributes(attribute.String("messaging.message.id", msg.UUID))
		err = e.publish(ctx, row, msg)
	}
	e.metrics.rowPublished(row.PlanID, row.Stream, time.Since(started), err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("Failed to publish output row", err, loggingpkg.LogFields{
			loggingpkg.FieldPlanID:      row.PlanID,
			loggingpkg.FieldStream:      row.Stream,
			loggingpkg.FieldDestination: row.Destination,
		})
		if msg != nil {
			e.forwardToPoisonQueue(msg, row, err)
		}
		return err
	}
	return nil
}

func (e *Egress) publish(ctx context.Context, row OutputRow, msg *message.Message) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialInterval
	b.MaxInterval = e.cfg.MaxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, e.publisher.Publish(row.Destination, msg)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(e.cfg.MaxRetries)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.logger.Debug("Retrying output row", loggingpkg.LogFields{
				loggingpkg.FieldPlanID:      row.PlanID,
				loggingpkg.FieldDestination: row.Destination,
				"error":                     err.Error(),
				"retry_in":                  next.String(),
			})
		}),
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", row.Destination, err)
	}
	return nil
}

func (e *Egress) forwardToPoisonQueue(msg *message.Message, row OutputRow, cause error) {
	if e.cfg.PoisonQueue == "" {
		return
	}
	poisoned := msg.Copy()
	poisoned.Metadata.Set(metadataKeyFailedDestination, row.Destination)
	poisoned.Metadata.Set(metadataKeyFailureReason, cause.Error())
	if err := e.publisher.Publish(e.cfg.PoisonQueue, poisoned); err != nil {
		e.logger.Error("Failed to forward output row to poison queue", err, loggingpkg.LogFields{
			loggingpkg.FieldPlanID: row.PlanID,
			loggingpkg.FieldTopic:  e.cfg.PoisonQueue,
		})
	}
}

// NewMessage encodes row into a Watermill message carrying the plan
// metadata and a fresh correlation id.
func (e *Egress) NewMessage(row OutputRow) (*message.Message, error) {
	payload, contentType, err := EncodeRow(row, e.cfg.Format)
	if err != nil {
		return nil, err
	}

	msg := message.NewMessage(idspkg.New(), payload)
	metadatapkg.ForRow(row.PlanID, row.Stream, contentType).
		With(metadatapkg.KeyEmittedAt, strconv.FormatInt(time.Now().UnixMilli(), 10)).
		Apply(msg)
	middleware.SetCorrelationID(msg.UUID, msg)
	return msg, nil
}

type rowPayload struct {
	PlanID    string         `json:"plan_id"`
	Stream    string         `json:"stream"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// EncodeRow serialises row in format and returns the payload with its
// content type. Values are keyed by their schema attribute name.
func EncodeRow(row OutputRow, format string) ([]byte, string, error) {
	data, err := rowData(row)
	if err != nil {
		return nil, "", err
	}

	switch format {
	case configpkg.OutputFormatJSON, "":
		payload, err := jsoncodec.Marshal(rowPayload{
			PlanID:    row.PlanID,
			Stream:    row.Stream,
			Timestamp: row.Timestamp,
			Data:      data,
		})
		if err != nil {
			return nil, "", fmt.Errorf("encode row: %w", err)
		}
		return payload, metadatapkg.ContentTypeJSON, nil
	case configpkg.OutputFormatProto:
		st, err := structpb.NewStruct(map[string]any{
			"plan_id":   row.PlanID,
			"stream":    row.Stream,
			"timestamp": row.Timestamp,
			"data":      data,
		})
		if err != nil {
			return nil, "", fmt.Errorf("encode row: %w", err)
		}
		payload, err := proto.Marshal(st)
		if err != nil {
			return nil, "", fmt.Errorf("encode row: %w", err)
		}
		return payload, metadatapkg.ContentTypeProto, nil
	default:
		return nil, "", fmt.Errorf("encode row: unsupported format %q", format)
	}
}

func rowData(row OutputRow) (map[string]any, error) {
	if len(row.Values) == 0 {
		return nil, errspkg.ErrRowPayloadEmpty
	}
	if len(row.Values) != len(row.Schema) {
		return nil, fmt.Errorf("encode row: %d values for %d attributes", len(row.Values), len(row.Schema))
	}
	data := make(map[string]any, len(row.Values))
	for i, attr := range row.Schema {
		data[attr.Name] = row.Values[i]
	}
	return data, nil
}
