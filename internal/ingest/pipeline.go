package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/PetoAdam/homenavi/telemetry-service/internal/observability"
	"github.com/PetoAdam/homenavi/telemetry-service/internal/realtime"
	"github.com/PetoAdam/homenavi/telemetry-service/internal/telemetry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Outcome string

const (
	// OutcomeRejected: bad topic or body; nothing stored, nothing broadcast.
	OutcomeRejected Outcome = "rejected"
	// OutcomeBroadcastOnly: valid body without a usable speed.
	OutcomeBroadcastOnly Outcome = "broadcast_only"
	OutcomePersisted     Outcome = "persisted"
	OutcomeStorageFailed Outcome = "storage_failed"
)

type Store interface {
	Record(ctx context.Context, r telemetry.Reading) error
}

type Broadcaster interface {
	Broadcast(event string, data json.RawMessage)
}

// Pipeline processes one message at a time per call; calls are independent
// and safe to run concurrently.
type Pipeline struct {
	store  Store
	fanout Broadcaster
	tracer trace.Tracer
	now    func() time.Time
}

func NewPipeline(store Store, fanout Broadcaster, tracer trace.Tracer) *Pipeline {
	if tracer == nil {
		tracer = otel.Tracer("ingest")
	}
	return &Pipeline{store: store, fanout: fanout, tracer: tracer, now: time.Now}
}

func (p *Pipeline) Handle(ctx context.Context, topic string, payload []byte) Outcome {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "ingest.message", trace.WithAttributes(attribute.String("mqtt.topic", topic)))
	defer span.End()

	out := p.handle(ctx, span, topic, payload)
	span.SetAttributes(attribute.String("ingest.outcome", string(out)))
	observability.ObserveIngest(string(out), time.Since(start))
	return out
}

func (p *Pipeline) handle(ctx context.Context, span trace.Span, topic string, payload []byte) Outcome {
	msg, err := telemetry.Decode(topic, payload)
	if err != nil {
		slog.Warn("telemetry decode failed", "topic", topic, "error", err)
		span.SetStatus(codes.Error, err.Error())
		return OutcomeRejected
	}
	span.SetAttributes(attribute.String("device_id", msg.DeviceID))

	out := OutcomeBroadcastOnly
	reading, err := msg.Reading(p.now().UTC())
	switch {
	case errors.Is(err, telemetry.ErrMissingSpeed):
		slog.Debug("telemetry without speed, not stored", "topic", topic, "device_id", msg.DeviceID)
	case err != nil:
		slog.Warn("telemetry speed rejected", "topic", topic, "device_id", msg.DeviceID, "error", err)
	default:
		if err := p.store.Record(ctx, reading); err != nil {
			slog.Error("telemetry store failed", "device_id", reading.DeviceID, "error", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage failed")
			out = OutcomeStorageFailed
		} else {
			out = OutcomePersisted
			slog.Debug("telemetry stored", "device_id", reading.DeviceID, "speed", reading.Speed)
		}
	}

	p.fanout.Broadcast(realtime.EventMQTTMessage, msg.Body)
	return out
}
