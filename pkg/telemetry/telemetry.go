package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const PACKAGE = "duet"

var tracer = otel.Tracer(PACKAGE)

// The trace of a single call session. Everything happening to the session ends up as an event
// on one span.
type Span struct {
	span trace.Span
}

func StartCall(ctx context.Context, roomID, role string) *Span {
	_, span := tracer.Start(ctx, "call", trace.WithAttributes(
		attribute.String("room_id", roomID),
		attribute.String("role", role),
	))

	return &Span{span: span}
}

func (s *Span) Event(name string, attributes ...attribute.KeyValue) {
	s.span.AddEvent(name, trace.WithAttributes(attributes...))
}

func (s *Span) Transition(from, to string) {
	s.Event("transition", attribute.String("from", from), attribute.String("to", to))
}

func (s *Span) Fail(err error) {
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// Ends the span, recording the state the call ended in.
func (s *Span) End(state string) {
	s.span.SetAttributes(attribute.String("final_state", state))
	s.span.End()
}
