package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/personchat"

// AttrConversationID is the span attribute carrying the chat conversation a
// span belongs to.
const AttrConversationID = attribute.Key("personchat.conversation.id")

type conversationKey struct{}

// WithConversation returns a copy of ctx tagged with the conversation id.
// Spans started by [StartSpan] and loggers from [Logger] pick it up.
func WithConversation(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, conversationKey{}, id)
}

// ConversationID returns the conversation id stored by [WithConversation],
// or "".
func ConversationID(ctx context.Context) string {
	id, _ := ctx.Value(conversationKey{}).(string)
	return id
}

// Tracer returns the package-level [trace.Tracer] of the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span tagged with the conversation id of ctx, if any.
// The caller must call span.End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if id := ConversationID(ctx); id != "" {
		opts = append(opts, trace.WithAttributes(AttrConversationID.String(id)))
	}
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the trace ID of the span in ctx, or "" when there is
// none. It is echoed to HTTP clients as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger enriched with the conversation id and
// the trace_id and span_id of ctx, whichever are present.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := ConversationID(ctx); id != "" {
		l = l.With(slog.String("conversation", id))
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
