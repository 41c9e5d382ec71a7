package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the parley tracer.
const tracerName = "github.com/MrWong99/parley"

// Span attribute keys identifying the conversation a span belongs to.
const (
	AttrUserID    = attribute.Key("parley.user_id")
	AttrSessionID = attribute.Key("parley.session_id")
	AttrMode      = attribute.Key("parley.mode")
)

// Conversation identifies the session a request operates on. It travels in
// the context so that logs and spans created anywhere below the HTTP layer
// carry the same identifiers.
type Conversation struct {
	UserID    string
	SessionID string
	// Mode is "chat" or "negotiate"; empty outside a turn.
	Mode string
}

type conversationKey struct{}

// WithConversation returns a copy of ctx carrying c.
func WithConversation(ctx context.Context, c Conversation) context.Context {
	return context.WithValue(ctx, conversationKey{}, c)
}

// ConversationFrom returns the [Conversation] stored in ctx, if any.
func ConversationFrom(ctx context.Context) (Conversation, bool) {
	c, ok := ctx.Value(conversationKey{}).(Conversation)
	return c, ok
}

func (c Conversation) spanAttrs() []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrUserID.String(c.UserID), AttrSessionID.String(c.SessionID)}
	if c.Mode != "" {
		attrs = append(attrs, AttrMode.String(c.Mode))
	}
	return attrs
}

func (c Conversation) logAttrs() []any {
	attrs := []any{slog.String("user_id", c.UserID), slog.String("session_id", c.SessionID)}
	if c.Mode != "" {
		attrs = append(attrs, slog.String("mode", c.Mode))
	}
	return attrs
}

// Tracer returns the parley [trace.Tracer] from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. When ctx carries a [Conversation] its
// identifiers are attached as span attributes. The caller must end the span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if c, ok := ConversationFrom(ctx); ok {
		opts = append(opts, trace.WithAttributes(c.spanAttrs()...))
	}
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the trace ID of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger enriched with the trace and span IDs
// and the [Conversation] found in ctx.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if c, ok := ConversationFrom(ctx); ok {
		l = l.With(c.logAttrs()...)
	}
	return l
}
