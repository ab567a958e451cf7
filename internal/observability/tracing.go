package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/clawdis/clawdis"

// StartSpan opens a span on the process tracer. The returned end function
// records the error (if any) before closing the span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(err error)) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// SessionAttr tags a span with the session key.
func SessionAttr(key string) attribute.KeyValue {
	return attribute.String("session.key", key)
}

// ChannelAttr tags a span with the channel id.
func ChannelAttr(id string) attribute.KeyValue {
	return attribute.String("channel.id", id)
}

// MethodAttr tags a span with the RPC method.
func MethodAttr(method string) attribute.KeyValue {
	return attribute.String("rpc.method", method)
}
