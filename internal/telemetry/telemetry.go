package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns a named tracer for electric-server, used by
// internal/rpc and internal/connection for spans around frame I/O,
// request handling and inbound transaction apply.
func Tracer(service string) trace.Tracer {
	return otel.Tracer(service)
}
