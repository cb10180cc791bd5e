package server

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"

	"github.com/signalsfoundry/enb-scheduler/internal/logging"
	"github.com/signalsfoundry/enb-scheduler/internal/mac"
	"github.com/signalsfoundry/enb-scheduler/internal/observability"
)

const requestIDMetadataKey = "x-request-id"

// RequestIDUnaryServerInterceptor ensures a request_id is present on the
// context, sourcing it from inbound metadata if provided, and attaches a
// per-request logger annotated with request_id and method.
func RequestIDUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(requestIDMetadataKey); len(vals) > 0 && vals[0] != "" {
				ctx = logging.ContextWithRequestID(ctx, vals[0])
			}
		}
		ctx, reqLog := logging.WithRequestLogger(ctx, base.With(logging.String("method", info.FullMethod)))
		ctx = logging.ContextWithLogger(ctx, reqLog)
		return handler(ctx, req)
	}
}

// TracingUnaryServerInterceptor tags the RPC span with the service, method
// and request ID. It opens a server span when no stats handler did.
func TracingUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	tracer := observability.Tracer()
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		service, method := observability.SplitMethod(info.FullMethod)
		name := fmt.Sprintf("RPC/%s/%s", service, method)
		span := trace.SpanFromContext(ctx)
		created := false
		if !span.SpanContext().IsValid() {
			ctx, span = tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindServer))
			created = true
		} else {
			span.SetName(name)
		}

		attrs := []attribute.KeyValue{
			attribute.String("rpc.system", "grpc"),
			attribute.String("rpc.service", service),
			attribute.String("rpc.method", method),
			attribute.String("rpc.full_method", strings.TrimPrefix(info.FullMethod, "/")),
		}
		if id := logging.RequestIDFromContext(ctx); id != "" {
			attrs = append(attrs, attribute.String("request_id", id))
		}
		span.SetAttributes(attrs...)

		resp, err := handler(ctx, req)
		if err != nil {
			span.RecordError(err)
		}
		if created {
			span.End()
		}
		return resp, err
	}
}

// CarrierServiceName is the health service name reported for a carrier.
func CarrierServiceName(index uint32) string {
	return fmt.Sprintf("enb.mac.carrier.%d", index)
}

// Health publishes per-carrier serving status on the standard gRPC health
// service. The overall ("") status is NOT_SERVING once any carrier halts.
type Health struct {
	srv  *health.Server
	cell *mac.Cell
}

// NewHealth registers every carrier as SERVING.
func NewHealth(cell *mac.Cell) *Health {
	h := &Health{srv: health.NewServer(), cell: cell}
	h.Refresh()
	return h
}

// Register attaches the health service to a gRPC server.
func (h *Health) Register(s grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Server returns the underlying health server.
func (h *Health) Server() healthpb.HealthServer { return h.srv }

// Refresh re-reads each scheduler's halt state.
func (h *Health) Refresh() {
	overall := healthpb.HealthCheckResponse_SERVING
	for _, sched := range h.cell.Schedulers() {
		st := healthpb.HealthCheckResponse_SERVING
		if sched.Halted() != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			overall = st
		}
		h.srv.SetServingStatus(CarrierServiceName(sched.Config().Index), st)
	}
	h.srv.SetServingStatus("", overall)
}

// Shutdown marks every service NOT_SERVING.
func (h *Health) Shutdown() { h.srv.Shutdown() }
