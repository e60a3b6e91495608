package httpapi

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCHealth publishes readiness over grpc.health.v1.Health for both the
// overall server ("") and the named service.
type GRPCHealth struct {
	srv       *health.Server
	readiness readinessChecker
	log       logrus.FieldLogger
	serving   atomic.Bool
}

// NewGRPCServer builds a gRPC server with the health service registered.
// The returned GRPCHealth starts NOT_SERVING until the first Refresh.
func NewGRPCServer(r readinessChecker, log logrus.FieldLogger, opts ...grpc.ServerOption) (*grpc.Server, *GRPCHealth) {
	if r == nil {
		r = ReadyCheck{}
	}
	h := &GRPCHealth{srv: health.NewServer(), readiness: r, log: log}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)

	server := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(server, h.srv)
	return server, h
}

// Refresh runs the readiness check once and publishes the result.
func (h *GRPCHealth) Refresh(ctx context.Context) bool {
	ok := h.readiness.Check(ctx) == nil
	if h.serving.Swap(ok) != ok && h.log != nil {
		h.log.WithField("serving", ok).Info("grpc_health_changed")
	}
	if ok {
		h.set(healthpb.HealthCheckResponse_SERVING)
	} else {
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return ok
}

// Run refreshes every interval until ctx ends, then marks everything as
// shutting down so clients drain.
func (h *GRPCHealth) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	h.check(ctx, interval)
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-ticker.C:
			h.check(ctx, interval)
		}
	}
}

func (h *GRPCHealth) check(ctx context.Context, timeout time.Duration) {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	h.Refresh(pctx)
}

func (h *GRPCHealth) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(serviceName, status)
}
