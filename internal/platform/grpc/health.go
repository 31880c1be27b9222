package grpc

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/louisbranch/identity.space/internal/platform/timeouts"
	gogrpc "google.golang.org/grpc"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

var errNotServing = fmt.Errorf("not serving")

// WaitForHealth polls the health service for service until it reports
// SERVING or ctx ends.
func WaitForHealth(ctx context.Context, conn *gogrpc.ClientConn, service string, logf func(string, ...any)) error {
	if conn == nil {
		return fmt.Errorf("gRPC connection is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	client := grpc_health_v1.NewHealthClient(conn)

	b := &backoff.ExponentialBackOff{
		InitialInterval:     200 * time.Millisecond,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         time.Second,
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		status, err := check(ctx, client, service)
		if err == nil && status == grpc_health_v1.HealthCheckResponse_SERVING {
			if logf != nil {
				logf("gRPC health check is SERVING")
			}
			return struct{}{}, nil
		}
		if logf != nil {
			if err != nil {
				logf("waiting for gRPC health: %v", err)
			} else {
				logf("waiting for gRPC health: status %s", status.String())
			}
		}
		if err == nil {
			err = errNotServing
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(0))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("wait for gRPC health: %w", ctxErr)
		}
		return fmt.Errorf("wait for gRPC health: %w", err)
	}
	return nil
}

// ServiceStatus is the health of one named service.
type ServiceStatus struct {
	Service string `json:"service"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// Serving reports whether the service answered SERVING.
func (s ServiceStatus) Serving() bool {
	return s.Status == grpc_health_v1.HealthCheckResponse_SERVING.String()
}

// CheckServices asks once for the status of every service. Per-service
// failures are reported in the result, not as an error.
func CheckServices(ctx context.Context, conn *gogrpc.ClientConn, services []string) ([]ServiceStatus, error) {
	if conn == nil {
		return nil, fmt.Errorf("gRPC connection is not configured")
	}
	client := grpc_health_v1.NewHealthClient(conn)
	out := make([]ServiceStatus, 0, len(services))
	for _, service := range services {
		status, err := check(ctx, client, service)
		entry := ServiceStatus{Service: service, Status: status.String()}
		if err != nil {
			entry.Status = grpc_health_v1.HealthCheckResponse_UNKNOWN.String()
			entry.Error = err.Error()
		}
		out = append(out, entry)
	}
	return out, nil
}

func check(ctx context.Context, client grpc_health_v1.HealthClient, service string) (grpc_health_v1.HealthCheckResponse_ServingStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeouts.HealthCheck)
	defer cancel()
	resp, err := client.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
