// Package app composes the identity service: storage, the outbox processor,
// both projection consumers, the saga orchestrator and the process servers.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/louisbranch/identity.space/internal/platform/id"
	"github.com/louisbranch/identity.space/internal/platform/timeouts"
	"github.com/louisbranch/identity.space/internal/services/identity/api/httpapi"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/event"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/stream"
	"github.com/louisbranch/identity.space/internal/services/identity/observability/metrics"
	"github.com/louisbranch/identity.space/internal/services/identity/outbox"
	"github.com/louisbranch/identity.space/internal/services/identity/projection/consumer"
	"github.com/louisbranch/identity.space/internal/services/identity/projection/firstlevel"
	"github.com/louisbranch/identity.space/internal/services/identity/projection/secondlevel"
	"github.com/louisbranch/identity.space/internal/services/identity/saga"
	"github.com/louisbranch/identity.space/internal/services/identity/saga/commands"
	"github.com/louisbranch/identity.space/internal/services/identity/storage"
	"github.com/louisbranch/identity.space/internal/services/identity/storage/postgres"
	"github.com/louisbranch/identity.space/internal/services/identity/storage/sqlite"
)

// Health service names reported by the gRPC health server.
const (
	HealthOutbox       = "identity.outbox"
	HealthFirstLevel   = "identity.projection.first_level"
	HealthSecondLevel  = "identity.projection.second_level"
	HealthOrchestrator = "identity.saga"
)

const (
	defaultPort          = 8095
	defaultHTTPAddr      = ":8096"
	defaultWriteDBPath   = "data/identity-write.db"
	defaultEventsDBPath  = "data/identity-events.db"
	defaultGraphDBPath   = "data/identity-graph.db"
	defaultDocsDBPath    = "data/identity-documents.db"
	defaultStreamPrefix  = "identity"
	defaultStreamAllName = "identity_all"
)

// RuntimeConfig controls identity startup, storage locations and loop
// behavior.
type RuntimeConfig struct {
	Port                 int
	HTTPAddr             string
	MetricsAddr          string
	WriteDBPath          string
	EventsDBPath         string
	GraphDBPath          string
	DocumentsDBPath      string
	DocumentsPostgresDSN string
	StreamPrefix         string
	DefaultStream        string
	Outbox               outbox.Config
	Projection           consumer.Config
	Saga                 saga.Config
}

func (c RuntimeConfig) normalized() RuntimeConfig {
	if c.Port <= 0 {
		c.Port = defaultPort
	}
	if strings.TrimSpace(c.HTTPAddr) == "" {
		c.HTTPAddr = defaultHTTPAddr
	}
	c.WriteDBPath = orDefault(c.WriteDBPath, defaultWriteDBPath)
	c.EventsDBPath = orDefault(c.EventsDBPath, defaultEventsDBPath)
	c.GraphDBPath = orDefault(c.GraphDBPath, defaultGraphDBPath)
	c.DocumentsDBPath = orDefault(c.DocumentsDBPath, defaultDocsDBPath)
	c.StreamPrefix = orDefault(c.StreamPrefix, defaultStreamPrefix)
	c.DefaultStream = orDefault(c.DefaultStream, defaultStreamAllName)
	return c
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// Runtime holds the wired components of one identity process.
type Runtime struct {
	cfg RuntimeConfig

	write  *sqlite.WriteStore
	events *sqlite.EventStore
	graph  *sqlite.GraphStore
	docs   storage.DocumentStore

	metrics      *metrics.Recorder
	outbox       *outbox.Processor
	firstLevel   *consumer.Consumer
	secondLevel  *consumer.Consumer
	orchestrator *saga.Orchestrator
	traversals   *firstlevel.Reader
}

// NewRuntime opens every store and wires the workers. The caller must Close
// the runtime.
func NewRuntime(ctx context.Context, cfg RuntimeConfig) (*Runtime, error) {
	cfg = cfg.normalized()
	resolver, err := stream.NewResolver(cfg.StreamPrefix, cfg.DefaultStream)
	if err != nil {
		return nil, fmt.Errorf("stream resolver: %w", err)
	}
	registry, err := commands.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("command registry: %w", err)
	}
	log.Printf("identity commands registered: %s", strings.Join(registry.Names(), ", "))
	recorder, err := metrics.New()
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	rt := &Runtime{cfg: cfg, metrics: recorder}
	if err := rt.openStores(ctx, resolver.GetDefaultStreamName()); err != nil {
		rt.Close()
		return nil, err
	}

	rt.outbox = outbox.New(rt.write, rt.events, resolver, cfg.Outbox, nil, recorder)
	rt.firstLevel = consumer.New(rt.events, rt.graph, firstlevel.New(rt.graph, nil), cfg.Projection, nil, recorder)
	rt.secondLevel = consumer.New(rt.events, rt.docs, secondlevel.New(rt.docs, nil), cfg.Projection, nil, recorder)
	rt.orchestrator = saga.NewOrchestrator(registry, rt.write, rt.write, id.NewID, cfg.Saga, nil, recorder)
	rt.traversals = firstlevel.NewReader(rt.graph)
	return rt, nil
}

func (rt *Runtime) openStores(ctx context.Context, defaultStream string) error {
	for _, path := range []string{rt.cfg.WriteDBPath, rt.cfg.EventsDBPath, rt.cfg.GraphDBPath, rt.cfg.DocumentsDBPath} {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create identity storage dir: %w", err)
			}
		}
	}

	var err error
	if rt.write, err = sqlite.OpenWrite(ctx, rt.cfg.WriteDBPath); err != nil {
		return fmt.Errorf("open write store: %w", err)
	}
	if rt.events, err = sqlite.OpenEvents(ctx, rt.cfg.EventsDBPath, defaultStream, event.DefaultRegistry()); err != nil {
		return fmt.Errorf("open event journal: %w", err)
	}
	if rt.graph, err = sqlite.OpenGraph(ctx, rt.cfg.GraphDBPath); err != nil {
		return fmt.Errorf("open graph store: %w", err)
	}
	if dsn := strings.TrimSpace(rt.cfg.DocumentsPostgresDSN); dsn != "" {
		docs, err := postgres.Open(ctx, dsn)
		if err != nil {
			return fmt.Errorf("open postgres document store: %w", err)
		}
		rt.docs = docs
		return nil
	}
	docs, err := sqlite.OpenDocuments(ctx, rt.cfg.DocumentsDBPath)
	if err != nil {
		return fmt.Errorf("open document store: %w", err)
	}
	rt.docs = docs
	return nil
}

// Close releases every opened store.
func (rt *Runtime) Close() {
	if rt == nil {
		return
	}
	if rt.docs != nil {
		closeStore("document store", rt.docs)
	}
	if rt.graph != nil {
		closeStore("graph store", rt.graph)
	}
	if rt.events != nil {
		closeStore("event journal", rt.events)
	}
	if rt.write != nil {
		closeStore("write store", rt.write)
	}
}

func closeStore(name string, c interface{ Close() error }) {
	if err := c.Close(); err != nil {
		log.Printf("close %s: %v", name, err)
	}
}

// Handler returns the HTTP API over the runtime's components.
func (rt *Runtime) Handler() http.Handler {
	return httpapi.NewHandler(rt.orchestrator, rt.traversals, rt.docs)
}

// Run serves health, API and metrics and runs every worker until ctx is
// cancelled or one of them fails.
func (rt *Runtime) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", rt.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on identity port %d: %w", rt.cfg.Port, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve health: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		return nil
	})
	log.Printf("identity health server listening at %v", listener.Addr())

	g.Go(func() error { return serveHTTP(gctx, "api", rt.cfg.HTTPAddr, rt.Handler()) })
	if addr := strings.TrimSpace(rt.cfg.MetricsAddr); addr != "" {
		g.Go(func() error { return serveHTTP(gctx, "metrics", addr, rt.metrics.Handler()) })
	}

	workers := []struct {
		health string
		run    func(context.Context) error
	}{
		{HealthOutbox, rt.outbox.Run},
		{HealthFirstLevel, rt.firstLevel.Run},
		{HealthSecondLevel, rt.secondLevel.Run},
		{HealthOrchestrator, rt.orchestrator.Run},
	}
	for _, w := range workers {
		healthServer.SetServingStatus(w.health, grpc_health_v1.HealthCheckResponse_SERVING)
		g.Go(func() error {
			err := w.run(gctx)
			healthServer.SetServingStatus(w.health, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
			if err != nil {
				return fmt.Errorf("%s: %w", w.health, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func serveHTTP(ctx context.Context, name, addr string, handler http.Handler) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s on %s: %w", name, addr, err)
	}
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: timeouts.ReadHeader,
	}
	serveErr := make(chan error, 1)
	log.Printf("identity %s server listening at %v", name, listener.Addr())
	go func() {
		serveErr <- server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		err := server.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown %s server: %w", name, err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", name, err)
	}
}

// Run opens the runtime, serves until ctx is cancelled and closes it.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := NewRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	return rt.Run(ctx)
}
