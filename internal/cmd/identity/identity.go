// Package identity parses identity command flags and launches the identity
// runtime.
package identity

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/louisbranch/identity.space/internal/platform/cmd"
	identityapp "github.com/louisbranch/identity.space/internal/services/identity/app"
	"github.com/louisbranch/identity.space/internal/services/identity/outbox"
	"github.com/louisbranch/identity.space/internal/services/identity/projection/consumer"
	"github.com/louisbranch/identity.space/internal/services/identity/saga"
)

// Config holds identity command configuration.
type Config struct {
	Port                 int           `env:"PORT" envDefault:"8095"`
	HTTPAddr             string        `env:"HTTP_ADDR" envDefault:":8096"`
	MetricsAddr          string        `env:"METRICS_ADDR" envDefault:":9095"`
	WriteDBPath          string        `env:"WRITE_DB_PATH" envDefault:"data/identity-write.db"`
	EventsDBPath         string        `env:"EVENTS_DB_PATH" envDefault:"data/identity-events.db"`
	GraphDBPath          string        `env:"GRAPH_DB_PATH" envDefault:"data/identity-graph.db"`
	DocumentsDBPath      string        `env:"DOCUMENTS_DB_PATH" envDefault:"data/identity-documents.db"`
	DocumentsPostgresDSN string        `env:"DOCUMENTS_POSTGRES_DSN"`
	StreamPrefix         string        `env:"STREAM_PREFIX" envDefault:"identity"`
	DefaultStream        string        `env:"DEFAULT_STREAM" envDefault:"identity_all"`
	OutboxOwner          string        `env:"OUTBOX_OWNER" envDefault:"outbox"`
	OutboxPollInterval   time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"500ms"`
	OutboxLeaseTTL       time.Duration `env:"OUTBOX_LEASE_TTL" envDefault:"2m"`
	OutboxMaxAttempts    int           `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"8"`
	OutboxRetryBackoff   time.Duration `env:"OUTBOX_RETRY_BACKOFF" envDefault:"1s"`
	OutboxRetryMaxDelay  time.Duration `env:"OUTBOX_RETRY_MAX_DELAY" envDefault:"5m"`
	ProjectionPoll       time.Duration `env:"PROJECTION_POLL_INTERVAL" envDefault:"500ms"`
	ProjectionBatchSize  int           `env:"PROJECTION_BATCH_SIZE" envDefault:"100"`
	ProjectionAttempts   int           `env:"PROJECTION_MAX_ATTEMPTS" envDefault:"5"`
	SagaWorkers          int           `env:"SAGA_WORKERS" envDefault:"4"`
	SagaQueueSize        int           `env:"SAGA_QUEUE_SIZE" envDefault:"256"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The identity health gRPC server port")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The identity HTTP API address")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "The Prometheus metrics address (empty disables)")
	fs.StringVar(&cfg.WriteDBPath, "write-db-path", cfg.WriteDBPath, "The batch log and ticket SQLite database path")
	fs.StringVar(&cfg.EventsDBPath, "events-db-path", cfg.EventsDBPath, "The event journal SQLite database path")
	fs.StringVar(&cfg.GraphDBPath, "graph-db-path", cfg.GraphDBPath, "The first-level graph SQLite database path")
	fs.StringVar(&cfg.DocumentsDBPath, "documents-db-path", cfg.DocumentsDBPath, "The second-level document SQLite database path")
	fs.StringVar(&cfg.DocumentsPostgresDSN, "documents-postgres-dsn", cfg.DocumentsPostgresDSN, "Postgres DSN for second-level documents (overrides the SQLite path)")
	fs.StringVar(&cfg.StreamPrefix, "stream-prefix", cfg.StreamPrefix, "Prefix of per-object stream names")
	fs.StringVar(&cfg.DefaultStream, "default-stream", cfg.DefaultStream, "Stream for events without a target")
	fs.StringVar(&cfg.OutboxOwner, "outbox-owner", cfg.OutboxOwner, "Lease owner name of this outbox processor")
	fs.DurationVar(&cfg.OutboxPollInterval, "outbox-poll-interval", cfg.OutboxPollInterval, "Outbox poll interval")
	fs.DurationVar(&cfg.OutboxLeaseTTL, "outbox-lease-ttl", cfg.OutboxLeaseTTL, "Outbox batch lease duration")
	fs.IntVar(&cfg.OutboxMaxAttempts, "outbox-max-attempts", cfg.OutboxMaxAttempts, "Maximum publish attempts before dead-letter")
	fs.DurationVar(&cfg.OutboxRetryBackoff, "outbox-retry-backoff", cfg.OutboxRetryBackoff, "Base outbox retry delay")
	fs.DurationVar(&cfg.OutboxRetryMaxDelay, "outbox-retry-max-delay", cfg.OutboxRetryMaxDelay, "Maximum outbox retry delay")
	fs.DurationVar(&cfg.ProjectionPoll, "projection-poll-interval", cfg.ProjectionPoll, "Projection journal poll interval")
	fs.IntVar(&cfg.ProjectionBatchSize, "projection-batch-size", cfg.ProjectionBatchSize, "Events read per projection poll")
	fs.IntVar(&cfg.ProjectionAttempts, "projection-max-attempts", cfg.ProjectionAttempts, "Apply attempts before an event is dead-lettered")
	fs.IntVar(&cfg.SagaWorkers, "saga-workers", cfg.SagaWorkers, "Concurrent command executions")
	fs.IntVar(&cfg.SagaQueueSize, "saga-queue-size", cfg.SagaQueueSize, "Queued commands before submissions are refused")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// RuntimeConfig maps the command configuration onto the runtime.
func (c Config) RuntimeConfig() identityapp.RuntimeConfig {
	return identityapp.RuntimeConfig{
		Port:                 c.Port,
		HTTPAddr:             c.HTTPAddr,
		MetricsAddr:          c.MetricsAddr,
		WriteDBPath:          c.WriteDBPath,
		EventsDBPath:         c.EventsDBPath,
		GraphDBPath:          c.GraphDBPath,
		DocumentsDBPath:      c.DocumentsDBPath,
		DocumentsPostgresDSN: c.DocumentsPostgresDSN,
		StreamPrefix:         c.StreamPrefix,
		DefaultStream:        c.DefaultStream,
		Outbox: outbox.Config{
			Owner:         c.OutboxOwner,
			PollInterval:  c.OutboxPollInterval,
			LeaseTTL:      c.OutboxLeaseTTL,
			MaxAttempts:   c.OutboxMaxAttempts,
			RetryBackoff:  c.OutboxRetryBackoff,
			RetryMaxDelay: c.OutboxRetryMaxDelay,
		},
		Projection: consumer.Config{
			PollInterval: c.ProjectionPoll,
			BatchSize:    c.ProjectionBatchSize,
			MaxAttempts:  c.ProjectionAttempts,
		},
		Saga: saga.Config{
			Workers:   c.SagaWorkers,
			QueueSize: c.SagaQueueSize,
		},
	}
}

// Run starts the identity runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceIdentity, func(ctx context.Context) error {
		return identityapp.Run(ctx, cfg.RuntimeConfig())
	})
}
