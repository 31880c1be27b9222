// Package maintenance implements operator commands for inspecting and
// repairing the identity write path and its projections.
package maintenance

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/identity.space/internal/platform/config"
	"github.com/louisbranch/identity.space/internal/platform/timeouts"
	identityapp "github.com/louisbranch/identity.space/internal/services/identity/app"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/event"
	"github.com/louisbranch/identity.space/internal/services/identity/projection/firstlevel"
	"github.com/louisbranch/identity.space/internal/services/identity/projection/secondlevel"
	"github.com/louisbranch/identity.space/internal/services/identity/storage/postgres"
	"github.com/louisbranch/identity.space/internal/services/identity/storage/sqlite"
)

const (
	modeOutboxReport      = "outbox-report"
	modeOutboxRequeueDead = "outbox-requeue-dead"
	modeBatchAbort        = "batch-abort"
	modeTickets           = "tickets"
	modeDeadLetters       = "dead-letters"
	modeCheckpoints       = "checkpoints"
	modeHealth            = "health"
	modeStream            = "stream"

	// inspectionStream only satisfies the journal opener; maintenance never
	// writes events.
	inspectionStream = "identity_all"
)

// Config holds maintenance command configuration.
type Config struct {
	WriteDBPath          string        `env:"WRITE_DB_PATH" envDefault:"data/identity-write.db"`
	EventsDBPath         string        `env:"EVENTS_DB_PATH" envDefault:"data/identity-events.db"`
	GraphDBPath          string        `env:"GRAPH_DB_PATH" envDefault:"data/identity-graph.db"`
	DocumentsDBPath      string        `env:"DOCUMENTS_DB_PATH" envDefault:"data/identity-documents.db"`
	DocumentsPostgresDSN string        `env:"DOCUMENTS_POSTGRES_DSN"`
	Timeout              time.Duration `env:"MAINTENANCE_TIMEOUT" envDefault:"10m"`

	JSONOutput             bool
	OutboxReport           bool
	OutboxStatus           string
	OutboxLimit            int
	OutboxRequeueDead      bool
	OutboxRequeueDeadLimit int
	BatchAbortID           string
	Tickets                bool
	TicketFilter           string
	TicketLimit            int
	DeadLetters            bool
	Consumer               string
	DeadLetterLimit        int
	Checkpoints            bool
	Stream                 string
	Health                 bool
	HealthAddr             string
	HealthTimeout          time.Duration
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := config.ParsePrefixedEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.OutboxLimit = 50
	cfg.TicketLimit = 50
	cfg.DeadLetterLimit = 50
	cfg.HealthAddr = "localhost:8095"
	cfg.HealthTimeout = timeouts.HealthProbe

	fs.StringVar(&cfg.WriteDBPath, "write-db-path", cfg.WriteDBPath, "path to the batch log and ticket sqlite database")
	fs.StringVar(&cfg.EventsDBPath, "events-db-path", cfg.EventsDBPath, "path to the event journal sqlite database")
	fs.StringVar(&cfg.GraphDBPath, "graph-db-path", cfg.GraphDBPath, "path to the first-level graph sqlite database")
	fs.StringVar(&cfg.DocumentsDBPath, "documents-db-path", cfg.DocumentsDBPath, "path to the second-level document sqlite database")
	fs.StringVar(&cfg.DocumentsPostgresDSN, "documents-postgres-dsn", cfg.DocumentsPostgresDSN, "postgres DSN of the second-level documents (overrides -documents-db-path)")
	fs.BoolVar(&cfg.JSONOutput, "json", false, "output JSON reports")
	fs.BoolVar(&cfg.OutboxReport, "outbox-report", false, "report batch counts and rows")
	fs.StringVar(&cfg.OutboxStatus, "outbox-status", "", "optional batch status filter (initialized|committed|processing|executed|error|aborted)")
	fs.IntVar(&cfg.OutboxLimit, "outbox-limit", cfg.OutboxLimit, "max batch rows to list")
	fs.BoolVar(&cfg.OutboxRequeueDead, "outbox-requeue-dead", false, "requeue a bounded set of dead-lettered batches")
	fs.IntVar(&cfg.OutboxRequeueDeadLimit, "outbox-requeue-dead-limit", 0, "max dead batches to requeue (required with -outbox-requeue-dead)")
	fs.StringVar(&cfg.BatchAbortID, "batch-abort", "", "abort the initialized or committed batch with this id")
	fs.BoolVar(&cfg.Tickets, "tickets", false, "list tickets")
	fs.StringVar(&cfg.TicketFilter, "ticket-filter", "", "ticket filter (pending|complete|failure|finished|all)")
	fs.IntVar(&cfg.TicketLimit, "ticket-limit", cfg.TicketLimit, "max tickets to list")
	fs.BoolVar(&cfg.DeadLetters, "dead-letters", false, "list events a projection gave up on")
	fs.StringVar(&cfg.Consumer, "consumer", "", "projection consumer for -dead-letters (first-level|second-level)")
	fs.IntVar(&cfg.DeadLetterLimit, "dead-letter-limit", cfg.DeadLetterLimit, "max dead letters to list")
	fs.BoolVar(&cfg.Checkpoints, "checkpoints", false, "report projection checkpoints and lag")
	fs.StringVar(&cfg.Stream, "stream", "", "print the journal events of one stream (e.g. identity_u-1_User)")
	fs.BoolVar(&cfg.Health, "health", false, "probe the identity gRPC health service")
	fs.StringVar(&cfg.HealthAddr, "addr", cfg.HealthAddr, "identity gRPC address for -health")
	fs.DurationVar(&cfg.HealthTimeout, "health-timeout", cfg.HealthTimeout, "time to wait for the server to report SERVING")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run executes the maintenance command.
func Run(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	mode, err := selectMode(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	switch mode {
	case modeHealth:
		return runHealthReport(ctx, cfg.HealthAddr, cfg.HealthTimeout, cfg.JSONOutput, out, errOut)
	case modeCheckpoints:
		return withCheckpointStores(ctx, cfg, errOut, func(journal closableJournal, graph, docs closableCheckpointStore) error {
			return runCheckpointReport(ctx, journal, map[string]checkpointReader{
				firstlevel.ConsumerName:  graph,
				secondlevel.ConsumerName: docs,
			}, cfg.JSONOutput, out)
		})
	case modeStream:
		journal, err := openEventStore(ctx, cfg.EventsDBPath)
		if err != nil {
			return err
		}
		defer closeStore(errOut, "event store", journal)
		return runStreamReport(ctx, journal, cfg.Stream, cfg.JSONOutput, out)
	case modeDeadLetters:
		consumer := strings.TrimSpace(cfg.Consumer)
		var store closableCheckpointStore
		switch consumer {
		case firstlevel.ConsumerName:
			store, err = openGraphStore(ctx, cfg.GraphDBPath)
		case secondlevel.ConsumerName:
			store, err = openDocumentStore(ctx, cfg.DocumentsDBPath, cfg.DocumentsPostgresDSN)
		default:
			return fmt.Errorf("-consumer must be %s or %s", firstlevel.ConsumerName, secondlevel.ConsumerName)
		}
		if err != nil {
			return err
		}
		defer closeStore(errOut, "projection store", store)
		return runDeadLetterReport(ctx, store, consumer, cfg.DeadLetterLimit, cfg.JSONOutput, out)
	}

	write, err := openWriteStore(ctx, cfg.WriteDBPath)
	if err != nil {
		return err
	}
	defer closeStore(errOut, "write store", write)

	switch mode {
	case modeOutboxReport:
		return runOutboxReport(ctx, write, cfg.OutboxStatus, cfg.OutboxLimit, cfg.JSONOutput, out)
	case modeOutboxRequeueDead:
		return runOutboxRequeueDead(ctx, write, cfg.OutboxRequeueDeadLimit, now, cfg.JSONOutput, out)
	case modeBatchAbort:
		return runBatchAbort(ctx, write, cfg.BatchAbortID, now, cfg.JSONOutput, out)
	default:
		return runTicketReport(ctx, write, cfg.TicketFilter, cfg.TicketLimit, cfg.JSONOutput, out)
	}
}

// selectMode returns the single requested mode.
func selectMode(cfg Config) (string, error) {
	var modes []string
	if cfg.OutboxReport {
		modes = append(modes, modeOutboxReport)
	}
	if cfg.OutboxRequeueDead {
		modes = append(modes, modeOutboxRequeueDead)
	}
	if strings.TrimSpace(cfg.BatchAbortID) != "" {
		modes = append(modes, modeBatchAbort)
	}
	if cfg.Tickets {
		modes = append(modes, modeTickets)
	}
	if cfg.DeadLetters {
		modes = append(modes, modeDeadLetters)
	}
	if cfg.Checkpoints {
		modes = append(modes, modeCheckpoints)
	}
	if strings.TrimSpace(cfg.Stream) != "" {
		modes = append(modes, modeStream)
	}
	if cfg.Health {
		modes = append(modes, modeHealth)
	}
	switch len(modes) {
	case 0:
		return "", errors.New("one of -outbox-report, -outbox-requeue-dead, -batch-abort, -tickets, -dead-letters, -checkpoints, -stream or -health is required")
	case 1:
	default:
		return "", fmt.Errorf("-%s cannot be combined with -%s", modes[0], modes[1])
	}

	mode := modes[0]
	switch mode {
	case modeOutboxReport:
		if cfg.OutboxLimit <= 0 {
			return "", errors.New("-outbox-limit must be > 0")
		}
	case modeOutboxRequeueDead:
		if cfg.OutboxRequeueDeadLimit <= 0 {
			return "", errors.New("-outbox-requeue-dead-limit must be > 0")
		}
	case modeTickets:
		if cfg.TicketLimit <= 0 {
			return "", errors.New("-ticket-limit must be > 0")
		}
	case modeDeadLetters:
		if strings.TrimSpace(cfg.Consumer) == "" {
			return "", errors.New("-consumer is required with -dead-letters")
		}
		if cfg.DeadLetterLimit <= 0 {
			return "", errors.New("-dead-letter-limit must be > 0")
		}
	case modeHealth:
		if strings.TrimSpace(cfg.HealthAddr) == "" {
			return "", errors.New("-addr is required with -health")
		}
	}
	if mode != modeOutboxReport && strings.TrimSpace(cfg.OutboxStatus) != "" {
		return "", fmt.Errorf("-outbox-status cannot be combined with -%s", mode)
	}
	if mode != modeTickets && strings.TrimSpace(cfg.TicketFilter) != "" {
		return "", fmt.Errorf("-ticket-filter cannot be combined with -%s", mode)
	}
	if mode != modeDeadLetters && strings.TrimSpace(cfg.Consumer) != "" {
		return "", fmt.Errorf("-consumer cannot be combined with -%s", mode)
	}
	return mode, nil
}

func withCheckpointStores(
	ctx context.Context,
	cfg Config,
	errOut io.Writer,
	fn func(journal closableJournal, graph, docs closableCheckpointStore) error,
) error {
	journal, err := openEventStore(ctx, cfg.EventsDBPath)
	if err != nil {
		return err
	}
	defer closeStore(errOut, "event store", journal)
	graph, err := openGraphStore(ctx, cfg.GraphDBPath)
	if err != nil {
		return err
	}
	defer closeStore(errOut, "graph store", graph)
	docs, err := openDocumentStore(ctx, cfg.DocumentsDBPath, cfg.DocumentsPostgresDSN)
	if err != nil {
		return err
	}
	defer closeStore(errOut, "document store", docs)
	return fn(journal, graph, docs)
}

func closeStore(errOut io.Writer, name string, store interface{ Close() error }) {
	if err := store.Close(); err != nil {
		fmt.Fprintf(errOut, "Error: close %s: %v\n", name, err)
	}
}

// requireExisting refuses to create a database the runtime never wrote.
func requireExisting(label, path string) (string, error) {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == "" {
		return "", fmt.Errorf("%s path is required", label)
	}
	if _, err := os.Stat(cleanPath); err != nil {
		return "", fmt.Errorf("open %s: %w", label, err)
	}
	return cleanPath, nil
}

func openWriteStore(ctx context.Context, path string) (closableWriteStore, error) {
	cleanPath, err := requireExisting("write db", path)
	if err != nil {
		return nil, err
	}
	store, err := sqlite.OpenWrite(ctx, cleanPath)
	if err != nil {
		return nil, fmt.Errorf("open write store: %w", err)
	}
	return store, nil
}

func openEventStore(ctx context.Context, path string) (closableJournal, error) {
	cleanPath, err := requireExisting("events db", path)
	if err != nil {
		return nil, err
	}
	store, err := sqlite.OpenEvents(ctx, cleanPath, inspectionStream, event.DefaultRegistry())
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	return store, nil
}

func openGraphStore(ctx context.Context, path string) (closableCheckpointStore, error) {
	cleanPath, err := requireExisting("graph db", path)
	if err != nil {
		return nil, err
	}
	store, err := sqlite.OpenGraph(ctx, cleanPath)
	if err != nil {
		return nil, fmt.Errorf("open graph store: %w", err)
	}
	return store, nil
}

func openDocumentStore(ctx context.Context, path, dsn string) (closableCheckpointStore, error) {
	if dsn = strings.TrimSpace(dsn); dsn != "" {
		store, err := postgres.Open(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres document store: %w", err)
		}
		return store, nil
	}
	cleanPath, err := requireExisting("documents db", path)
	if err != nil {
		return nil, err
	}
	store, err := sqlite.OpenDocuments(ctx, cleanPath)
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}
	return store, nil
}

// healthServices lists the per-loop health entries the runtime registers.
func healthServices() []string {
	return []string{
		identityapp.HealthOutbox,
		identityapp.HealthFirstLevel,
		identityapp.HealthSecondLevel,
		identityapp.HealthOrchestrator,
	}
}
