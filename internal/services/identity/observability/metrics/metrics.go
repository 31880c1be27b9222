// Package metrics exports identity worker outcomes as Prometheus collectors.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/louisbranch/identity.space/internal/services/identity/domain/ticket"
)

const namespace = "identity"

// Recorder implements the outbox, projection consumer and saga observers.
type Recorder struct {
	gatherer prometheus.Gatherer

	outboxBatches  *prometheus.CounterVec
	outboxEvents   *prometheus.CounterVec
	outboxDuration *prometheus.HistogramVec

	projectionEvents   *prometheus.CounterVec
	projectionDuration *prometheus.HistogramVec
	projectionLag      *prometheus.GaugeVec

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry that also carries the Go
// and process collectors.
func New() (*Recorder, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("register go collector: %w", err)
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("register process collector: %w", err)
	}
	return NewWithRegistry(registry, registry)
}

// NewWithRegistry registers the collectors on reg and serves gatherer.
func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) (*Recorder, error) {
	r := &Recorder{
		gatherer: gatherer,
		outboxBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "batches_total",
			Help:      "Processed outbox batches by outcome.",
		}, []string{"outcome"}),
		outboxEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "events_total",
			Help:      "Events carried by processed outbox batches by outcome.",
		}, []string{"outcome"}),
		outboxDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "batch_duration_seconds",
			Help:      "Time spent publishing one batch.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		projectionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "projection",
			Name:      "events_total",
			Help:      "Events handled by projection consumers by outcome.",
		}, []string{"consumer", "outcome"}),
		projectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "projection",
			Name:      "apply_duration_seconds",
			Help:      "Time spent applying one event, retries included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"consumer"}),
		projectionLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "projection",
			Name:      "lag_events",
			Help:      "Events between the journal head and the consumer checkpoint.",
		}, []string{"consumer"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "commands_total",
			Help:      "Finished command tickets by command and status.",
		}, []string{"command", "status"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "command_duration_seconds",
			Help:      "Time from execution start to ticket completion.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
	}
	for _, c := range []prometheus.Collector{
		r.outboxBatches, r.outboxEvents, r.outboxDuration,
		r.projectionEvents, r.projectionDuration, r.projectionLag,
		r.commands, r.commandDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return r, nil
}

// ObserveBatch records one processed outbox batch.
func (r *Recorder) ObserveBatch(outcome string, events int, elapsed time.Duration) {
	r.outboxBatches.WithLabelValues(outcome).Inc()
	r.outboxEvents.WithLabelValues(outcome).Add(float64(events))
	r.outboxDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveEvent records one event handled by a projection consumer.
func (r *Recorder) ObserveEvent(consumer, outcome string, elapsed time.Duration) {
	r.projectionEvents.WithLabelValues(consumer, outcome).Inc()
	r.projectionDuration.WithLabelValues(consumer).Observe(elapsed.Seconds())
}

// ObserveLag sets the current lag of a projection consumer.
func (r *Recorder) ObserveLag(consumer string, lag uint64) {
	r.projectionLag.WithLabelValues(consumer).Set(float64(lag))
}

// ObserveCommand records one finished ticket.
func (r *Recorder) ObserveCommand(command string, status ticket.Status, elapsed time.Duration) {
	r.commands.WithLabelValues(command, string(status)).Inc()
	r.commandDuration.WithLabelValues(command).Observe(elapsed.Seconds())
}

// Handler serves the gathered metrics in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
