package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"stayuptodo-laundry/internal/model"
	"stayuptodo-laundry/internal/registry"
)

var (
	ingestionCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "laundry_ingestion_cycles_total",
			Help: "Total number of chat polling cycles labeled by result",
		},
		[]string{"result"},
	)
	ingestionMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "laundry_ingestion_messages_total",
			Help: "Chat messages processed by the ingestion pipeline labeled by outcome",
		},
		[]string{"outcome"},
	)
	extractionDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "laundry_extraction_duration_seconds",
			Help:    "Duration of extraction calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)
	statusTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "laundry_status_transitions_total",
			Help: "Total number of machine status transitions",
		},
		[]string{"from", "to"},
	)
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "laundry_http_requests_total",
			Help: "HTTP requests labeled by method, route and status code",
		},
		[]string{"method", "route", "code"},
	)
	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "laundry_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	pushDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "laundry_push_deliveries_total",
			Help: "Web push deliveries labeled by result",
		},
		[]string{"result"},
	)
	machinesByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "laundry_machines_by_status",
			Help: "Number of machines per status",
		},
		[]string{"status"},
	)
)

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

// RecordCycle counts one polling cycle ("ok" or "fetch_error").
func RecordCycle(result string) {
	ingestionCyclesTotal.WithLabelValues(orUnknown(result)).Inc()
}

// RecordMessage counts one processed chat message by pipeline outcome.
func RecordMessage(outcome string) {
	ingestionMessagesTotal.WithLabelValues(orUnknown(outcome)).Inc()
}

// RecordExtraction records the latency of one extraction call.
func RecordExtraction(result string, duration time.Duration) {
	extractionDurationSeconds.WithLabelValues(orUnknown(result)).Observe(duration.Seconds())
}

// RecordTransition tracks status changes committed by the registry.
func RecordTransition(from, to string) {
	statusTransitionsTotal.WithLabelValues(orUnknown(from), orUnknown(to)).Inc()
}

// RecordHTTP counts one request and records its duration. route is the
// matched route template, not the raw path.
func RecordHTTP(method, route string, code int, duration time.Duration) {
	route = orUnknown(route)
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordPush counts one web push delivery attempt.
func RecordPush(result string) {
	pushDeliveriesTotal.WithLabelValues(orUnknown(result)).Inc()
}

// ObserveRegistry returns a registry observer that records transitions.
func ObserveRegistry() func(registry.Event) {
	return func(ev registry.Event) {
		if ev.Kind == registry.EventStatusChanged {
			RecordTransition(string(ev.From), string(ev.To))
		}
	}
}

// Lister is the read side of the registry used by MachineCollector.
type Lister interface {
	List(f registry.Filter) []model.Machine
}

// MachineCollector periodically publishes the number of machines per status.
type MachineCollector struct {
	machines Lister
	interval time.Duration
}

// NewMachineCollector builds a collector polling every interval (default 15s).
func NewMachineCollector(machines Lister, interval time.Duration) *MachineCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &MachineCollector{machines: machines, interval: interval}
}

// Run collects until ctx is cancelled.
func (c *MachineCollector) Run(ctx context.Context) {
	if c == nil || c.machines == nil {
		return
	}

	for {
		c.Collect()

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.interval):
		}
	}
}

// Collect publishes one snapshot. Statuses without machines are reported as 0.
func (c *MachineCollector) Collect() {
	counts := make(map[model.Status]int, len(model.Statuses))
	for _, m := range c.machines.List(registry.Filter{}) {
		counts[m.Status]++
	}
	for _, s := range model.Statuses {
		machinesByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
