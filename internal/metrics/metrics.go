// Package metrics exposes gateway counters and gauges to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go-chat-gateway/internal/backpressure"
	"go-chat-gateway/internal/routing"
)

const namespace = "gateway"

type Metrics struct {
	reg *prometheus.Registry

	processed *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	failed    *prometheus.CounterVec
	depth     *prometheus.GaugeVec
	latency   *prometheus.HistogramVec

	routes       *prometheus.CounterVec
	routeLatency *prometheus.HistogramVec

	sessions      prometheus.Gauge
	safeDeleteID  prometheus.Gauge
	purged        prometheus.Counter
	heavyEvicted  prometheus.Counter
	creditRejects prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "processed_total",
			Help: "Items the channel sink completed successfully.",
		}, []string{"channel"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "dropped_total",
			Help: "Items evicted on overflow or rejected after close.",
		}, []string{"channel"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "failed_total",
			Help: "Items whose sink returned an error or panicked.",
		}, []string{"channel"}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "channel", Name: "queue_depth",
			Help: "Accepted items not yet completed.",
		}, []string{"channel"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "channel", Name: "processing_seconds",
			Help:    "Sink processing time per item.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"channel"}),
		routes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "routing", Name: "routes_total",
			Help: "Routed messages by policy and outcome.",
		}, []string{"policy", "ok"}),
		routeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "routing", Name: "route_seconds",
			Help:    "Time spent running a message through its stages.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"policy"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions",
			Help: "Registered client sessions on this instance.",
		}),
		safeDeleteID: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "safe_delete_id",
			Help: "Highest message id every recipient has acknowledged or abandoned.",
		}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "purged_total",
			Help: "Outbox rows removed by safe-delete purges.",
		}),
		heavyEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "heavy_disconnects_total",
			Help: "Sessions closed because their client fell too far behind.",
		}),
		creditRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "credit", Name: "rejected_total",
			Help: "Inbound messages dropped for lack of credit.",
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.processed, m.dropped, m.failed, m.depth, m.latency,
		m.routes, m.routeLatency,
		m.sessions, m.safeDeleteID, m.purged, m.heavyEvicted, m.creditRejects,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Channel returns the backpressure metrics sink for the named channel.
func (m *Metrics) Channel(name string) backpressure.Metrics {
	return &channelMetrics{
		processed: m.processed.WithLabelValues(name),
		dropped:   m.dropped.WithLabelValues(name),
		failed:    m.failed.WithLabelValues(name),
		depth:     m.depth.WithLabelValues(name),
		latency:   m.latency.WithLabelValues(name),
	}
}

func (m *Metrics) ObserveRoute(policy routing.Policy, ok bool, elapsed time.Duration) {
	m.routes.WithLabelValues(policy.String(), strconv.FormatBool(ok)).Inc()
	m.routeLatency.WithLabelValues(policy.String()).Observe(elapsed.Seconds())
}

func (m *Metrics) SetSessions(n int)        { m.sessions.Set(float64(n)) }
func (m *Metrics) SetSafeDeleteID(id int64) { m.safeDeleteID.Set(float64(id)) }
func (m *Metrics) AddPurged(n int64)        { m.purged.Add(float64(n)) }
func (m *Metrics) IncHeavyDisconnect()      { m.heavyEvicted.Inc() }
func (m *Metrics) IncCreditRejected()       { m.creditRejects.Inc() }

type channelMetrics struct {
	processed prometheus.Counter
	dropped   prometheus.Counter
	failed    prometheus.Counter
	depth     prometheus.Gauge
	latency   prometheus.Observer
}

func (c *channelMetrics) RecordDone()               { c.processed.Inc() }
func (c *channelMetrics) RecordDropped()            { c.dropped.Inc() }
func (c *channelMetrics) RecordFailed()             { c.failed.Inc() }
func (c *channelMetrics) UpdateQueueSize(delta int) { c.depth.Add(float64(delta)) }
func (c *channelMetrics) ResetQueueSize()           { c.depth.Set(0) }

func (c *channelMetrics) RecordProcessingTime(d time.Duration) {
	c.latency.Observe(d.Seconds())
}
