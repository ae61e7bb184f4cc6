// Package metrics records supervisor lifecycle metrics in a private
// Prometheus registry that can optionally be served over HTTP.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Collector is nil-safe: every method on a nil *Collector is a no-op.
type Collector struct {
	serviceStarts       *prometheus.CounterVec
	unexpectedExits     *prometheus.CounterVec
	terminations        *prometheus.CounterVec
	terminationDuration *prometheus.HistogramVec
	phaseTransitions    *prometheus.CounterVec
	running             prometheus.Gauge

	registry *prometheus.Registry
}

func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "portalctl"
	}
	c := &Collector{registry: prometheus.NewRegistry()}

	c.serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_starts_total",
			Help:      "Service start attempts by result",
		},
		[]string{"service", "result"},
	)
	c.unexpectedExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_unexpected_exits_total",
			Help:      "Services that exited on their own while being monitored",
		},
		[]string{"service"},
	)
	c.terminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_terminations_total",
			Help:      "Shutdown terminations by mode (graceful, forced, failed)",
		},
		[]string{"service", "mode"},
	)
	c.terminationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "service_termination_duration_seconds",
			Help:      "Time taken to stop a service during shutdown",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"service"},
	)
	c.phaseTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Supervisor phase transitions",
		},
		[]string{"from", "to"},
	)
	c.running = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "services_running",
			Help:      "Number of services in the process registry",
		},
	)

	c.registry.MustRegister(
		c.serviceStarts,
		c.unexpectedExits,
		c.terminations,
		c.terminationDuration,
		c.phaseTransitions,
		c.running,
	)
	return c
}

func (c *Collector) ServiceStart(service string, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.serviceStarts.WithLabelValues(service, result).Inc()
}

func (c *Collector) UnexpectedExit(service string) {
	if c == nil {
		return
	}
	c.unexpectedExits.WithLabelValues(service).Inc()
}

func (c *Collector) Termination(service, mode string, d time.Duration) {
	if c == nil {
		return
	}
	c.terminations.WithLabelValues(service, mode).Inc()
	c.terminationDuration.WithLabelValues(service).Observe(d.Seconds())
}

func (c *Collector) PhaseTransition(from, to string) {
	if c == nil {
		return
	}
	c.phaseTransitions.WithLabelValues(from, to).Inc()
}

func (c *Collector) Running(n int) {
	if c == nil {
		return
	}
	c.running.Set(float64(n))
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "listen metrics")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "serve metrics")
	}
	return nil
}
