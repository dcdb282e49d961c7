package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	spawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "privspawn",
			Subsystem: "spawn",
			Name:      "total",
			Help:      "Number of successful spawns by path taken (direct or prefork).",
		}, []string{"name", "mode"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "privspawn",
			Subsystem: "spawn",
			Name:      "failures_total",
			Help:      "Number of failed spawns by failing stage and errno name.",
		}, []string{"name", "stage", "errno"},
	)
	exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "privspawn",
			Subsystem: "child",
			Name:      "exits_total",
			Help:      "Number of reaped children by disposition kind.",
		}, []string{"name", "kind"},
	)
	lastExitCode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "privspawn",
			Subsystem: "child",
			Name:      "last_exit_code",
			Help:      "Shell-style exit code of the last reaped child (128+signal when signaled).",
		}, []string{"name"},
	)
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "privspawn",
			Subsystem: "child",
			Name:      "run_duration_seconds",
			Help:      "Wall time between spawn and reap.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"},
	)
	running = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "privspawn",
			Subsystem: "child",
			Name:      "running",
			Help:      "1 while a child spawned under this name has not been reaped.",
		}, []string{"name"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{spawns, spawnFailures, exits, lastExitCode, runDuration, running}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves the metrics of a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by the runner to record metrics.
// They no-op if Register hasn't been called.

func IncSpawn(name, mode string) {
	if regOK.Load() {
		spawns.WithLabelValues(name, mode).Inc()
		running.WithLabelValues(name).Set(1)
	}
}

func IncSpawnFailure(name, stage, errno string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(name, stage, errno).Inc()
	}
}

func ObserveExit(name, kind string, shellCode int, seconds float64) {
	if regOK.Load() {
		exits.WithLabelValues(name, kind).Inc()
		lastExitCode.WithLabelValues(name).Set(float64(shellCode))
		runDuration.WithLabelValues(name).Observe(seconds)
		running.WithLabelValues(name).Set(0)
	}
}

// ObserveLost clears the running gauge for a child whose exit could not be
// observed (wait failed or the status was not decodable).
func ObserveLost(name string) {
	if regOK.Load() {
		exits.WithLabelValues(name, "lost").Inc()
		running.WithLabelValues(name).Set(0)
	}
}
