package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "botrunner"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tenant",
			Name:      "launches_total",
			Help:      "Number of successful child spawns.",
		}, []string{"tenant"},
	)
	adoptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tenant",
			Name:      "adoptions_total",
			Help:      "Children of a previous server instance reattached at boot.",
		}, []string{"tenant"},
	)
	crashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tenant",
			Name:      "crashes_total",
			Help:      "Exits with a non-zero status or a signal.",
		}, []string{"tenant"},
	)
	restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tenant",
			Name:      "restarts_total",
			Help:      "Relaunches after a crash.",
		}, []string{"tenant"},
	)
	cleanExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tenant",
			Name:      "clean_exits_total",
			Help:      "Exits with status 0.",
		}, []string{"tenant"},
	)
	stops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tenant",
			Name:      "stops_total",
			Help:      "Explicit stops.",
		}, []string{"tenant"},
	)
	launchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tenant",
			Name:      "launch_failures_total",
			Help:      "Spawn errors and missing entry points.",
		}, []string{"tenant", "reason"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tenant",
			Name:      "state_transitions_total",
			Help:      "Number of transitions between launch protocol states.",
		}, []string{"tenant", "from", "to"},
	)
	circuitOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tenant",
			Name:      "crash_loop_open",
			Help:      "1 while the crash-loop breaker holds the tenant in FAILED.",
		}, []string{"tenant"},
	)
	running = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "running",
			Help:      "Tenants currently registered as running.",
		},
	)
	pendingWrites = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "pending_writes",
			Help:      "Desired-state writes waiting for a retry.",
		},
	)
	installDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "install",
			Name:      "duration_seconds",
			Help:      "Dependency installation time.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"result"},
	)
	sweepRemoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "removed_total",
			Help:      "Entries removed by maintenance sweeps.",
		}, []string{"sweep"},
	)
	diskUsed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "disk_used_percent",
			Help:      "Last observed used percentage of the monitored filesystem.",
		},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		launches, adoptions, crashes, restarts, cleanExits, stops, launchFailures,
		stateTransitions, circuitOpen, running, pendingWrites, installDuration,
		sweepRemoved, diskUsed,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
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

// HandlerFor serves metrics from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncLaunch(tenant string) {
	if regOK.Load() {
		launches.WithLabelValues(tenant).Inc()
	}
}

func IncAdoption(tenant string) {
	if regOK.Load() {
		adoptions.WithLabelValues(tenant).Inc()
	}
}

func IncCrash(tenant string) {
	if regOK.Load() {
		crashes.WithLabelValues(tenant).Inc()
	}
}

func IncRestart(tenant string) {
	if regOK.Load() {
		restarts.WithLabelValues(tenant).Inc()
	}
}

func IncCleanExit(tenant string) {
	if regOK.Load() {
		cleanExits.WithLabelValues(tenant).Inc()
	}
}

func IncStop(tenant string) {
	if regOK.Load() {
		stops.WithLabelValues(tenant).Inc()
	}
}

func IncLaunchFailure(tenant, reason string) {
	if regOK.Load() {
		launchFailures.WithLabelValues(tenant, reason).Inc()
	}
}

func RecordStateTransition(tenant, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(tenant, from, to).Inc()
	}
}

func SetCircuitOpen(tenant string, open bool) {
	if regOK.Load() {
		v := 0.0
		if open {
			v = 1
		}
		circuitOpen.WithLabelValues(tenant).Set(v)
	}
}

func SetRunning(n int) {
	if regOK.Load() {
		running.Set(float64(n))
	}
}

func SetPendingWrites(n int) {
	if regOK.Load() {
		pendingWrites.Set(float64(n))
	}
}

func ObserveInstall(seconds float64, ok bool) {
	if regOK.Load() {
		result := "ok"
		if !ok {
			result = "failed"
		}
		installDuration.WithLabelValues(result).Observe(seconds)
	}
}

func AddSweepRemoved(sweep string, n int) {
	if regOK.Load() && n > 0 {
		sweepRemoved.WithLabelValues(sweep).Add(float64(n))
	}
}

func SetDiskUsed(percent float64) {
	if regOK.Load() {
		diskUsed.Set(percent)
	}
}
