package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter tracks successful lock acquisitions.
	AcquireCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seslock_acquire_total",
		Help: "Total number of successful lock acquisitions",
	})
	// ContendedCounter tracks acquisition attempts that found the key held
	// by another session.
	ContendedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seslock_contended_total",
		Help: "Total number of contended acquisition attempts",
	})
	// ReleaseCounter tracks successful key releases.
	ReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seslock_release_total",
		Help: "Total number of key releases",
	})
	// RenewCounter tracks successful session renewals.
	RenewCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seslock_renew_total",
		Help: "Total number of successful session renewals",
	})
	// RenewFailureCounter tracks renewals that failed or found the session
	// gone.
	RenewFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seslock_renew_failures_total",
		Help: "Total number of failed session renewals",
	})
	// SessionsGauge reports sessions currently active in this process.
	SessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "seslock_active_sessions",
		Help: "Current number of active sessions",
	})
	// HeldGauge reports locks currently held by this process.
	HeldGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "seslock_held_locks",
		Help: "Current number of held locks",
	})
	// WatcherGauge reports active claim-change watchers.
	WatcherGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "seslock_watchers",
		Help: "Current number of active watchers",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		AcquireCounter,
		ContendedCounter,
		ReleaseCounter,
		RenewCounter,
		RenewFailureCounter,
		SessionsGauge,
		HeldGauge,
		WatcherGauge,
	)
}
