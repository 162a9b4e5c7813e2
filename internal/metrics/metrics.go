// Package metrics provides Prometheus metrics for monitoring copyguard.
package metrics

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total API requests by command and status.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copyguard_requests_total",
			Help: "Total number of API requests processed",
		},
		[]string{"command", "status"},
	)

	// RequestDuration tracks API request duration by command.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "copyguard_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"command"},
	)

	// HTTPResponses counts HTTP responses by path and status code.
	HTTPResponses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copyguard_http_responses_total",
			Help: "HTTP responses by path and status code",
		},
		[]string{"path", "code"},
	)

	// RateLimited counts requests rejected by the per-client rate limiter.
	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "copyguard_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
	)

	// DetectionsTotal counts detection reports by kind (complete, update).
	DetectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copyguard_detections_total",
			Help: "Detection reports emitted by kind",
		},
		[]string{"kind"},
	)

	// SignaturesTotal counts fired signatures in full reports.
	SignaturesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copyguard_signatures_total",
			Help: "Blocking signatures seen in full detection reports",
		},
		[]string{"signature"},
	)

	// DetectionDuration tracks the duration of a full detection pass.
	DetectionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "copyguard_detection_duration_seconds",
			Help:    "Duration of a full detection pass",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)

	// ProbeFailures counts in-page probes that failed to evaluate.
	ProbeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copyguard_probe_failures_total",
			Help: "In-page probes that failed and were treated as no evidence",
		},
		[]string{"probe"},
	)

	// ProbeMessages counts decoded page messages by kind.
	ProbeMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copyguard_probe_messages_total",
			Help: "Page-to-Go messages accepted by kind",
		},
		[]string{"kind"},
	)

	// RejectedMessages counts page messages discarded at the boundary.
	RejectedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copyguard_rejected_messages_total",
			Help: "Page-to-Go messages rejected by reason",
		},
		[]string{"reason"},
	)

	// RechecksTotal counts debounced rechecks by outcome (changed, unchanged).
	RechecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copyguard_rechecks_total",
			Help: "Rechecks by outcome",
		},
		[]string{"outcome"},
	)

	// BypassRuns counts enable-copy runs by status.
	BypassRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copyguard_bypass_runs_total",
			Help: "Enable-copy runs by status",
		},
		[]string{"status"},
	)

	// Dispatches counts ENABLE_COPY dispatches by path (auto, whitelist, api).
	Dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copyguard_enable_dispatches_total",
			Help: "ENABLE_COPY dispatches by path",
		},
		[]string{"path"},
	)

	// Notifications counts surfaced notifications by kind.
	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copyguard_notifications_total",
			Help: "Notifications surfaced by kind",
		},
		[]string{"kind"},
	)

	// DomainStates shows the number of tracked domain states.
	DomainStates = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "copyguard_domain_states",
			Help: "Number of tracked domain states",
		},
	)

	// OpenTabs shows current open tabs.
	OpenTabs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "copyguard_open_tabs",
			Help: "Number of open tabs",
		},
	)

	// BlockingTabs shows tabs whose indicator reports blocking.
	BlockingTabs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "copyguard_blocking_tabs",
			Help: "Number of open tabs with blocking detected",
		},
	)

	// BrowserPoolSize shows the configured pool size.
	BrowserPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "copyguard_browser_pool_size",
			Help: "Configured browser pool size",
		},
	)

	// BrowserPoolAvailable shows available browsers in the pool.
	BrowserPoolAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "copyguard_browser_pool_available",
			Help: "Available browsers in pool",
		},
	)

	// BrowserPoolAcquired counts total browser acquisitions.
	BrowserPoolAcquired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "copyguard_browser_pool_acquired_total",
			Help: "Total browser acquisitions from pool",
		},
	)

	// BrowserPoolRecycled counts browser recycles.
	BrowserPoolRecycled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "copyguard_browser_pool_recycled_total",
			Help: "Total browsers recycled",
		},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "copyguard_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// MemorySysBytes shows system memory obtained.
	MemorySysBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "copyguard_memory_sys_bytes",
			Help: "Total memory obtained from system",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "copyguard_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "copyguard_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		HTTPResponses,
		RateLimited,
		DetectionsTotal,
		SignaturesTotal,
		DetectionDuration,
		ProbeFailures,
		ProbeMessages,
		RejectedMessages,
		RechecksTotal,
		BypassRuns,
		Dispatches,
		Notifications,
		DomainStates,
		OpenTabs,
		BlockingTabs,
		BrowserPoolSize,
		BrowserPoolAvailable,
		BrowserPoolAcquired,
		BrowserPoolRecycled,
		MemoryUsageBytes,
		MemorySysBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartMemoryCollector periodically updates memory metrics until stopCh closes.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateMemoryMetrics()
		case <-stopCh:
			return
		}
	}
}

func updateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	MemorySysBytes.Set(float64(m.Sys))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// RecordRequest records metrics for a completed API request.
func RecordRequest(command, status string, duration time.Duration) {
	RequestsTotal.WithLabelValues(command, status).Inc()
	RequestDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// RecordHTTP records a served HTTP response. Unknown paths share one label.
func RecordHTTP(path string, code int, _ time.Duration) {
	switch path {
	case "/", "/v1", "/health", "/patterns":
	default:
		path = "other"
	}
	HTTPResponses.WithLabelValues(path, strconv.Itoa(code)).Inc()
}

// RecordRateLimited records a request rejected by the rate limiter.
func RecordRateLimited() {
	RateLimited.Inc()
}

// RecordDetection records an emitted report and, for full reports, its signatures.
func RecordDetection(kind string, signatures []string) {
	DetectionsTotal.WithLabelValues(kind).Inc()
	for _, s := range signatures {
		SignaturesTotal.WithLabelValues(s).Inc()
	}
}

// ObserveDetectionDuration records the duration of a full detection pass.
func ObserveDetectionDuration(d time.Duration) {
	DetectionDuration.Observe(d.Seconds())
}

// RecordProbeFailure records a probe that failed to evaluate.
func RecordProbeFailure(probe string) {
	ProbeFailures.WithLabelValues(probe).Inc()
}

// RecordProbeMessage records an accepted page message.
func RecordProbeMessage(kind string) {
	ProbeMessages.WithLabelValues(kind).Inc()
}

// RecordRejectedMessage records a page message discarded at the boundary.
func RecordRejectedMessage(reason string) {
	RejectedMessages.WithLabelValues(reason).Inc()
}

// RecordRecheck records a recheck outcome.
func RecordRecheck(changed bool) {
	if changed {
		RechecksTotal.WithLabelValues("changed").Inc()
		return
	}
	RechecksTotal.WithLabelValues("unchanged").Inc()
}

// RecordBypass records an enable-copy run.
func RecordBypass(status string) {
	BypassRuns.WithLabelValues(status).Inc()
}

// RecordDispatch records an ENABLE_COPY dispatch.
func RecordDispatch(path string) {
	Dispatches.WithLabelValues(path).Inc()
}

// RecordNotification records a surfaced notification.
func RecordNotification(kind string) {
	Notifications.WithLabelValues(kind).Inc()
}

// UpdatePoolMetrics updates browser pool gauges.
func UpdatePoolMetrics(size, available int) {
	BrowserPoolSize.Set(float64(size))
	BrowserPoolAvailable.Set(float64(available))
}

// UpdateTabMetrics updates the open and blocking tab gauges.
func UpdateTabMetrics(open, blocking int) {
	OpenTabs.Set(float64(open))
	BlockingTabs.Set(float64(blocking))
}

// UpdateDomainStates updates the tracked domain state gauge.
func UpdateDomainStates(count int) {
	DomainStates.Set(float64(count))
}
