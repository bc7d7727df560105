package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parabit/memgate/internal/version"
)

type ServerMetrics struct {
	reg                    *prometheus.Registry
	handler                http.Handler
	inflight               prometheus.Gauge
	reqTotal               *prometheus.CounterVec
	reqDur                 *prometheus.HistogramVec
	respBytes              *prometheus.HistogramVec
	httpPanicTotal         prometheus.Counter
	buildInfo              *prometheus.GaugeVec
	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter

	errorsTotal *prometheus.CounterVec

	profilingActive prometheus.Gauge

	// authentication
	keyCacheHitsTotal     prometheus.Counter
	keyCacheMissesTotal   prometheus.Counter
	keyCacheNegativeTotal prometheus.Counter
	keyFetchErrorsTotal   prometheus.Counter
	authFailuresTotal     *prometheus.CounterVec
	policyInfo            *prometheus.GaugeVec

	// authorization
	authzDenialsTotal   *prometheus.CounterVec
	authzSensitiveTotal prometheus.Counter

	// redaction
	redactionsTotal       *prometheus.CounterVec
	detectorFailuresTotal *prometheus.CounterVec
	failClosedTotal       *prometheus.CounterVec

	// multipart
	multipartRejectedTotal *prometheus.CounterVec
	multipartLogOnlyTotal  *prometheus.CounterVec

	// idempotency
	idemReplaysTotal  prometheus.Counter
	idemFallbackTotal prometheus.Counter
	idemBreakerState  *prometheus.GaugeVec
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 52428800},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times rate limiter capacity reached",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		keyCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_key_cache_hits_total",
			Help: "Total verification-key lookups served from cache",
		}),
		keyCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_key_cache_misses_total",
			Help: "Total verification-key lookups that triggered a key-set fetch",
		}),
		keyCacheNegativeTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_key_cache_negative_hits_total",
			Help: "Total lookups short-circuited by the negative key cache",
		}),
		keyFetchErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_key_fetch_errors_total",
			Help: "Total failed key-set fetches after retries",
		}),
		authFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_failures_total",
			Help: "Total authentication rejections by reason",
		}, []string{"reason"}),
		policyInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "authz_policy_info",
			Help: "Active permission policy (label carries content hash, value is always 1)",
		}, []string{"sha256"}),
		authzDenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authz_denials_total",
			Help: "Total authorization denials by reason",
		}, []string{"reason"}),
		authzSensitiveTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authz_sensitive_checks_total",
			Help: "Total permission checks against sensitive resources",
		}),
		redactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redactions_applied_total",
			Help: "Total redaction findings scrubbed, by detector and tier",
		}, []string{"detector", "tier"}),
		detectorFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redaction_detector_failures_total",
			Help: "Total detector execution failures by tier",
		}, []string{"tier"}),
		failClosedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redaction_fail_closed_total",
			Help: "Total payload emissions blocked by the fail-closed policy, by tier",
		}, []string{"tier"}),
		multipartRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "multipart_rejections_total",
			Help: "Total multipart uploads rejected, by bounded reason",
		}, []string{"reason"}),
		multipartLogOnlyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "multipart_log_only_total",
			Help: "Total multipart findings observed while a check ran in log-only mode",
		}, []string{"reason"}),
		idemReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "idempotency_replays_total",
			Help: "Total mutating requests answered from a recorded response",
		}),
		idemFallbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "idempotency_fallback_total",
			Help: "Total idempotency operations served by the local fallback store",
		}),
		idemBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "idempotency_breaker_state",
			Help: "Shared-store circuit breaker state (label carries state, gauge is always 1)",
		}, []string{"state"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.errorsTotal,
		m.profilingActive,
		m.keyCacheHitsTotal,
		m.keyCacheMissesTotal,
		m.keyCacheNegativeTotal,
		m.keyFetchErrorsTotal,
		m.authFailuresTotal,
		m.policyInfo,
		m.authzDenialsTotal,
		m.authzSensitiveTotal,
		m.redactionsTotal,
		m.detectorFailuresTotal,
		m.failClosedTotal,
		m.multipartRejectedTotal,
		m.multipartLogOnlyTotal,
		m.idemReplaysTotal,
		m.idemFallbackTotal,
		m.idemBreakerState,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	m.SetBreakerState("closed")
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

func (m *ServerMetrics) IncKeyCacheHit() {
	m.keyCacheHitsTotal.Inc()
}

func (m *ServerMetrics) IncKeyCacheMiss() {
	m.keyCacheMissesTotal.Inc()
}

func (m *ServerMetrics) IncKeyCacheNegativeHit() {
	m.keyCacheNegativeTotal.Inc()
}

func (m *ServerMetrics) IncKeyFetchError() {
	m.keyFetchErrorsTotal.Inc()
}

func (m *ServerMetrics) IncAuthFailure(reason string) {
	m.authFailuresTotal.WithLabelValues(reason).Inc()
}

// set at policy load; Reset keeps a reload from leaving a stale hash behind.
func (m *ServerMetrics) SetPolicyHash(sha256 string) {
	m.policyInfo.Reset()
	m.policyInfo.WithLabelValues(sha256).Set(1)
}

func (m *ServerMetrics) IncAuthzDenial(reason string) {
	m.authzDenialsTotal.WithLabelValues(reason).Inc()
}

func (m *ServerMetrics) IncSensitiveCheck() {
	m.authzSensitiveTotal.Inc()
}

func (m *ServerMetrics) IncRedaction(detector string, tier int) {
	m.redactionsTotal.WithLabelValues(detector, strconv.Itoa(tier)).Inc()
}

func (m *ServerMetrics) IncDetectorFailure(tier int) {
	m.detectorFailuresTotal.WithLabelValues(strconv.Itoa(tier)).Inc()
}

func (m *ServerMetrics) IncFailClosed(tier int) {
	m.failClosedTotal.WithLabelValues(strconv.Itoa(tier)).Inc()
}

func (m *ServerMetrics) IncMultipartRejection(reason string) {
	m.multipartRejectedTotal.WithLabelValues(reason).Inc()
}

func (m *ServerMetrics) IncMultipartLogOnly(reason string) {
	m.multipartLogOnlyTotal.WithLabelValues(reason).Inc()
}

func (m *ServerMetrics) IncIdempotencyReplay() {
	m.idemReplaysTotal.Inc()
}

func (m *ServerMetrics) IncIdempotencyFallback() {
	m.idemFallbackTotal.Inc()
}

func (m *ServerMetrics) SetBreakerState(state string) {
	m.idemBreakerState.Reset()
	m.idemBreakerState.WithLabelValues(state).Set(1)
}
