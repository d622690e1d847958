package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can build as many instances as
// they like without duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	MinesTotal    *prometheus.CounterVec // outcome: ok, cooldown, exhausted, suspended, error
	MinedTokens   prometheus.Counter
	BonusTokens   *prometheus.CounterVec // kind: streak, level, achievement, lucky, weekly
	Referrals     prometheus.Counter
	Achievements  prometheus.Counter
	TaskCompletes prometheus.Counter

	Accounts prometheus.Gauge
	Flagged  prometheus.Gauge

	httpDuration *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		MinesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mine_attempts_total",
			Help: "Mine attempts by outcome.",
		}, []string{"outcome"}),
		MinedTokens: factory.NewCounter(prometheus.CounterOpts{
			Name: "mined_tokens_total",
			Help: "Tokens credited by successful mines.",
		}),
		BonusTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bonus_tokens_total",
			Help: "Bonus tokens credited, by bonus kind.",
		}, []string{"kind"}),
		Referrals: factory.NewCounter(prometheus.CounterOpts{
			Name: "referral_payouts_total",
			Help: "Referral rewards paid to referrers.",
		}),
		Achievements: factory.NewCounter(prometheus.CounterOpts{
			Name: "achievements_unlocked_total",
			Help: "Achievements unlocked across all accounts.",
		}),
		TaskCompletes: factory.NewCounter(prometheus.CounterOpts{
			Name: "task_completions_total",
			Help: "Task rewards claimed.",
		}),
		Accounts: factory.NewGauge(prometheus.GaugeOpts{
			Name: "accounts_total",
			Help: "Registered accounts.",
		}),
		Flagged: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flagged_accounts",
			Help: "Accounts currently flagged by the abuse monitor.",
		}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP handler latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request latency labeled by the routed path pattern.
func (m *Metrics) Middleware(pattern func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			m.httpDuration.
				WithLabelValues(r.Method, pattern(r), strconv.Itoa(sw.status)).
				Observe(time.Since(start).Seconds())
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
