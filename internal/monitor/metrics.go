package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"guidefetch/internal/adaptive"
	"guidefetch/internal/events"
)

const namespace = "guidefetch"

// Metrics exports the event stream as prometheus series.
// It is safe to subscribe directly: every update is a lock-free counter or
// gauge operation.
type Metrics struct {
	tasks       *prometheus.CounterVec
	failures    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	bytes       *prometheus.CounterVec
	cacheHits   *prometheus.CounterVec
	poolTarget  *prometheus.GaugeVec
	rate        *prometheus.GaugeVec
	running     *prometheus.GaugeVec
	acquireTime prometheus.Histogram
}

var _ events.Subscriber = (*Metrics)(nil)

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		// Labels: category, outcome (completed, abandoned)
		tasks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Tasks that reached a terminal outcome",
		}, []string{"category", "outcome"}),

		// Labels: category, class (transient, rate_limited, blocked, fatal)
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempt_failures_total",
			Help:      "Failed fetch attempts by error class",
		}, []string{"category", "class"}),

		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Duration of successful fetch attempts",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30},
		}, []string{"category"}),

		bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetched_bytes_total",
			Help:      "Payload bytes fetched from the upstream",
		}, []string{"category"}),

		cacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Keys served from the cache without fetching",
		}, []string{"category"}),

		poolTarget: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_target",
			Help:      "Worker pool target set by the adaptive controller",
		}, []string{"category"}),

		rate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rate_limit_rps",
			Help:      "Request rate set by the adaptive controller, 0 when unlimited",
		}, []string{"category"}),

		running: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "category_running",
			Help:      "1 while a category is being acquired",
		}, []string{"category"}),

		acquireTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "acquire_duration_seconds",
			Help:      "Wall time of Acquire calls",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

// HandleEvent updates the collectors for ev.
func (m *Metrics) HandleEvent(ev events.Event) {
	category := string(ev.Category)

	switch ev.Kind {
	case events.KindTaskCompleted:
		m.tasks.WithLabelValues(category, "completed").Inc()
		m.latency.WithLabelValues(category).Observe(ev.Latency.Seconds())
		m.bytes.WithLabelValues(category).Add(float64(ev.Bytes))
	case events.KindTaskFailed:
		m.failures.WithLabelValues(category, string(ev.Class)).Inc()
	case events.KindTaskAbandoned:
		m.tasks.WithLabelValues(category, "abandoned").Inc()
	case events.KindCacheHits:
		m.cacheHits.WithLabelValues(category).Add(float64(ev.Count))
	case events.KindPoolResized:
		m.poolTarget.WithLabelValues(category).Set(float64(ev.Size))
	case events.KindRateChanged:
		m.rate.WithLabelValues(category).Set(ev.Rate)
	case events.KindCategoryStarted:
		m.running.WithLabelValues(category).Set(1)
	case events.KindCategoryFinished:
		m.running.WithLabelValues(category).Set(0)
	case events.KindAcquireFinished:
		m.acquireTime.Observe(ev.Latency.Seconds())
	}
}

// PoolCollector reports the live worker count of every category at scrape
// time. Pools do not publish events when a busy worker retires, so this value
// cannot be derived from the event stream.
type PoolCollector struct {
	states func() []adaptive.State
	size   *prometheus.Desc
}

var _ prometheus.Collector = (*PoolCollector)(nil)

// NewPoolCollector returns a collector reading states on every scrape.
func NewPoolCollector(states func() []adaptive.State) *PoolCollector {
	return &PoolCollector{
		states: states,
		size: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "pool_size"),
			"Live worker goroutines per category",
			[]string{"category"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.size
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.states() {
		ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(st.Size), string(st.Category))
	}
}
