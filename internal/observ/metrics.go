package observ

import (
	"net/http"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const namespace = "tradecore"

// registry lazily creates prometheus vectors keyed by metric name. The label
// names of a metric are fixed by its first use.
type registry struct {
	mu       sync.Mutex
	prom     *prometheus.Registry
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	hist     map[string]*prometheus.HistogramVec
	labels   map[string][]string
	misuse   prometheus.Counter
}

var reg = newRegistry()

func newRegistry() *registry {
	r := &registry{
		prom:     prometheus.NewRegistry(),
		counters: map[string]*prometheus.CounterVec{},
		gauges:   map[string]*prometheus.GaugeVec{},
		hist:     map[string]*prometheus.HistogramVec{},
		labels:   map[string][]string{},
		misuse: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metric_label_mismatch_total",
			Help:      "Metric updates dropped because their label set did not match the first use.",
		}),
	}
	r.prom.MustRegister(r.misuse)
	r.prom.MustRegister(collectors.NewGoCollector())
	r.prom.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return r
}

func labelNames(lbl map[string]string) []string {
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *registry) counter(name string, lbl map[string]string) (prometheus.Counter, bool) {
	r.mu.Lock()
	vec, ok := r.counters[name]
	if !ok {
		r.labels[name] = labelNames(lbl)
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      name,
		}, r.labels[name])
		r.prom.MustRegister(vec)
		r.counters[name] = vec
	}
	r.mu.Unlock()
	c, err := vec.GetMetricWith(prometheus.Labels(lbl))
	if err != nil {
		r.misuse.Inc()
		return nil, false
	}
	return c, true
}

func (r *registry) gauge(name string, lbl map[string]string) (prometheus.Gauge, bool) {
	r.mu.Lock()
	vec, ok := r.gauges[name]
	if !ok {
		r.labels[name] = labelNames(lbl)
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      name,
		}, r.labels[name])
		r.prom.MustRegister(vec)
		r.gauges[name] = vec
	}
	r.mu.Unlock()
	g, err := vec.GetMetricWith(prometheus.Labels(lbl))
	if err != nil {
		r.misuse.Inc()
		return nil, false
	}
	return g, true
}

func (r *registry) histogram(name string, lbl map[string]string) (prometheus.Observer, bool) {
	r.mu.Lock()
	vec, ok := r.hist[name]
	if !ok {
		r.labels[name] = labelNames(lbl)
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name,
			Help:      name,
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, r.labels[name])
		r.prom.MustRegister(vec)
		r.hist[name] = vec
	}
	r.mu.Unlock()
	o, err := vec.GetMetricWith(prometheus.Labels(lbl))
	if err != nil {
		r.misuse.Inc()
		return nil, false
	}
	return o, true
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	if value < 0 {
		return
	}
	if c, ok := reg.counter(name, labels); ok {
		c.Add(value)
	}
}

func SetGauge(name string, value float64, labels map[string]string) {
	if g, ok := reg.gauge(name, labels); ok {
		g.Set(value)
	}
}

func Observe(name string, value float64, labels map[string]string) {
	if o, ok := reg.histogram(name, labels); ok {
		o.Observe(value)
	}
}

// RecordDuration records a duration in milliseconds
func RecordDuration(name string, duration time.Duration, labels map[string]string) {
	Observe(name+"_ms", float64(duration.Milliseconds()), labels)
}

// CounterValue reads a counter back, mainly for tests and status pages
func CounterValue(name string, labels map[string]string) float64 {
	reg.mu.Lock()
	vec, ok := reg.counters[name]
	reg.mu.Unlock()
	if !ok {
		return 0
	}
	c, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return 0
	}
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// GaugeValue reads a gauge back
func GaugeValue(name string, labels map[string]string) float64 {
	reg.mu.Lock()
	vec, ok := reg.gauges[name]
	reg.mu.Unlock()
	if !ok {
		return 0
	}
	g, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return 0
	}
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

// Handler exposes the registry in prometheus text format
func Handler() http.Handler {
	return promhttp.HandlerFor(reg.prom, promhttp.HandlerOpts{})
}

// HealthStatus is the body of the health endpoint
type HealthStatus struct {
	Status    string         `json:"status"` // "healthy", "halted"
	Timestamp string         `json:"timestamp"`
	Uptime    string         `json:"uptime"`
	Version   string         `json:"version"`
	Details   map[string]any `json:"details,omitempty"`
}

var (
	startTime = time.Now()
	version   = "dev" // Set via build flags
)

// SetVersion sets the version string for health reports
func SetVersion(v string) {
	version = v
}

// HealthHandler reports liveness. report supplies the status and details.
func HealthHandler(report func() (string, map[string]any)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status, details := "healthy", map[string]any(nil)
		if report != nil {
			status, details = report()
		}
		health := HealthStatus{
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Uptime:    time.Since(startTime).String(),
			Version:   version,
			Details:   details,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(health)
	})
}
