// Package prometheus exports session store metrics through client_golang.
package prometheus

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-authsession/core"
	"github.com/prometheus/client_golang/prometheus"
)

const DefaultNamespace = "authsession"

// Recorder implements core.MetricsRecorder. Collectors are created on first
// use; the label set of a metric is fixed by its first observation and later
// tags outside that set are dropped.
type Recorder struct {
	registry  prometheus.Registerer
	namespace string
	buckets   []float64

	mu         sync.Mutex
	counters   map[string]*counterEntry
	histograms map[string]*histogramEntry
}

type counterEntry struct {
	vec    *prometheus.CounterVec
	labels []string
}

type histogramEntry struct {
	vec    *prometheus.HistogramVec
	labels []string
}

type Option func(*Recorder)

func WithNamespace(namespace string) Option {
	return func(r *Recorder) {
		r.namespace = sanitizeName(namespace)
	}
}

// WithBuckets sets histogram buckets. The store observes durations in
// milliseconds.
func WithBuckets(buckets ...float64) Option {
	return func(r *Recorder) {
		if len(buckets) > 0 {
			r.buckets = append([]float64(nil), buckets...)
		}
	}
}

func NewRecorder(registry prometheus.Registerer, opts ...Option) *Recorder {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		registry:   registry,
		namespace:  DefaultNamespace,
		buckets:    []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		counters:   map[string]*counterEntry{},
		histograms: map[string]*histogramEntry{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Recorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if r == nil || value < 0 {
		return
	}
	entry := r.counter(name, tags)
	if entry == nil {
		return
	}
	entry.vec.With(labelValues(entry.labels, tags)).Add(float64(value))
}

func (r *Recorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	if r == nil {
		return
	}
	entry := r.histogram(name, tags)
	if entry == nil {
		return
	}
	entry.vec.With(labelValues(entry.labels, tags)).Observe(value)
}

func (r *Recorder) counter(name string, tags map[string]string) *counterEntry {
	metric := r.metricName(name, "_total")
	if metric == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.counters[metric]; ok {
		return entry
	}
	labels := labelNames(tags)
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metric,
		Help: "Session store counter " + strings.TrimSpace(name),
	}, labels)
	if err := r.registry.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil
		}
		vec = existing
	}
	entry := &counterEntry{vec: vec, labels: labels}
	r.counters[metric] = entry
	return entry
}

func (r *Recorder) histogram(name string, tags map[string]string) *histogramEntry {
	metric := r.metricName(name, "")
	if metric == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.histograms[metric]; ok {
		return entry
	}
	labels := labelNames(tags)
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    metric,
		Help:    "Session store histogram " + strings.TrimSpace(name),
		Buckets: r.buckets,
	}, labels)
	if err := r.registry.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil
		}
		existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return nil
		}
		vec = existing
	}
	entry := &histogramEntry{vec: vec, labels: labels}
	r.histograms[metric] = entry
	return entry
}

// metricName maps "authsession.refresh" to "authsession_refresh_total". The
// namespace prefix is not repeated when the name already carries it.
func (r *Recorder) metricName(name, suffix string) string {
	metric := sanitizeName(name)
	if metric == "" {
		return ""
	}
	if r.namespace != "" && metric != r.namespace && !strings.HasPrefix(metric, r.namespace+"_") {
		metric = r.namespace + "_" + metric
	}
	if suffix != "" && !strings.HasSuffix(metric, suffix) {
		metric += suffix
	}
	return metric
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for i, r := range name {
		valid := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9')
		if !valid {
			r = '_'
		}
		if r == '_' {
			if lastUnderscore || b.Len() == 0 {
				continue
			}
			lastUnderscore = true
		} else {
			lastUnderscore = false
		}
		b.WriteRune(r)
	}
	return strings.TrimRight(b.String(), "_")
}

func labelNames(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	seen := map[string]struct{}{}
	for key := range tags {
		label := sanitizeName(key)
		if label == "" || strings.HasPrefix(label, "__") {
			continue
		}
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		names = append(names, label)
	}
	sort.Strings(names)
	return names
}

func labelValues(labels []string, tags map[string]string) prometheus.Labels {
	values := make(prometheus.Labels, len(labels))
	for _, label := range labels {
		values[label] = ""
	}
	for key, value := range tags {
		label := sanitizeName(key)
		if _, ok := values[label]; ok {
			values[label] = value
		}
	}
	return values
}

var _ core.MetricsRecorder = (*Recorder)(nil)
