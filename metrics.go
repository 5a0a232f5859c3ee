// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package funcserver

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// PrometheusSink exports flushed stats as prometheus counters and histograms.
type PrometheusSink struct {
	mu     sync.Mutex
	totals map[string]int64    // counter keys and their running value
	levels map[string]struct{} // keys that have gone down at least once

	registry *prometheus.Registry
	counts   *prometheus.CounterVec
	gauges   *prometheus.GaugeVec
	timings  *prometheus.HistogramVec
}

// NewPrometheusSink registers the funcserver collectors on a fresh registry.
func NewPrometheusSink(namespace string) *PrometheusSink {
	if namespace == "" {
		namespace = "funcserver"
	}
	s := &PrometheusSink{
		totals:   make(map[string]int64),
		levels:   make(map[string]struct{}),
		registry: prometheus.NewRegistry(),
		counts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stats",
				Name:      "count_total",
				Help:      "Counter increments flushed from the stats collector.",
			},
			[]string{"key"},
		),
		gauges: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "stats",
				Name:      "level",
				Help:      "Counters that were decremented; tracked as up/down levels.",
			},
			[]string{"key"},
		),
		timings: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "stats",
				Name:      "duration_seconds",
				Help:      "Timing samples flushed from the stats collector.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"key"},
		),
	}
	s.registry.MustRegister(s.counts, s.gauges, s.timings)
	return s
}

// Count adds delta. Prometheus counters cannot go down: the first negative
// delta for a key moves it from the counter vector to the gauge vector, where
// it stays.
func (s *PrometheusSink) Count(key string, delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.levels[key]; ok {
		s.gauges.WithLabelValues(key).Add(float64(delta))
		return
	}
	if delta >= 0 {
		s.totals[key] += delta
		s.counts.WithLabelValues(key).Add(float64(delta))
		return
	}
	s.levels[key] = struct{}{}
	s.counts.DeleteLabelValues(key)
	s.gauges.WithLabelValues(key).Set(float64(s.totals[key] + delta))
	delete(s.totals, key)
}

func (s *PrometheusSink) Timing(key string, t TimingStats) {
	h := s.timings.WithLabelValues(key)
	for _, d := range t.Samples {
		h.Observe(d.Seconds())
	}
	// samples past the cap are folded in at the mean
	if rest := t.Count - int64(len(t.Samples)); rest > 0 {
		mean := t.Mean().Seconds()
		for i := int64(0); i < rest; i++ {
			h.Observe(mean)
		}
	}
}

// Gatherer exposes the underlying registry.
func (s *PrometheusSink) Gatherer() prometheus.Gatherer {
	return s.registry
}

// Handler serves the registry in the prometheus text format.
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// LogSink writes flushed stats as debug log lines.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Count(key string, delta int64) {
	s.Log.Debug().Str("key", key).Int64("delta", delta).Msg("stats_count")
}

func (s LogSink) Timing(key string, t TimingStats) {
	s.Log.Debug().
		Str("key", key).
		Int64("count", t.Count).
		Dur("mean", t.Mean()).
		Dur("min", t.Min).
		Dur("max", t.Max).
		Msg("stats_timing")
}
