// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package funcserver

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Sink receives flushed stats.
type Sink interface {
	Count(key string, delta int64)
	Timing(key string, t TimingStats)
}

// TimingStats aggregates the samples recorded for one key between flushes.
type TimingStats struct {
	Count int64
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
	// Samples holds up to maxSamples raw samples for histogram sinks.
	Samples []time.Duration
}

const maxSamples = 1024

// Mean returns the average sample, or zero when empty.
func (t TimingStats) Mean() time.Duration {
	if t.Count == 0 {
		return 0
	}
	return t.Sum / time.Duration(t.Count)
}

func (t *TimingStats) add(d time.Duration) {
	if t.Count == 0 || d < t.Min {
		t.Min = d
	}
	if d > t.Max {
		t.Max = d
	}
	t.Count++
	t.Sum += d
	if len(t.Samples) < maxSamples {
		t.Samples = append(t.Samples, d)
	}
}

// Snapshot is the state drained by one flush.
type Snapshot struct {
	Counters map[string]int64
	Timings  map[string]TimingStats
}

// Stats accumulates counters and timings between flushes.
type Stats struct {
	mu       sync.Mutex
	counters map[string]int64
	timings  map[string]*TimingStats
	totals   map[string]int64 // never drained, for debug views
}

// NewStats returns an empty collector.
func NewStats() *Stats {
	return &Stats{
		counters: make(map[string]int64),
		timings:  make(map[string]*TimingStats),
		totals:   make(map[string]int64),
	}
}

// Incr adds n to key.
func (s *Stats) Incr(key string, n int64) {
	s.mu.Lock()
	s.counters[key] += n
	s.totals[key] += n
	s.mu.Unlock()
}

// Decr subtracts n from key.
func (s *Stats) Decr(key string, n int64) {
	s.Incr(key, -n)
}

// Timing records one duration sample under key.
func (s *Stats) Timing(key string, d time.Duration) {
	s.mu.Lock()
	t, ok := s.timings[key]
	if !ok {
		t = &TimingStats{}
		s.timings[key] = t
	}
	t.add(d)
	s.mu.Unlock()
}

// Time starts a timer; calling the returned func records the elapsed time.
func (s *Stats) Time(key string) func() {
	start := time.Now()
	return func() { s.Timing(key, time.Since(start)) }
}

// Totals returns the lifetime counter values.
func (s *Stats) Totals() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.totals))
	for k, v := range s.totals {
		out[k] = v
	}
	return out
}

// Drain returns and resets everything accumulated since the last drain.
func (s *Stats) Drain() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Counters: s.counters,
		Timings:  make(map[string]TimingStats, len(s.timings)),
	}
	for k, t := range s.timings {
		snap.Timings[k] = *t
	}
	s.counters = make(map[string]int64)
	s.timings = make(map[string]*TimingStats)
	return snap
}

// Flush drains the collector into sink in key order.
func (s *Stats) Flush(sink Sink) {
	snap := s.Drain()
	for _, k := range sortedKeys(snap.Counters) {
		if snap.Counters[k] != 0 {
			sink.Count(k, snap.Counters[k])
		}
	}
	for _, k := range sortedKeys(snap.Timings) {
		sink.Timing(k, snap.Timings[k])
	}
}

// Run flushes into sink every interval until ctx is done, then flushes once more.
func (s *Stats) Run(ctx context.Context, interval time.Duration, sink Sink) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Flush(sink)
			return
		case <-ticker.C:
			s.Flush(sink)
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MultiSink fans a flush out to several sinks.
type MultiSink []Sink

func (m MultiSink) Count(key string, delta int64) {
	for _, s := range m {
		s.Count(key, delta)
	}
}

func (m MultiSink) Timing(key string, t TimingStats) {
	for _, s := range m {
		s.Timing(key, t)
	}
}
