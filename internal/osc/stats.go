package osc

import (
	"log/slog"
	"sort"
	"sync"
)

// Stats is a thread-safe set of named message counters. Each subsystem
// owns one and increments it from its OSC handlers; counters are read by
// the metrics collector and logged once at shutdown.
type Stats struct {
	mu       sync.Mutex
	counters map[string]uint64
}

// NewStats creates an empty counter set.
func NewStats() *Stats {
	return &Stats{counters: make(map[string]uint64)}
}

// Increment adds one to the named counter.
func (s *Stats) Increment(name string) {
	s.Add(name, 1)
}

// Add adds n to the named counter.
func (s *Stats) Add(name string, n uint64) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.counters[name] += n
	s.mu.Unlock()
}

// Get returns the current value of the named counter.
func (s *Stats) Get(name string) uint64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name]
}

// Snapshot returns a copy of all counters.
func (s *Stats) Snapshot() map[string]uint64 {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uint64, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out
}

// Log writes all counters through the given logger at info level, in
// stable order. Called during shutdown.
func (s *Stats) Log(logger *slog.Logger, label string) {
	snap := s.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, k, snap[k])
	}
	logger.Info(label+" statistics", args...)
}
