package main

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"
)

type statName string

const (
	statExtractions  statName = "extractions"
	statSuccesses    statName = "successes"
	statRejections   statName = "rejections"
	statExhaustions  statName = "exhaustions"
	statConfigErrors statName = "config_errors"
	statRotations    statName = "rotations"
	statRelays       statName = "relays"
	statRelayFailed  statName = "relay_failures"
	statBytesRelayed statName = "bytes_relayed"
)

var allStats = []statName{
	statExtractions,
	statSuccesses,
	statRejections,
	statExhaustions,
	statConfigErrors,
	statRotations,
	statRelays,
	statRelayFailed,
	statBytesRelayed,
}

// Stats holds process-wide counters. The counter map is populated once in
// NewStats and only the values change afterwards, so no lock is needed.
// A nil *Stats discards everything.
type Stats struct {
	counters map[statName]*int64
	mirror   *RedisMirror
	started  time.Time
}

func NewStats(mirror *RedisMirror) *Stats {
	s := &Stats{
		counters: make(map[statName]*int64, len(allStats)),
		mirror:   mirror,
		started:  time.Now(),
	}
	for _, name := range allStats {
		s.counters[name] = new(int64)
	}
	return s
}

func (s *Stats) Inc(name statName) { s.Add(name, 1) }

func (s *Stats) Add(name statName, n int64) {
	if s == nil || n == 0 {
		return
	}
	if c, ok := s.counters[name]; ok {
		atomic.AddInt64(c, n)
	}
	s.mirror.Incr(name, n)
}

func (s *Stats) Get(name statName) int64 {
	if s == nil {
		return 0
	}
	if c, ok := s.counters[name]; ok {
		return atomic.LoadInt64(c)
	}
	return 0
}

func (s *Stats) Snapshot() map[string]int64 {
	out := make(map[string]int64, len(allStats))
	for _, name := range allStats {
		out[string(name)] = s.Get(name)
	}
	return out
}

func (s *Stats) Uptime() time.Duration {
	if s == nil {
		return 0
	}
	return time.Since(s.started)
}

func (srv *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthStatus{
		Status:      "healthy",
		Uptime:      srv.stats.Uptime().Round(time.Second).String(),
		Credentials: srv.creds.Len(),
		Redis:       srv.mirror.Status(r.Context()),
	}
	if health.Credentials == 0 {
		health.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, health)
}

func (srv *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics := map[string]interface{}{
		"counters":       srv.stats.Snapshot(),
		"credentials":    srv.creds.Len(),
		"rate_limit":     srv.cfg.RateLimit.RequestsPerSecond,
		"uptime_seconds": srv.stats.Uptime().Seconds(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if totals, err := srv.mirror.Totals(ctx); err == nil && totals != nil {
		metrics["cluster_counters"] = totals
	}
	writeJSON(w, http.StatusOK, metrics)
}
