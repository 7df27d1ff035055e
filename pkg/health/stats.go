// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"runtime"
	"sync/atomic"
	"time"
)

// Stats tracks self-monitoring counters for the tracing engine. All
// per-event and per-tracker failures are recovered locally and surface
// only here.
type Stats struct {
	startTime time.Time

	DataEvents    atomic.Int64
	ControlEvents atomic.Int64
	EventsLost    atomic.Int64
	BytesReceived atomic.Int64

	// Ingest drops, by reason.
	DropMalformed     atomic.Int64
	DropOldGeneration atomic.Int64
	DropDisabled      atomic.Int64

	ReassemblyGaps atomic.Int64
	BytesDropped   atomic.Int64
	ParseErrors    atomic.Int64

	TrackersCreated  atomic.Int64
	TrackersDisabled atomic.Int64
	TrackersEvicted  atomic.Int64

	RecordsMatched  atomic.Int64
	RecordsOrphaned atomic.Int64
	RecordsFiltered atomic.Int64
	RowsAppended    atomic.Int64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{startTime: time.Now()}
}

// Uptime returns time since engine start.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	UptimeSeconds  float64 `json:"uptime_seconds"`
	Goroutines     int     `json:"goroutines"`
	MemoryRSSBytes uint64  `json:"memory_rss_bytes"`

	DataEvents    int64 `json:"data_events"`
	ControlEvents int64 `json:"control_events"`
	EventsLost    int64 `json:"events_lost"`
	BytesReceived int64 `json:"bytes_received"`

	DropMalformed     int64 `json:"drop_malformed"`
	DropOldGeneration int64 `json:"drop_old_generation"`
	DropDisabled      int64 `json:"drop_disabled"`

	ReassemblyGaps int64 `json:"reassembly_gaps"`
	BytesDropped   int64 `json:"bytes_dropped"`
	ParseErrors    int64 `json:"parse_errors"`

	TrackersCreated  int64 `json:"trackers_created"`
	TrackersDisabled int64 `json:"trackers_disabled"`
	TrackersEvicted  int64 `json:"trackers_evicted"`
	ActiveTrackers   int64 `json:"active_trackers"`

	RecordsMatched  int64 `json:"records_matched"`
	RecordsOrphaned int64 `json:"records_orphaned"`
	RecordsFiltered int64 `json:"records_filtered"`
	RowsAppended    int64 `json:"rows_appended"`
}

// activeTrackers is published by the connector through SetActiveTrackers
// after each transfer tick; the tracker map is owned by a single goroutine.
var activeTrackers atomic.Int64

// SetActiveTrackers publishes the current tracker count.
func SetActiveTrackers(n int) { activeTrackers.Store(int64(n)) }

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return Snapshot{
		UptimeSeconds:  s.Uptime().Seconds(),
		Goroutines:     runtime.NumGoroutine(),
		MemoryRSSBytes: memStats.Sys,

		DataEvents:    s.DataEvents.Load(),
		ControlEvents: s.ControlEvents.Load(),
		EventsLost:    s.EventsLost.Load(),
		BytesReceived: s.BytesReceived.Load(),

		DropMalformed:     s.DropMalformed.Load(),
		DropOldGeneration: s.DropOldGeneration.Load(),
		DropDisabled:      s.DropDisabled.Load(),

		ReassemblyGaps: s.ReassemblyGaps.Load(),
		BytesDropped:   s.BytesDropped.Load(),
		ParseErrors:    s.ParseErrors.Load(),

		TrackersCreated:  s.TrackersCreated.Load(),
		TrackersDisabled: s.TrackersDisabled.Load(),
		TrackersEvicted:  s.TrackersEvicted.Load(),
		ActiveTrackers:   activeTrackers.Load(),

		RecordsMatched:  s.RecordsMatched.Load(),
		RecordsOrphaned: s.RecordsOrphaned.Load(),
		RecordsFiltered: s.RecordsFiltered.Load(),
		RowsAppended:    s.RowsAppended.Load(),
	}
}

// PrometheusMetrics returns stats in Prometheus text exposition format.
func (s *Stats) PrometheusMetrics() string {
	snap := s.Snapshot()
	return prometheusFormat(snap)
}

func prometheusFormat(snap Snapshot) string {
	var b []byte
	b = appendMetric(b, "socktracer_uptime_seconds", "gauge", "Engine uptime in seconds", snap.UptimeSeconds)
	b = appendMetric(b, "socktracer_goroutines", "gauge", "Number of goroutines", float64(snap.Goroutines))
	b = appendMetric(b, "socktracer_memory_rss_bytes", "gauge", "Memory usage in bytes", float64(snap.MemoryRSSBytes))
	b = appendMetric(b, "socktracer_data_events_total", "counter", "Total data events received", float64(snap.DataEvents))
	b = appendMetric(b, "socktracer_control_events_total", "counter", "Total control events received", float64(snap.ControlEvents))
	b = appendMetric(b, "socktracer_events_lost_total", "counter", "Total events lost to kernel buffer overruns", float64(snap.EventsLost))
	b = appendMetric(b, "socktracer_bytes_received_total", "counter", "Total payload bytes received", float64(snap.BytesReceived))
	b = appendMetric(b, "socktracer_drop_malformed_total", "counter", "Total events dropped as malformed", float64(snap.DropMalformed))
	b = appendMetric(b, "socktracer_drop_old_generation_total", "counter", "Total events dropped for superseded generations", float64(snap.DropOldGeneration))
	b = appendMetric(b, "socktracer_drop_disabled_total", "counter", "Total events dropped on disabled trackers", float64(snap.DropDisabled))
	b = appendMetric(b, "socktracer_reassembly_gaps_total", "counter", "Total stream gaps skipped", float64(snap.ReassemblyGaps))
	b = appendMetric(b, "socktracer_bytes_dropped_total", "counter", "Total buffered bytes dropped at the memory bound", float64(snap.BytesDropped))
	b = appendMetric(b, "socktracer_parse_errors_total", "counter", "Total recoverable parse errors", float64(snap.ParseErrors))
	b = appendMetric(b, "socktracer_trackers_created_total", "counter", "Total trackers created", float64(snap.TrackersCreated))
	b = appendMetric(b, "socktracer_trackers_disabled_total", "counter", "Total trackers disabled", float64(snap.TrackersDisabled))
	b = appendMetric(b, "socktracer_trackers_evicted_total", "counter", "Total trackers evicted at capacity", float64(snap.TrackersEvicted))
	b = appendMetric(b, "socktracer_active_trackers", "gauge", "Current live trackers", float64(snap.ActiveTrackers))
	b = appendMetric(b, "socktracer_records_matched_total", "counter", "Total request/response pairs matched", float64(snap.RecordsMatched))
	b = appendMetric(b, "socktracer_records_orphaned_total", "counter", "Total orphan records", float64(snap.RecordsOrphaned))
	b = appendMetric(b, "socktracer_records_filtered_total", "counter", "Total records dropped by filters", float64(snap.RecordsFiltered))
	b = appendMetric(b, "socktracer_rows_appended_total", "counter", "Total rows appended to output tables", float64(snap.RowsAppended))
	return string(b)
}

func appendMetric(b []byte, name, typ, help string, value float64) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, '\n')
	b = append(b, "# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, typ...)
	b = append(b, '\n')
	b = append(b, name...)
	b = append(b, ' ')
	b = appendFloat(b, value)
	b = append(b, '\n')
	return b
}

func appendFloat(b []byte, f float64) []byte {
	// Use simple formatting; avoid importing strconv for this
	if f == float64(int64(f)) {
		return append(b, []byte(intToStr(int64(f)))...)
	}
	// Use fmt-free float formatting for common cases
	return append(b, []byte(floatToStr(f))...)
}

func intToStr(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	buf := [20]byte{}
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte(n%10) + '0'
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func floatToStr(f float64) string {
	// Simple 6 decimal place formatting
	neg := f < 0
	if neg {
		f = -f
	}
	whole := int64(f)
	frac := int64((f - float64(whole)) * 1000000)
	if frac < 0 {
		frac = -frac
	}

	s := intToStr(whole) + "."
	fracStr := intToStr(frac)
	// Pad to 6 digits
	for len(fracStr) < 6 {
		fracStr = "0" + fracStr
	}
	s += fracStr

	// Trim trailing zeros after decimal
	for len(s) > 1 && s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	if s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}

	if neg {
		s = "-" + s
	}
	return s
}
