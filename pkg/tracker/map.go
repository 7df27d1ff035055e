// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package tracker

import (
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/socktracer/pkg/event"
	"github.com/mbeema/socktracer/pkg/health"
	"github.com/mbeema/socktracer/pkg/protocol"
)

// Map demultiplexes kernel events onto connection trackers. The outer
// index is (tgid, fd); the inner index is the generation counter, so a
// reused descriptor gets a fresh tracker while the old generation
// drains. Owned by the single ingestion goroutine; no locking.
type Map struct {
	limits   Limits
	renderer protocol.PayloadRenderer
	stats    *health.Stats
	log      *zap.Logger

	conns  map[event.StreamKey]map[uint64]*Tracker
	active int
}

// NewMap creates an empty tracker map.
func NewMap(limits Limits, renderer protocol.PayloadRenderer, stats *health.Stats, logger *zap.Logger) *Map {
	return &Map{
		limits:   limits,
		renderer: renderer,
		stats:    stats,
		log:      logger,
		conns:    make(map[event.StreamKey]map[uint64]*Tracker),
	}
}

// Count returns the number of live trackers across all generations.
func (m *Map) Count() int { return m.active }

// AcceptControl routes a control event, materializing a tracker on
// first sight of a (tgid, fd, generation).
func (m *Map) AcceptControl(ev *event.ControlEvent, now time.Time) {
	t := m.getOrCreate(ev.StreamKey(), ev.Generation, ev.TSNS, now)
	if t == nil {
		return
	}
	t.AcceptControl(ev, now)
}

// AcceptData routes a data event. Data for a generation that a newer
// one has superseded is dropped.
func (m *Map) AcceptData(ev *event.DataEvent, now time.Time) {
	key := ev.StreamKey()
	for g := range m.conns[key] {
		if g > ev.Generation {
			m.stats.DropOldGeneration.Add(1)
			return
		}
	}
	t := m.getOrCreate(key, ev.Generation, 0, now)
	if t == nil {
		return
	}
	t.AcceptData(ev, now)
}

// Lookup returns the tracker for a connection, if present.
func (m *Map) Lookup(key event.StreamKey, generation uint64) *Tracker {
	return m.conns[key][generation]
}

func (m *Map) getOrCreate(key event.StreamKey, generation, tsns uint64, now time.Time) *Tracker {
	inner, ok := m.conns[key]
	if !ok {
		inner = make(map[uint64]*Tracker)
		m.conns[key] = inner
	}

	if t, ok := inner[generation]; ok {
		return t
	}

	// A lower generation than the live one is a late event for a
	// connection that has already been superseded.
	for g := range inner {
		if g > generation {
			m.stats.DropOldGeneration.Add(1)
			return nil
		}
	}

	if m.active >= m.limits.MaxTrackers {
		m.evictOldest()
	}

	t := New(event.ConnID{
		TGID:        key.TGID,
		FD:          key.FD,
		Generation:  generation,
		StartTimeNS: tsns,
	}, m.limits, m.renderer, m.stats, m.log)
	t.lastActivity = now
	inner[generation] = t
	m.active++
	m.stats.TrackersCreated.Add(1)

	// Newest generation wins: freeze the predecessors.
	for g, old := range inner {
		if g < generation {
			old.MarkSuperseded()
		}
	}

	return t
}

// Range calls fn for every tracker.
func (m *Map) Range(fn func(*Tracker)) {
	for _, inner := range m.conns {
		for _, t := range inner {
			fn(t)
		}
	}
}

// RemoveDestroyed drops trackers whose one-tick destruction grace
// period has elapsed. Called once per transfer tick, after Cleanup.
func (m *Map) RemoveDestroyed() int {
	removed := 0
	for key, inner := range m.conns {
		for g, t := range inner {
			if t.tickDestruction() {
				delete(inner, g)
				m.active--
				removed++
			}
		}
		if len(inner) == 0 {
			delete(m.conns, key)
		}
	}
	return removed
}

// evictOldest removes the least-recently-active tracker to enforce the
// tracker cap.
func (m *Map) evictOldest() {
	var oldestKey event.StreamKey
	var oldestGen uint64
	var oldest *Tracker

	for key, inner := range m.conns {
		for g, t := range inner {
			if oldest == nil || t.lastActivity.Before(oldest.lastActivity) {
				oldest = t
				oldestKey = key
				oldestGen = g
			}
		}
	}
	if oldest == nil {
		return
	}

	delete(m.conns[oldestKey], oldestGen)
	if len(m.conns[oldestKey]) == 0 {
		delete(m.conns, oldestKey)
	}
	m.active--
	m.stats.TrackersEvicted.Add(1)
	m.log.Debug("evicted tracker at capacity",
		zap.String("conn", oldest.ID().String()),
	)
}
