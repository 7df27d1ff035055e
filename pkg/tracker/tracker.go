// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package tracker reconstructs per-connection application traffic from
// the kernel event firehose: it demultiplexes events into per-connection
// trackers, reassembles both directions, runs the protocol parsers and
// pairs requests with responses.
package tracker

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/socktracer/pkg/event"
	"github.com/mbeema/socktracer/pkg/health"
	"github.com/mbeema/socktracer/pkg/protocol"
)

// State is the tracker lifecycle state.
type State int

const (
	StateCollecting State = iota
	StateReadyForDestruction
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateReadyForDestruction:
		return "ready_for_destruction"
	case StateDisabled:
		return "disabled"
	default:
		return "invalid"
	}
}

// Limits bounds per-tracker and per-map resource usage.
type Limits struct {
	GapTimeout        time.Duration
	ReqTimeout        time.Duration
	InactivityTTL     time.Duration
	MaxStreamBytes    int
	ClassifyWindow    int
	ParseErrorBudget  int
	MaxFramesBuffered int
	MaxTrackers       int
}

// DefaultLimits returns the stock limits.
func DefaultLimits() Limits {
	return Limits{
		GapTimeout:        time.Second,
		ReqTimeout:        10 * time.Second,
		InactivityTTL:     5 * time.Minute,
		MaxStreamBytes:    1 << 20,
		ClassifyWindow:    protocol.ClassifyWindow,
		ParseErrorBudget:  32,
		MaxFramesBuffered: 256,
		MaxTrackers:       100000,
	}
}

// Record is a matched request/response pair ready for table append.
// Either side may be nil when the record is an orphan.
type Record struct {
	ID     event.ConnID
	Remote event.Endpoint
	Proto  protocol.Protocol

	Req  *protocol.Frame
	Resp *protocol.Frame

	Orphan    bool
	LatencyNS uint64
}

// Tracker holds all state for one connection generation: remote
// endpoint, both direction streams, the protocol parser and the
// request/response matcher. It is mutated only from the single
// ingestion goroutine.
type Tracker struct {
	id     event.ConnID
	remote event.Endpoint

	proto    protocol.Protocol
	parser   protocol.Parser
	renderer protocol.PayloadRenderer

	egress  *DataStream
	ingress *DataStream

	state        State
	lastActivity time.Time
	lastBPFTSNS  uint64

	closeObserved    bool
	deadProcObserved bool

	parseErrors     int
	ticksSinceReady int

	limits Limits
	stats  *health.Stats
	log    *zap.Logger

	matcher *matcher
}

// New creates a tracker for one connection generation.
func New(id event.ConnID, limits Limits, renderer protocol.PayloadRenderer, stats *health.Stats, logger *zap.Logger) *Tracker {
	return &Tracker{
		id:       id,
		limits:   limits,
		renderer: renderer,
		stats:    stats,
		log:      logger,
		egress:   newDataStream(event.Egress),
		ingress:  newDataStream(event.Ingress),
	}
}

// ID returns the connection identity.
func (t *Tracker) ID() event.ConnID { return t.id }

// Remote returns the remote endpoint, if observed.
func (t *Tracker) Remote() event.Endpoint { return t.remote }

// Protocol returns the classified protocol. The transition is
// monotonic: Unknown to a concrete protocol, never between protocols.
func (t *Tracker) Protocol() protocol.Protocol { return t.proto }

// State returns the lifecycle state.
func (t *Tracker) State() State { return t.state }

// LastActivity returns the wall-clock time of the last accepted event.
func (t *Tracker) LastActivity() time.Time { return t.lastActivity }

// Gaps returns the total reassembly gaps observed on both streams.
func (t *Tracker) Gaps() int { return t.egress.Gaps + t.ingress.Gaps }

// Stream returns the direction's data stream.
func (t *Tracker) Stream(dir event.Direction) *DataStream {
	if dir == event.Egress {
		return t.egress
	}
	return t.ingress
}

// AcceptControl applies a connection lifecycle event.
func (t *Tracker) AcceptControl(ev *event.ControlEvent, now time.Time) {
	t.touch(ev.TSNS, now)

	switch ev.Kind {
	case event.KindOpen:
		t.remote = ev.Remote
		if t.id.StartTimeNS == 0 {
			t.id.StartTimeNS = ev.TSNS
		}
	case event.KindClose:
		t.closeObserved = true
	}
}

// AcceptData buffers a payload chunk. Duplicate deliveries of the same
// (direction, seq) range are idempotent as long as the bytes match;
// conflicting bytes disable the tracker. The event's payload must be an
// owned copy and is retained.
func (t *Tracker) AcceptData(ev *event.DataEvent, now time.Time) {
	if t.state == StateDisabled {
		t.stats.DropDisabled.Add(1)
		return
	}
	t.touch(ev.TSNS, now)

	s := t.Stream(ev.Direction)
	if err := s.Insert(ev.Seq, ev.TSNS, ev.Payload); err != nil {
		t.log.Debug("conflicting retransmission, disabling tracker",
			zap.String("conn", t.id.String()),
			zap.Error(err),
		)
		t.disable()
		return
	}

	if ev.Truncated() {
		start := ev.Seq + uint64(len(ev.Payload))
		s.AddKnownLoss(start, ev.Seq+ev.OrigLen)
	}
}

func (t *Tracker) touch(tsns uint64, now time.Time) {
	t.lastActivity = now
	if tsns > t.lastBPFTSNS {
		t.lastBPFTSNS = tsns
	}
}

// MarkProcessDead records that the owning process no longer exists.
func (t *Tracker) MarkProcessDead() { t.deadProcObserved = true }

// MarkSuperseded freezes the tracker after a newer generation appeared
// on the same (tgid, fd).
func (t *Tracker) MarkSuperseded() {
	if t.state == StateCollecting {
		t.state = StateReadyForDestruction
	}
}

func (t *Tracker) disable() {
	if t.state != StateDisabled {
		t.state = StateDisabled
		t.stats.TrackersDisabled.Add(1)
		// Reclaim buffers immediately; a disabled tracker never parses.
		t.egress = newDataStream(event.Egress)
		t.ingress = newDataStream(event.Ingress)
	}
}

// ProcessFrames classifies the connection if needed, advances gap
// handling, and runs the protocol parser over each stream's contiguous
// prefix.
func (t *Tracker) ProcessFrames(now time.Time) {
	if t.state == StateDisabled {
		return
	}

	if t.proto == protocol.Unknown {
		t.classify()
		if t.state == StateDisabled {
			return
		}
	}

	for _, s := range [...]*DataStream{t.egress, t.ingress} {
		gapsBefore := s.Gaps
		droppedBefore := s.DroppedBytes
		s.maybeSkipGap(now, t.limits.MaxStreamBytes, t.limits.GapTimeout)
		t.stats.ReassemblyGaps.Add(int64(s.Gaps - gapsBefore))
		t.stats.BytesDropped.Add(int64(s.DroppedBytes - droppedBefore))

		if t.parser == nil {
			continue
		}
		t.parseStream(s)
		if t.state == StateDisabled {
			return
		}
	}
}

// classify inspects the leading bytes of either direction. A definite
// answer fixes the protocol; an indecisive full window disables the
// tracker to reclaim memory.
func (t *Tracker) classify() {
	egHead, _ := t.egress.contiguousHead()
	inHead, _ := t.ingress.contiguousHead()

	p := protocol.Classify(egHead)
	if p == protocol.Unknown {
		p = protocol.Classify(inHead)
	}

	if p != protocol.Unknown {
		t.proto = p
		t.parser = protocol.NewParser(p, t.renderer)
		t.matcher = newMatcher(p)
		return
	}

	if len(egHead) >= t.limits.ClassifyWindow || len(inHead) >= t.limits.ClassifyWindow {
		t.log.Debug("unclassifiable connection, disabling tracker",
			zap.String("conn", t.id.String()),
		)
		t.disable()
	}
}

func (t *Tracker) parseStream(s *DataStream) {
	for {
		head, tsFn := s.contiguousHead()
		if len(head) == 0 {
			return
		}

		if s.needsResync {
			skip := t.parser.Resync(head, s.dir)
			if skip >= len(head) {
				s.Consume(len(head))
				return
			}
			if skip > 0 {
				s.Consume(skip)
			}
			s.needsResync = false
			continue
		}

		consumed, frames, err := t.parser.ParseFrames(head, s.dir, s.nextSeq, tsFn)
		s.Consume(consumed)
		for _, f := range frames {
			if dropped := s.pushFrame(f, t.limits.MaxFramesBuffered); dropped > 0 {
				t.stats.RecordsOrphaned.Add(int64(dropped))
			}
		}

		if err == nil {
			return
		}

		t.stats.ParseErrors.Add(1)
		t.parseErrors++

		pe, ok := err.(*protocol.ParseError)
		if !ok || !pe.Recoverable || t.parseErrors > t.limits.ParseErrorBudget {
			t.disable()
			return
		}

		// Recoverable: step past the poison and try again.
		head, _ = s.contiguousHead()
		if len(head) == 0 {
			return
		}
		step := 1
		if t.proto != protocol.HTTP {
			if step = t.parser.Resync(head, s.dir); step < 1 {
				step = 1
			}
		}
		if step >= len(head) {
			s.Consume(len(head))
			return
		}
		s.Consume(step)
	}
}

// MatchRecords drains parsed frames through the request/response
// matcher and returns completed records.
func (t *Tracker) MatchRecords(now time.Time) []Record {
	if t.matcher == nil {
		return nil
	}

	// Merge both directions by kernel timestamp so requests reach the
	// matcher before their responses regardless of connection role.
	frames := append(t.egress.drainFrames(), t.ingress.drainFrames()...)
	sort.SliceStable(frames, func(i, j int) bool { return frames[i].TSNS < frames[j].TSNS })

	var records []Record
	for _, f := range frames {
		if rec, ok := t.matcher.add(f, now); ok {
			records = append(records, t.finish(rec))
		}
	}
	for _, rec := range t.matcher.expire(now, t.limits.ReqTimeout) {
		records = append(records, t.finish(rec))
	}
	return records
}

func (t *Tracker) finish(rec Record) Record {
	rec.ID = t.id
	rec.Remote = t.remote
	rec.Proto = t.proto
	if rec.Req != nil && rec.Resp != nil && rec.Resp.TSNS > rec.Req.TSNS {
		rec.LatencyNS = rec.Resp.TSNS - rec.Req.TSNS
	}
	if rec.Orphan {
		t.stats.RecordsOrphaned.Add(1)
	} else {
		t.stats.RecordsMatched.Add(1)
	}
	return rec
}

// Cleanup advances the lifecycle state. Called once per transfer tick.
func (t *Tracker) Cleanup(now time.Time) {
	switch t.state {
	case StateCollecting:
		switch {
		case t.closeObserved && t.egress.Drained() && t.ingress.Drained():
			t.state = StateReadyForDestruction
		case t.deadProcObserved:
			t.state = StateReadyForDestruction
		case !t.lastActivity.IsZero() && now.Sub(t.lastActivity) > t.limits.InactivityTTL:
			t.state = StateReadyForDestruction
		}
	case StateDisabled:
		if t.closeObserved || t.deadProcObserved ||
			(!t.lastActivity.IsZero() && now.Sub(t.lastActivity) > t.limits.InactivityTTL) {
			t.state = StateReadyForDestruction
		}
	}
}

// tickDestruction counts transfer ticks spent in ReadyForDestruction
// and reports whether the one-tick grace period has elapsed.
func (t *Tracker) tickDestruction() bool {
	if t.state != StateReadyForDestruction {
		return false
	}
	t.ticksSinceReady++
	return t.ticksSinceReady >= 2
}
