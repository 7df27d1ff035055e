// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package tracker

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/mbeema/socktracer/pkg/event"
	"github.com/mbeema/socktracer/pkg/protocol"
)

// pendingRange is one buffered byte range, keyed by its kernel sequence
// number. Ranges are kept sorted and non-overlapping; each remembers the
// timestamp of the event that carried it.
type pendingRange struct {
	seq  uint64
	ts   uint64
	data []byte
}

func (r *pendingRange) end() uint64 { return r.seq + uint64(len(r.data)) }

// lostRange is a byte range known to be missing (payload truncation),
// so the stream can advance past it without waiting for a gap timeout.
type lostRange struct {
	start, end uint64
}

// DataStream reassembles one direction of a connection's byte flow from
// out-of-order events and presents a contiguous prefix to the parser.
type DataStream struct {
	dir event.Direction

	nextSeq  uint64
	pending  []pendingRange
	buffered int

	lost []lostRange

	gapDeadline time.Time
	needsResync bool

	// Gaps and DroppedBytes accumulate over the stream's lifetime.
	Gaps         int
	DroppedBytes int

	frames []protocol.Frame
}

func newDataStream(dir event.Direction) *DataStream {
	return &DataStream{dir: dir}
}

// NextSeq returns the next expected sequence number. It never
// decreases.
func (s *DataStream) NextSeq() uint64 { return s.nextSeq }

// Buffered returns the number of pending bytes.
func (s *DataStream) Buffered() int { return s.buffered }

// Drained reports whether no unconsumed bytes remain.
func (s *DataStream) Drained() bool { return len(s.pending) == 0 }

// Insert adds the range [seq, seq+len(data)) to the stream. Duplicate
// and partially overlapping deliveries are verified byte-for-byte
// against what is already buffered; a mismatch is an error and the
// caller disables the tracker. data must be an owned copy.
func (s *DataStream) Insert(seq, ts uint64, data []byte) error {
	end := seq + uint64(len(data))
	if end <= s.nextSeq || len(data) == 0 {
		return nil // entirely consumed already
	}
	if seq < s.nextSeq {
		data = data[s.nextSeq-seq:]
		seq = s.nextSeq
	}

	// First pending range that ends after seq.
	i := sort.Search(len(s.pending), func(i int) bool {
		return s.pending[i].end() > seq
	})

	cur := seq
	rem := data
	for len(rem) > 0 {
		if i >= len(s.pending) {
			s.insertAt(i, cur, ts, rem)
			break
		}
		p := &s.pending[i]

		if cur < p.seq {
			n := len(rem)
			if gap := p.seq - cur; uint64(n) > gap {
				n = int(gap)
			}
			s.insertAt(i, cur, ts, rem[:n])
			cur += uint64(n)
			rem = rem[n:]
			i++ // skip the segment we just inserted
			continue
		}

		// cur lies inside p: verify the overlap.
		off := cur - p.seq
		n := len(p.data) - int(off)
		if n > len(rem) {
			n = len(rem)
		}
		if !bytes.Equal(p.data[off:int(off)+n], rem[:n]) {
			return fmt.Errorf("overlapping range mismatch at seq %d", cur)
		}
		cur += uint64(n)
		rem = rem[n:]
		i++
	}

	return nil
}

func (s *DataStream) insertAt(i int, seq, ts uint64, data []byte) {
	seg := pendingRange{seq: seq, ts: ts, data: data}
	s.pending = append(s.pending, pendingRange{})
	copy(s.pending[i+1:], s.pending[i:])
	s.pending[i] = seg
	s.buffered += len(data)
}

// AddKnownLoss records [start, end) as unrecoverably missing.
func (s *DataStream) AddKnownLoss(start, end uint64) {
	if end <= start || end <= s.nextSeq {
		return
	}
	s.lost = append(s.lost, lostRange{start: start, end: end})
	sort.Slice(s.lost, func(i, j int) bool { return s.lost[i].start < s.lost[j].start })
}

// contiguousHead returns the contiguous prefix starting at nextSeq and
// a timestamp lookup for offsets within it.
func (s *DataStream) contiguousHead() ([]byte, protocol.TimestampFn) {
	cursor := s.nextSeq
	total := 0
	n := 0
	for _, p := range s.pending {
		if p.seq != cursor {
			break
		}
		total += len(p.data)
		cursor = p.end()
		n++
	}
	if n == 0 {
		return nil, nil
	}

	type tsMark struct {
		off int
		ts  uint64
	}
	marks := make([]tsMark, 0, n)
	buf := make([]byte, 0, total)
	for _, p := range s.pending[:n] {
		marks = append(marks, tsMark{off: len(buf), ts: p.ts})
		buf = append(buf, p.data...)
	}

	tsFn := func(off int) uint64 {
		i := sort.Search(len(marks), func(i int) bool { return marks[i].off > off })
		if i == 0 {
			return marks[0].ts
		}
		return marks[i-1].ts
	}
	return buf, tsFn
}

// Consume advances nextSeq by n bytes, releasing buffered ranges.
func (s *DataStream) Consume(n int) {
	if n <= 0 {
		return
	}
	target := s.nextSeq + uint64(n)
	for len(s.pending) > 0 {
		p := &s.pending[0]
		if p.end() <= target {
			s.buffered -= len(p.data)
			s.pending = s.pending[1:]
			continue
		}
		if p.seq < target {
			cut := int(target - p.seq)
			p.data = p.data[cut:]
			p.seq = target
			s.buffered -= cut
		}
		break
	}
	s.nextSeq = target
	s.gapDeadline = time.Time{}
	s.dropStaleLoss()
}

func (s *DataStream) dropStaleLoss() {
	for len(s.lost) > 0 && s.lost[0].end <= s.nextSeq {
		s.lost = s.lost[1:]
	}
}

// contigEnd returns the end of the contiguous run starting at nextSeq.
func (s *DataStream) contigEnd() uint64 {
	cursor := s.nextSeq
	for _, p := range s.pending {
		if p.seq > cursor {
			break
		}
		if p.end() > cursor {
			cursor = p.end()
		}
	}
	return cursor
}

// skipTo discards everything below target and advances nextSeq to it.
func (s *DataStream) skipTo(target uint64) {
	if target <= s.nextSeq {
		return
	}
	for len(s.pending) > 0 {
		p := &s.pending[0]
		if p.end() <= target {
			s.buffered -= len(p.data)
			s.pending = s.pending[1:]
			continue
		}
		if p.seq < target {
			cut := int(target - p.seq)
			p.data = p.data[cut:]
			p.seq = target
			s.buffered -= cut
		}
		break
	}
	s.nextSeq = target
	s.gapDeadline = time.Time{}
	s.dropStaleLoss()
}

// maybeSkipGap enforces the memory bound and advances past holes that
// have blocked progress beyond the gap timeout or are known lost.
// Returns true if any bytes were skipped. Evaluated at transfer ticks.
func (s *DataStream) maybeSkipGap(now time.Time, maxBytes int, gapTimeout time.Duration) bool {
	skipped := false

	// Memory bound: drop oldest ranges until under the limit.
	for s.buffered > maxBytes && len(s.pending) > 0 {
		p := s.pending[0]
		s.buffered -= len(p.data)
		s.pending = s.pending[1:]
		if p.end() > s.nextSeq {
			s.nextSeq = p.end()
		}
		s.DroppedBytes += len(p.data)
		s.Gaps++
		skipped = true
	}

	// Truncation loss at the contiguous frontier needs no timeout: the
	// bytes are known to be gone.
	s.dropStaleLoss()
	if len(s.lost) > 0 && s.lost[0].start <= s.contigEnd() {
		target := s.lost[0].end
		s.lost = s.lost[1:]
		s.skipTo(target)
		s.Gaps++
		skipped = true
	}

	// A pending range beyond the contiguous frontier is a hole. Arm the
	// deadline; parser progress (Consume) resets it.
	frontier := s.contigEnd()
	hole := -1
	for i := range s.pending {
		if s.pending[i].seq > frontier {
			hole = i
			break
		}
	}
	if hole < 0 {
		s.gapDeadline = time.Time{}
		if skipped {
			s.needsResync = true
		}
		return skipped
	}

	if s.gapDeadline.IsZero() {
		s.gapDeadline = now.Add(gapTimeout)
	} else if !now.Before(s.gapDeadline) {
		s.skipTo(s.pending[hole].seq)
		s.Gaps++
		skipped = true
	}

	if skipped {
		s.needsResync = true
	}
	return skipped
}

// pushFrame appends a parsed frame, dropping the oldest when the FIFO
// is full. Returns the number of frames dropped.
func (s *DataStream) pushFrame(f protocol.Frame, maxFrames int) int {
	dropped := 0
	if len(s.frames) >= maxFrames {
		s.frames = s.frames[1:]
		dropped = 1
	}
	s.frames = append(s.frames, f)
	return dropped
}

// drainFrames removes and returns all parsed frames.
func (s *DataStream) drainFrames() []protocol.Frame {
	if len(s.frames) == 0 {
		return nil
	}
	out := s.frames
	s.frames = nil
	return out
}
