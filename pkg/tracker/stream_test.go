// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package tracker

import (
	"bytes"
	"testing"
	"time"

	"github.com/mbeema/socktracer/pkg/event"
)

func head(t *testing.T, s *DataStream) []byte {
	t.Helper()
	b, _ := s.contiguousHead()
	return b
}

func TestStreamInOrder(t *testing.T) {
	s := newDataStream(event.Egress)

	if err := s.Insert(0, 100, []byte("hello ")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Insert(6, 200, []byte("world")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if got := head(t, s); !bytes.Equal(got, []byte("hello world")) {
		t.Errorf("head = %q, want %q", got, "hello world")
	}
	if s.Buffered() != 11 {
		t.Errorf("Buffered = %d, want 11", s.Buffered())
	}
}

func TestStreamOutOfOrder(t *testing.T) {
	s := newDataStream(event.Ingress)

	if err := s.Insert(6, 200, []byte("world")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if got := head(t, s); got != nil {
		t.Errorf("head before hole filled = %q, want empty", got)
	}

	if err := s.Insert(0, 100, []byte("hello ")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if got := head(t, s); !bytes.Equal(got, []byte("hello world")) {
		t.Errorf("head = %q, want %q", got, "hello world")
	}
}

func TestStreamDuplicateIsIdempotent(t *testing.T) {
	s := newDataStream(event.Egress)

	for i := 0; i < 2; i++ {
		if err := s.Insert(0, 100, []byte("hello")); err != nil {
			t.Fatalf("Insert #%d: %v", i, err)
		}
	}

	if s.Buffered() != 5 {
		t.Errorf("Buffered = %d after duplicate, want 5", s.Buffered())
	}
}

func TestStreamOverlapMismatch(t *testing.T) {
	s := newDataStream(event.Egress)

	if err := s.Insert(0, 100, []byte("hello")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Insert(3, 200, []byte("XXY")); err == nil {
		t.Fatal("expected error for conflicting overlap")
	}
}

func TestStreamOverlapEqualExtends(t *testing.T) {
	s := newDataStream(event.Egress)

	if err := s.Insert(0, 100, []byte("hello")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	// Overlapping re-delivery with matching prefix and new suffix.
	if err := s.Insert(3, 200, []byte("lo world")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if got := head(t, s); !bytes.Equal(got, []byte("hello world")) {
		t.Errorf("head = %q, want %q", got, "hello world")
	}
}

func TestStreamConsumeAdvances(t *testing.T) {
	s := newDataStream(event.Egress)
	s.Insert(0, 100, []byte("hello world"))

	s.Consume(6)
	if s.NextSeq() != 6 {
		t.Errorf("NextSeq = %d, want 6", s.NextSeq())
	}
	if got := head(t, s); !bytes.Equal(got, []byte("world")) {
		t.Errorf("head = %q, want %q", got, "world")
	}

	// A late event entirely below nextSeq is dropped.
	if err := s.Insert(0, 100, []byte("hello ")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if s.Buffered() != 5 {
		t.Errorf("Buffered = %d, want 5", s.Buffered())
	}
}

func TestStreamNextSeqMonotonic(t *testing.T) {
	s := newDataStream(event.Egress)
	now := time.Now()

	s.Insert(0, 100, []byte("abcd"))
	prev := s.NextSeq()
	s.Consume(4)
	if s.NextSeq() < prev {
		t.Fatal("NextSeq decreased after Consume")
	}

	prev = s.NextSeq()
	s.Insert(100, 200, []byte("later"))
	s.maybeSkipGap(now, 1<<20, time.Second)
	s.maybeSkipGap(now.Add(2*time.Second), 1<<20, time.Second)
	if s.NextSeq() < prev {
		t.Fatal("NextSeq decreased after gap skip")
	}
}

func TestStreamGapTimeout(t *testing.T) {
	s := newDataStream(event.Ingress)
	now := time.Now()

	s.Insert(0, 100, []byte("head"))
	s.Consume(4)
	s.Insert(100, 200, []byte("world"))

	// First evaluation arms the deadline, nothing skips yet.
	if s.maybeSkipGap(now, 1<<20, time.Second) {
		t.Fatal("gap skipped before timeout")
	}
	if got := head(t, s); got != nil {
		t.Errorf("head while blocked = %q, want empty", got)
	}

	// After the timeout, the stream jumps to the next range.
	if !s.maybeSkipGap(now.Add(1100*time.Millisecond), 1<<20, time.Second) {
		t.Fatal("gap not skipped after timeout")
	}
	if s.Gaps != 1 {
		t.Errorf("Gaps = %d, want 1", s.Gaps)
	}
	if got := head(t, s); !bytes.Equal(got, []byte("world")) {
		t.Errorf("head = %q, want %q", got, "world")
	}
	if !s.needsResync {
		t.Error("needsResync not set after gap skip")
	}
}

func TestStreamMemoryBound(t *testing.T) {
	s := newDataStream(event.Egress)
	now := time.Now()

	// Fill beyond the bound with a hole at the front so nothing is
	// consumable.
	s.Insert(10, 100, bytes.Repeat([]byte("a"), 600))
	s.Insert(700, 200, bytes.Repeat([]byte("b"), 600))

	s.maybeSkipGap(now, 1000, time.Second)
	if s.Buffered() > 1000 {
		t.Errorf("Buffered = %d, want <= 1000", s.Buffered())
	}
	if s.Gaps == 0 {
		t.Error("expected a recorded gap after dropping oldest ranges")
	}
	if s.DroppedBytes != 600 {
		t.Errorf("DroppedBytes = %d, want 600", s.DroppedBytes)
	}
}

func TestStreamKnownLossSkipsImmediately(t *testing.T) {
	s := newDataStream(event.Ingress)
	now := time.Now()

	// Truncated event: 5 of 100 bytes arrived.
	s.Insert(0, 100, []byte("trunc"))
	s.AddKnownLoss(5, 100)
	s.Insert(100, 200, []byte("next"))

	s.Consume(5)
	if s.maybeSkipGap(now, 1<<20, time.Hour) != true {
		t.Fatal("known loss should skip without waiting for the timeout")
	}
	if got := head(t, s); !bytes.Equal(got, []byte("next")) {
		t.Errorf("head = %q, want %q", got, "next")
	}
	if s.Gaps != 1 {
		t.Errorf("Gaps = %d, want 1", s.Gaps)
	}
}

func TestStreamTimestampAttribution(t *testing.T) {
	s := newDataStream(event.Egress)
	s.Insert(0, 111, []byte("aaaa"))
	s.Insert(4, 222, []byte("bbbb"))

	_, tsFn := s.contiguousHead()
	if tsFn == nil {
		t.Fatal("no timestamp fn for contiguous head")
	}
	if got := tsFn(0); got != 111 {
		t.Errorf("ts(0) = %d, want 111", got)
	}
	if got := tsFn(3); got != 111 {
		t.Errorf("ts(3) = %d, want 111", got)
	}
	if got := tsFn(4); got != 222 {
		t.Errorf("ts(4) = %d, want 222", got)
	}
}
