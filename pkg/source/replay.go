// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package source

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/mbeema/socktracer/pkg/event"
)

// ReplaySource feeds events back from a dump file written by
// DumpWriter. Used for offline debugging of captured traffic.
type ReplaySource struct {
	path   string
	logger *zap.Logger

	reader *DumpReader
	cb     Callbacks
	done   bool
}

var _ Source = (*ReplaySource)(nil)

// NewReplaySource creates a replay source over a dump file.
func NewReplaySource(path string, logger *zap.Logger) *ReplaySource {
	return &ReplaySource{path: path, logger: logger}
}

// Start opens the dump file.
func (r *ReplaySource) Start(_ context.Context, cb Callbacks) error {
	reader, err := OpenDump(r.path)
	if err != nil {
		return err
	}
	r.reader = reader
	r.cb = cb
	r.logger.Info("replaying events from dump", zap.String("path", r.path))
	return nil
}

// Poll dispatches up to maxBatch recorded events.
func (r *ReplaySource) Poll(maxBatch int) (int, error) {
	if r.reader == nil {
		return 0, fmt.Errorf("replay source not started")
	}
	if r.done {
		return 0, nil
	}

	dispatched := 0
	for dispatched < maxBatch {
		kind, raw, err := r.reader.Next()
		if err == io.EOF {
			r.done = true
			return dispatched, nil
		}
		if err != nil {
			return dispatched, err
		}

		switch kind {
		case dumpKindControl:
			ev, err := event.ParseControlEvent(raw)
			if err != nil {
				r.malformed(ControlBufferName, err)
				continue
			}
			if r.cb.OnControl != nil {
				r.cb.OnControl(&ev)
			}
		case dumpKindData:
			ev, err := event.ParseDataEvent(raw)
			if err != nil {
				r.malformed(DataBufferName, err)
				continue
			}
			if r.cb.OnData != nil {
				r.cb.OnData(&ev)
			}
		default:
			return dispatched, fmt.Errorf("unknown dump record kind %d", kind)
		}
		dispatched++
	}
	return dispatched, nil
}

func (r *ReplaySource) malformed(buffer string, err error) {
	if r.cb.OnMalformed != nil {
		r.cb.OnMalformed(buffer, err)
	}
}

// Exhausted reports whether the dump has been fully replayed.
func (r *ReplaySource) Exhausted() bool { return r.done }

// Stop closes the dump file.
func (r *ReplaySource) Stop() error {
	if r.reader == nil {
		return nil
	}
	return r.reader.Close()
}

// Name returns the source name.
func (r *ReplaySource) Name() string { return "replay" }
