// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package tracker

import (
	"time"

	"github.com/mbeema/socktracer/pkg/protocol"
)

// pendingReq is an unmatched request awaiting its response.
type pendingReq struct {
	frame protocol.Frame
	added time.Time
}

// matcher pairs request and response frames. HTTP/1.x and MySQL pair in
// FIFO order (pipelining-aware); gRPC pairs by HTTP/2 stream id.
type matcher struct {
	proto protocol.Protocol

	reqs    []pendingReq           // FIFO, HTTP and MySQL
	streams map[uint32]*pendingReq // gRPC, by stream id
	order   []uint32               // gRPC insertion order for expiry
}

func newMatcher(proto protocol.Protocol) *matcher {
	m := &matcher{proto: proto}
	if proto == protocol.HTTP2 {
		m.streams = make(map[uint32]*pendingReq)
	}
	return m
}

// add feeds one frame through the matcher, returning a completed record
// if the frame closed a pair (or is itself a complete record).
func (m *matcher) add(f protocol.Frame, now time.Time) (Record, bool) {
	if m.proto == protocol.HTTP2 {
		return m.addHTTP2(f, now)
	}
	return m.addFIFO(f, now)
}

func (m *matcher) addFIFO(f protocol.Frame, now time.Time) (Record, bool) {
	if f.IsRequest() {
		// Commands with no server response complete immediately.
		if f.Proto == protocol.MySQL && f.MySQL.NoResponse {
			req := f
			return Record{Req: &req}, true
		}
		m.reqs = append(m.reqs, pendingReq{frame: f, added: now})
		return Record{}, false
	}

	resp := f
	if len(m.reqs) == 0 {
		// Orphan response: no request observed on this connection.
		return Record{Resp: &resp, Orphan: true}, true
	}

	req := m.reqs[0].frame
	m.reqs = m.reqs[1:]
	return Record{Req: &req, Resp: &resp}, true
}

func (m *matcher) addHTTP2(f protocol.Frame, now time.Time) (Record, bool) {
	id := f.GRPC.StreamID

	if f.IsRequest() {
		m.streams[id] = &pendingReq{frame: f, added: now}
		m.order = append(m.order, id)
		return Record{}, false
	}

	resp := f
	req, ok := m.streams[id]
	if !ok {
		return Record{Resp: &resp, Orphan: true}, true
	}
	delete(m.streams, id)
	return Record{Req: &req.frame, Resp: &resp}, true
}

// expire emits requests that have waited longer than reqTimeout as
// orphan records and drops them.
func (m *matcher) expire(now time.Time, reqTimeout time.Duration) []Record {
	var out []Record

	if m.proto == protocol.HTTP2 {
		kept := m.order[:0]
		for _, id := range m.order {
			req, ok := m.streams[id]
			if !ok {
				continue
			}
			if now.Sub(req.added) > reqTimeout {
				f := req.frame
				out = append(out, Record{Req: &f, Orphan: true})
				delete(m.streams, id)
				continue
			}
			kept = append(kept, id)
		}
		m.order = kept
		return out
	}

	for len(m.reqs) > 0 && now.Sub(m.reqs[0].added) > reqTimeout {
		f := m.reqs[0].frame
		m.reqs = m.reqs[1:]
		out = append(out, Record{Req: &f, Orphan: true})
	}
	return out
}

// pendingRequests returns the number of unmatched requests.
func (m *matcher) pendingRequests() int {
	if m.proto == protocol.HTTP2 {
		return len(m.streams)
	}
	return len(m.reqs)
}
