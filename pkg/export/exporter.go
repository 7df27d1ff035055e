// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package export ships matched records to external sinks. The columnar
// tables remain the primary output; exporters are optional mirrors.
package export

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/mbeema/socktracer/pkg/protocol"
	"github.com/mbeema/socktracer/pkg/tracker"
)

// Exporter ships a batch of matched records.
type Exporter interface {
	ExportRecords(ctx context.Context, records []*tracker.Record) error
	Shutdown(ctx context.Context) error
}

// recordName builds a display name for a record.
func recordName(rec *tracker.Record) string {
	switch rec.Proto {
	case protocol.HTTP:
		if rec.Req != nil && rec.Req.HTTP != nil {
			return rec.Req.HTTP.Method + " " + rec.Req.HTTP.Path
		}
		return "HTTP"
	case protocol.HTTP2:
		if rec.Req != nil && rec.Req.GRPC != nil && rec.Req.GRPC.Path != "" {
			return rec.Req.GRPC.Path
		}
		return "gRPC"
	case protocol.MySQL:
		if rec.Req != nil && rec.Req.MySQL != nil {
			stmt := rec.Req.MySQL.Statement
			if len(stmt) > 50 {
				stmt = stmt[:50] + "..."
			}
			return "MySQL " + stmt
		}
		return "MySQL"
	default:
		return "record"
	}
}

func newTraceID() string {
	var b [16]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func newSpanID() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
