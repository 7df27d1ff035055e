// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	collectortracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/mbeema/socktracer/pkg/config"
	"github.com/mbeema/socktracer/pkg/protocol"
	"github.com/mbeema/socktracer/pkg/tracker"
)

// OTLPExporter mirrors matched records to an OTLP collector as spans.
type OTLPExporter struct {
	cfg    *config.OTLPConfig
	logger *zap.Logger

	mu     sync.Mutex
	conn   *grpc.ClientConn
	client collectortracepb.TraceServiceClient
}

// NewOTLPExporter creates and connects the exporter.
func NewOTLPExporter(cfg *config.OTLPConfig, logger *zap.Logger) (*OTLPExporter, error) {
	e := &OTLPExporter{cfg: cfg, logger: logger}
	if err := e.connect(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *OTLPExporter) connect() error {
	opts := []grpc.DialOption{}
	if e.cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
	}

	conn, err := grpc.Dial(e.cfg.Endpoint, opts...)
	if err != nil {
		return fmt.Errorf("dial OTLP endpoint %s: %w", e.cfg.Endpoint, err)
	}

	e.conn = conn
	e.client = collectortracepb.NewTraceServiceClient(conn)
	e.logger.Info("OTLP exporter connected", zap.String("endpoint", e.cfg.Endpoint))
	return nil
}

// ExportRecords converts records to spans and ships one batch.
func (e *OTLPExporter) ExportRecords(ctx context.Context, records []*tracker.Record) error {
	if len(records) == 0 {
		return nil
	}

	spans := make([]*tracepb.Span, 0, len(records))
	for _, rec := range records {
		if s := convertRecord(rec); s != nil {
			spans = append(spans, s)
		}
	}
	if len(spans) == 0 {
		return nil
	}

	req := &collectortracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource: &resourcepb.Resource{
				Attributes: []*commonpb.KeyValue{strAttr("service.name", "socktracer")},
			},
			ScopeSpans: []*tracepb.ScopeSpans{{
				Scope: &commonpb.InstrumentationScope{Name: "socktracer"},
				Spans: spans,
			}},
		}},
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if len(e.cfg.Headers) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, metadata.New(e.cfg.Headers))
	}

	e.mu.Lock()
	client := e.client
	e.mu.Unlock()

	_, err := client.Export(ctx, req)
	if err != nil {
		return fmt.Errorf("export %d spans: %w", len(spans), err)
	}
	return nil
}

// convertRecord builds a span whose duration is the request/response
// latency. Kernel timestamps are exported as-is.
func convertRecord(rec *tracker.Record) *tracepb.Span {
	traceID, err := hex.DecodeString(newTraceID())
	if err != nil {
		return nil
	}
	spanID, err := hex.DecodeString(newSpanID())
	if err != nil {
		return nil
	}

	var start, end uint64
	if rec.Req != nil {
		start = rec.Req.TSNS
	}
	if rec.Resp != nil {
		end = rec.Resp.TSNS
	}
	if start == 0 {
		start = end
	}
	if end < start {
		end = start
	}

	attrs := []*commonpb.KeyValue{
		strAttr("network.protocol.name", rec.Proto.String()),
		intAttr("process.pid", int64(rec.ID.TGID)),
		strAttr("network.peer.address", rec.Remote.Addr),
		intAttr("network.peer.port", int64(rec.Remote.Port)),
	}

	status := &tracepb.Status{Code: tracepb.Status_STATUS_CODE_UNSET}
	switch rec.Proto {
	case protocol.HTTP:
		if rec.Req != nil && rec.Req.HTTP != nil {
			attrs = append(attrs,
				strAttr("http.request.method", rec.Req.HTTP.Method),
				strAttr("url.path", rec.Req.HTTP.Path),
			)
		}
		if rec.Resp != nil && rec.Resp.HTTP != nil {
			attrs = append(attrs, intAttr("http.response.status_code", int64(rec.Resp.HTTP.StatusCode)))
			if rec.Resp.HTTP.StatusCode >= 500 {
				status.Code = tracepb.Status_STATUS_CODE_ERROR
			}
		}
	case protocol.HTTP2:
		if rec.Req != nil && rec.Req.GRPC != nil {
			attrs = append(attrs,
				strAttr("rpc.service", rec.Req.GRPC.Service),
				strAttr("rpc.method", rec.Req.GRPC.Method),
			)
		}
		if rec.Resp != nil && rec.Resp.GRPC != nil {
			attrs = append(attrs, intAttr("rpc.grpc.status_code", int64(rec.Resp.GRPC.GRPCStatus)))
			if rec.Resp.GRPC.GRPCStatus != 0 {
				status.Code = tracepb.Status_STATUS_CODE_ERROR
				status.Message = rec.Resp.GRPC.GRPCErrMsg
			}
		}
	case protocol.MySQL:
		if rec.Req != nil && rec.Req.MySQL != nil {
			attrs = append(attrs,
				strAttr("db.system", "mysql"),
				strAttr("db.statement", rec.Req.MySQL.Statement),
			)
		}
		if rec.Resp != nil && rec.Resp.MySQL != nil && rec.Resp.MySQL.RespStatus == "err" {
			status.Code = tracepb.Status_STATUS_CODE_ERROR
			status.Message = rec.Resp.MySQL.ErrorMessage
		}
	}

	return &tracepb.Span{
		TraceId:           traceID,
		SpanId:            spanID,
		Name:              recordName(rec),
		Kind:              tracepb.Span_SPAN_KIND_CLIENT,
		StartTimeUnixNano: start,
		EndTimeUnixNano:   end,
		Attributes:        attrs,
		Status:            status,
	}
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}},
	}
}

// Shutdown closes the client connection.
func (e *OTLPExporter) Shutdown(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	return err
}
