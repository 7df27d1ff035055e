// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package connector owns the single-threaded core loop: it polls the
// event source, routes events through the tracker map, and runs the
// periodic transfer stage that parses streams, matches records and
// appends rows to the output tables.
package connector

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/mbeema/socktracer/pkg/config"
	"github.com/mbeema/socktracer/pkg/event"
	"github.com/mbeema/socktracer/pkg/export"
	"github.com/mbeema/socktracer/pkg/grpcdesc"
	"github.com/mbeema/socktracer/pkg/health"
	"github.com/mbeema/socktracer/pkg/protocol"
	"github.com/mbeema/socktracer/pkg/source"
	"github.com/mbeema/socktracer/pkg/table"
	"github.com/mbeema/socktracer/pkg/tracker"
)

// deadProcSweepInterval bounds how often tracked processes are checked
// for liveness.
const deadProcSweepInterval = 30 * time.Second

// Connector wires the event source to the tracker map and output
// tables. All tracker state is owned by the goroutine running Run; the
// only producer boundary is the kernel side of the event source.
type Connector struct {
	cfg    *config.Config
	logger *zap.Logger
	stats  *health.Stats

	src      source.Source
	trackers *tracker.Map

	httpTable  *table.Table
	mysqlTable *table.Table

	headerFilter HTTPHeaderFilter
	selfPID      uint32

	exporters []export.Exporter
	pending   []*tracker.Record

	lastDeadSweep time.Time
}

// New creates a connector. The descriptor database is loaded here when
// protobuf parsing is enabled; failures are fatal at startup only.
func New(cfg *config.Config, src source.Source, stats *health.Stats, logger *zap.Logger) (*Connector, error) {
	var renderer protocol.PayloadRenderer
	if cfg.Tracing.ParseProtobufs {
		db, err := grpcdesc.Load(cfg.Tracing.DescriptorSetPath)
		if err != nil {
			return nil, fmt.Errorf("load descriptor database: %w", err)
		}
		logger.Info("descriptor database loaded",
			zap.String("path", cfg.Tracing.DescriptorSetPath),
			zap.Int("methods", db.NumMethods()),
		)
		renderer = db
	}

	limits := tracker.Limits{
		GapTimeout:        cfg.Limits.GapTimeout,
		ReqTimeout:        cfg.Limits.ReqTimeout,
		InactivityTTL:     cfg.Limits.InactivityTTL,
		MaxStreamBytes:    cfg.Limits.MaxStreamBytes,
		ClassifyWindow:    cfg.Limits.ClassifyWindow,
		ParseErrorBudget:  cfg.Limits.ParseErrorBudget,
		MaxFramesBuffered: cfg.Limits.MaxFramesBuffered,
		MaxTrackers:       cfg.Limits.MaxTrackers,
	}

	c := &Connector{
		cfg:          cfg,
		logger:       logger,
		stats:        stats,
		src:          src,
		trackers:     tracker.NewMap(limits, renderer, stats, logger),
		httpTable:    table.New(table.HTTPSchema),
		mysqlTable:   table.New(table.MySQLSchema),
		headerFilter: ParseHTTPHeaderFilters(cfg.Tracing.HTTPResponseHeaderFilters),
		selfPID:      uint32(os.Getpid()),
	}
	return c, nil
}

// AddExporter registers an optional record exporter.
func (c *Connector) AddExporter(e export.Exporter) {
	c.exporters = append(c.exporters, e)
}

// HTTPTable returns the http_events output table.
func (c *Connector) HTTPTable() *table.Table { return c.httpTable }

// MySQLTable returns the mysql_events output table.
func (c *Connector) MySQLTable() *table.Table { return c.mysqlTable }

// Trackers returns the tracker map. Only safe to touch from the loop
// goroutine; exposed for tests and diagnostics.
func (c *Connector) Trackers() *tracker.Map { return c.trackers }

func (c *Connector) callbacks() source.Callbacks {
	return source.Callbacks{
		OnData: func(ev *event.DataEvent) {
			c.stats.DataEvents.Add(1)
			c.stats.BytesReceived.Add(int64(len(ev.Payload)))
			c.trackers.AcceptData(ev, time.Now())
		},
		OnControl: func(ev *event.ControlEvent) {
			c.stats.ControlEvents.Add(1)
			c.trackers.AcceptControl(ev, time.Now())
		},
		OnLoss: func(buffer string, count uint64) {
			c.stats.EventsLost.Add(int64(count))
			c.logger.Debug("kernel buffer overrun",
				zap.String("buffer", buffer),
				zap.Uint64("lost", count),
			)
		},
		OnMalformed: func(buffer string, err error) {
			c.stats.DropMalformed.Add(1)
			c.logger.Debug("malformed event",
				zap.String("buffer", buffer),
				zap.Error(err),
			)
		},
	}
}

// Start attaches the event source.
func (c *Connector) Start(ctx context.Context) error {
	return c.src.Start(ctx, c.callbacks())
}

// Run polls and transfers until the context is cancelled, then drains
// one final tick and shuts the source down.
func (c *Connector) Run(ctx context.Context) error {
	pollTicker := time.NewTicker(c.cfg.Source.SamplingPeriod)
	defer pollTicker.Stop()
	pushTicker := time.NewTicker(c.cfg.Tracing.PushPeriod)
	defer pushTicker.Stop()

	c.logger.Info("connector running",
		zap.Duration("sampling_period", c.cfg.Source.SamplingPeriod),
		zap.Duration("push_period", c.cfg.Tracing.PushPeriod),
	)

	for {
		select {
		case <-ctx.Done():
			// Final tick: drain the buffers once more, flush records,
			// then detach probes.
			if _, err := c.src.Poll(c.cfg.Source.MaxBatch); err != nil {
				c.logger.Debug("final poll failed", zap.Error(err))
			}
			c.TransferOnce(time.Now())
			err := c.src.Stop()
			c.flushExporters(context.Background())
			c.logger.Info("connector stopped")
			return err

		case <-pollTicker.C:
			if _, err := c.src.Poll(c.cfg.Source.MaxBatch); err != nil {
				c.logger.Warn("poll failed", zap.Error(err))
			}

		case <-pushTicker.C:
			c.TransferOnce(time.Now())
			c.flushExporters(ctx)
		}
	}
}

// TransferOnce runs one transfer tick: parse, match, filter, append,
// cleanup, evict. Exposed for replay mode and tests.
func (c *Connector) TransferOnce(now time.Time) {
	c.trackers.Range(func(t *tracker.Tracker) {
		t.ProcessFrames(now)
		for _, rec := range t.MatchRecords(now) {
			rec := rec
			c.appendRecord(&rec)
		}
		t.Cleanup(now)
	})

	if now.Sub(c.lastDeadSweep) >= deadProcSweepInterval {
		c.deadProcSweep()
		c.lastDeadSweep = now
	}

	c.trackers.RemoveDestroyed()
	health.SetActiveTrackers(c.trackers.Count())
}

// appendRecord applies filters and appends one record to its table.
func (c *Connector) appendRecord(rec *tracker.Record) {
	if c.cfg.Tracing.DisableSelfTracing && rec.ID.TGID == c.selfPID {
		c.stats.RecordsFiltered.Add(1)
		return
	}

	// Timed-out requests are accounted as orphans but produce no row;
	// orphan responses keep their row with empty request fields.
	if rec.Orphan && rec.Resp == nil {
		return
	}

	var err error
	switch rec.Proto {
	case protocol.HTTP:
		if !c.cfg.Tracing.HTTP.Enabled || !c.selectHTTP(rec) {
			c.stats.RecordsFiltered.Add(1)
			return
		}
		err = c.appendHTTP(rec)
	case protocol.HTTP2:
		if !c.cfg.Tracing.GRPC.Enabled {
			c.stats.RecordsFiltered.Add(1)
			return
		}
		err = c.appendGRPC(rec)
	case protocol.MySQL:
		if !c.cfg.Tracing.MySQL.Enabled {
			c.stats.RecordsFiltered.Add(1)
			return
		}
		err = c.appendMySQL(rec)
	default:
		return
	}

	if err != nil {
		c.logger.Warn("table append failed", zap.Error(err))
		return
	}
	c.stats.RowsAppended.Add(1)

	if len(c.exporters) > 0 {
		c.pending = append(c.pending, rec)
	}
}

func (c *Connector) selectHTTP(rec *tracker.Record) bool {
	if c.headerFilter.Empty() || rec.Resp == nil || rec.Resp.HTTP == nil {
		return true
	}
	return c.headerFilter.Matches(rec.Resp.HTTP.Headers)
}

func (c *Connector) appendHTTP(rec *tracker.Record) error {
	var (
		method, path, reqHeaders, reqBody string
		respMsg, respHeaders, respBody    string
		major, minor, status              int
	)

	if req := rec.Req; req != nil && req.HTTP != nil {
		method = req.HTTP.Method
		path = req.HTTP.Path
		reqHeaders = req.HTTP.HeaderBlock()
		reqBody = string(req.HTTP.Body)
		major = req.HTTP.Major
		minor = req.HTTP.Minor
	}
	if resp := rec.Resp; resp != nil && resp.HTTP != nil {
		status = resp.HTTP.StatusCode
		respMsg = resp.HTTP.StatusMessage
		respHeaders = resp.HTTP.HeaderBlock()
		respBody = string(resp.HTTP.Body)
		if major == 0 {
			major = resp.HTTP.Major
			minor = resp.HTTP.Minor
		}
	}

	return c.httpTable.AppendRow(
		recordTimeNS(rec),
		int64(rec.ID.TGID),
		int64(rec.ID.FD),
		rec.Remote.Addr,
		int64(rec.Remote.Port),
		int64(major),
		int64(minor),
		method,
		path,
		reqHeaders,
		reqBody,
		int64(status),
		respMsg,
		respHeaders,
		respBody,
		rec.LatencyNS,
	)
}

func (c *Connector) appendGRPC(rec *tracker.Record) error {
	var (
		path, reqHeaders, reqBody string
		respHeaders, respBody     string
		status                    int
	)

	if req := rec.Req; req != nil && req.GRPC != nil {
		path = req.GRPC.Path
		reqHeaders = req.GRPC.HeaderBlock()
		reqBody = renderGRPCBody(req.GRPC)
	}
	if r := rec.Resp; r != nil && r.GRPC != nil {
		status = r.GRPC.HTTPStatus
		respHeaders = r.GRPC.HeaderBlock()
		respBody = renderGRPCBody(r.GRPC)
	}

	return c.httpTable.AppendRow(
		recordTimeNS(rec),
		int64(rec.ID.TGID),
		int64(rec.ID.FD),
		rec.Remote.Addr,
		int64(rec.Remote.Port),
		int64(2),
		int64(0),
		"POST",
		path,
		reqHeaders,
		reqBody,
		int64(status),
		"",
		respHeaders,
		respBody,
		rec.LatencyNS,
	)
}

// renderGRPCBody prefers the descriptor-decoded form; without it, only
// the message length is emitted.
func renderGRPCBody(m *protocol.GRPCMessage) string {
	if m.Rendered != "" {
		return m.Rendered
	}
	if len(m.Payload) == 0 {
		return ""
	}
	return "<" + strconv.Itoa(m.PayloadSize()) + " bytes>"
}

func (c *Connector) appendMySQL(rec *tracker.Record) error {
	var cmd, body, respBody, respStatus string

	if req := rec.Req; req != nil && req.MySQL != nil {
		cmd = req.MySQL.CommandName
		body = req.MySQL.Body()
	}
	if r := rec.Resp; r != nil && r.MySQL != nil {
		respBody = r.MySQL.Body()
		respStatus = r.MySQL.RespStatus
	}

	return c.mysqlTable.AppendRow(
		recordTimeNS(rec),
		int64(rec.ID.TGID),
		int64(rec.ID.FD),
		rec.Remote.Addr,
		int64(rec.Remote.Port),
		cmd,
		body,
		respBody,
		respStatus,
		rec.LatencyNS,
	)
}

// recordTimeNS is the record's table timestamp: response time when
// present, else request time.
func recordTimeNS(rec *tracker.Record) uint64 {
	if rec.Resp != nil {
		return rec.Resp.TSNS
	}
	if rec.Req != nil {
		return rec.Req.TSNS
	}
	return 0
}

// deadProcSweep marks trackers whose owning process has exited.
func (c *Connector) deadProcSweep() {
	alive := make(map[uint32]bool)
	c.trackers.Range(func(t *tracker.Tracker) {
		tgid := t.ID().TGID
		exists, ok := alive[tgid]
		if !ok {
			exists, _ = process.PidExists(int32(tgid))
			alive[tgid] = exists
		}
		if !exists {
			t.MarkProcessDead()
		}
	})
}

func (c *Connector) flushExporters(ctx context.Context) {
	if len(c.pending) == 0 {
		return
	}
	records := c.pending
	c.pending = nil

	for _, e := range c.exporters {
		if err := e.ExportRecords(ctx, records); err != nil {
			c.logger.Warn("record export failed", zap.Error(err))
		}
	}
}

// Reload applies reloadable options from a fresh config: protocol
// toggles, header filters and self-tracing. Source and limit changes
// need a restart.
func (c *Connector) Reload(cfg *config.Config) {
	c.cfg.Tracing.HTTP = cfg.Tracing.HTTP
	c.cfg.Tracing.GRPC = cfg.Tracing.GRPC
	c.cfg.Tracing.MySQL = cfg.Tracing.MySQL
	c.cfg.Tracing.DisableSelfTracing = cfg.Tracing.DisableSelfTracing
	c.cfg.Tracing.HTTPResponseHeaderFilters = cfg.Tracing.HTTPResponseHeaderFilters
	c.headerFilter = ParseHTTPHeaderFilters(cfg.Tracing.HTTPResponseHeaderFilters)
	c.logger.Info("connector config reloaded")
}
