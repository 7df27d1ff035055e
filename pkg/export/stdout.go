package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/mbeema/socktracer/pkg/tracker"
)

// StdoutExporter prints records to stdout for debugging.
type StdoutExporter struct {
	format string // "text" or "json"
	logger *zap.Logger
}

// NewStdoutExporter creates a new stdout exporter.
func NewStdoutExporter(format string, logger *zap.Logger) *StdoutExporter {
	if format == "" {
		format = "text"
	}
	return &StdoutExporter{format: format, logger: logger}
}

// ExportRecords prints records to stdout.
func (e *StdoutExporter) ExportRecords(_ context.Context, records []*tracker.Record) error {
	for _, rec := range records {
		if e.format == "json" {
			e.printJSON(rec)
			continue
		}

		flag := ""
		if rec.Orphan {
			flag = " orphan"
		}
		fmt.Fprintf(os.Stdout,
			"[REC] %-6s %-40s %s pid=%d fd=%d lat=%dus%s\n",
			rec.Proto, recordName(rec), rec.Remote,
			rec.ID.TGID, rec.ID.FD, rec.LatencyNS/1000, flag,
		)
	}
	return nil
}

func (e *StdoutExporter) printJSON(rec *tracker.Record) {
	obj := map[string]interface{}{
		"protocol":   rec.Proto.String(),
		"name":       recordName(rec),
		"tgid":       rec.ID.TGID,
		"fd":         rec.ID.FD,
		"generation": rec.ID.Generation,
		"remote":     rec.Remote.String(),
		"latency_ns": rec.LatencyNS,
		"orphan":     rec.Orphan,
	}
	data, err := json.Marshal(obj)
	if err != nil {
		e.logger.Warn("marshal record", zap.Error(err))
		return
	}
	os.Stdout.Write(append(data, '\n'))
}

// Shutdown is a no-op for stdout.
func (e *StdoutExporter) Shutdown(_ context.Context) error { return nil }
