//go:build linux

// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"go.uber.org/zap"

	"github.com/mbeema/socktracer/pkg/event"
)

// perCPUBufferSize is the per-CPU perf buffer size for each event map.
const perCPUBufferSize = 1 << 20

// probeSpec names one syscall probe and its program in the object file.
type probeSpec struct {
	syscall string
	program string
	isRet   bool
}

// The traced syscall surface. Entry and return probes pair up so the
// BPF side can capture arguments on entry and sizes on return.
var probeSpecs = []probeSpec{
	{"sys_connect", "syscall__probe_entry_connect", false},
	{"sys_connect", "syscall__probe_ret_connect", true},
	{"sys_accept", "syscall__probe_entry_accept", false},
	{"sys_accept", "syscall__probe_ret_accept", true},
	{"sys_accept4", "syscall__probe_entry_accept4", false},
	{"sys_accept4", "syscall__probe_ret_accept4", true},
	{"sys_write", "syscall__probe_entry_write", false},
	{"sys_write", "syscall__probe_ret_write", true},
	{"sys_writev", "syscall__probe_entry_writev", false},
	{"sys_writev", "syscall__probe_ret_writev", true},
	{"sys_send", "syscall__probe_entry_send", false},
	{"sys_send", "syscall__probe_ret_send", true},
	{"sys_sendto", "syscall__probe_entry_sendto", false},
	{"sys_sendto", "syscall__probe_ret_sendto", true},
	{"sys_sendmsg", "syscall__probe_entry_sendmsg", false},
	{"sys_sendmsg", "syscall__probe_ret_sendmsg", true},
	{"sys_read", "syscall__probe_entry_read", false},
	{"sys_read", "syscall__probe_ret_read", true},
	{"sys_readv", "syscall__probe_entry_readv", false},
	{"sys_readv", "syscall__probe_ret_readv", true},
	{"sys_recv", "syscall__probe_entry_recv", false},
	{"sys_recv", "syscall__probe_ret_recv", true},
	{"sys_recvfrom", "syscall__probe_entry_recvfrom", false},
	{"sys_recvfrom", "syscall__probe_ret_recvfrom", true},
	{"sys_recvmsg", "syscall__probe_entry_recvmsg", false},
	{"sys_recvmsg", "syscall__probe_ret_recvmsg", true},
	{"sys_close", "syscall__probe_entry_close", false},
	{"sys_close", "syscall__probe_ret_close", true},
}

// EBPFSource drives the compiled socket-trace BPF object: it attaches
// the syscall probes and drains the two perf event buffers.
type EBPFSource struct {
	objPath string
	logger  *zap.Logger

	coll  *ebpf.Collection
	links []link.Link

	dataReader    *perf.Reader
	controlReader *perf.Reader

	cb   Callbacks
	dump *DumpWriter
}

var _ Source = (*EBPFSource)(nil)

// NewEBPFSource creates a source for a compiled BPF object file.
func NewEBPFSource(objPath string, logger *zap.Logger) *EBPFSource {
	return &EBPFSource{objPath: objPath, logger: logger}
}

// SetDump tees every raw event into a dump file.
func (s *EBPFSource) SetDump(w *DumpWriter) { s.dump = w }

// Start loads the object, attaches all probes and opens the perf
// readers. Failures here are fatal to the engine.
func (s *EBPFSource) Start(_ context.Context, cb Callbacks) error {
	s.cb = cb

	coll, err := ebpf.LoadCollection(s.objPath)
	if err != nil {
		return fmt.Errorf("load BPF collection %s: %w", s.objPath, err)
	}
	s.coll = coll

	if err := s.attachProbes(); err != nil {
		s.Stop()
		return err
	}

	dataMap, ok := coll.Maps[DataBufferName]
	if !ok {
		s.Stop()
		return fmt.Errorf("BPF object missing map %s", DataBufferName)
	}
	controlMap, ok := coll.Maps[ControlBufferName]
	if !ok {
		s.Stop()
		return fmt.Errorf("BPF object missing map %s", ControlBufferName)
	}

	if s.dataReader, err = perf.NewReader(dataMap, perCPUBufferSize); err != nil {
		s.Stop()
		return fmt.Errorf("open %s reader: %w", DataBufferName, err)
	}
	if s.controlReader, err = perf.NewReader(controlMap, perCPUBufferSize); err != nil {
		s.Stop()
		return fmt.Errorf("open %s reader: %w", ControlBufferName, err)
	}

	s.logger.Info("eBPF source started",
		zap.String("object", s.objPath),
		zap.Int("links", len(s.links)),
	)
	return nil
}

func (s *EBPFSource) attachProbes() error {
	for _, spec := range probeSpecs {
		prog, ok := s.coll.Programs[spec.program]
		if !ok {
			s.logger.Debug("object has no program, skipping", zap.String("program", spec.program))
			continue
		}

		lnk, err := s.attach(spec.syscall, prog, spec.isRet)
		if err != nil {
			return fmt.Errorf("attach %s: %w", spec.program, err)
		}
		s.links = append(s.links, lnk)
	}
	return nil
}

func (s *EBPFSource) attach(syscall string, prog *ebpf.Program, isRet bool) (link.Link, error) {
	try := func(name string) (link.Link, error) {
		if isRet {
			return link.Kretprobe(name, prog, nil)
		}
		return link.Kprobe(name, prog, nil)
	}

	lnk, err := try(syscall)
	if err != nil {
		// Newer kernels wrap syscalls behind an arch prefix.
		return try("__x64_" + syscall)
	}
	return lnk, nil
}

// Poll drains up to maxBatch events from each buffer without blocking.
func (s *EBPFSource) Poll(maxBatch int) (int, error) {
	if s.dataReader == nil || s.controlReader == nil {
		return 0, fmt.Errorf("source not started")
	}

	n := s.drain(s.controlReader, ControlBufferName, maxBatch)
	n += s.drain(s.dataReader, DataBufferName, maxBatch)
	return n, nil
}

func (s *EBPFSource) drain(r *perf.Reader, buffer string, maxBatch int) int {
	dispatched := 0
	for dispatched < maxBatch {
		r.SetDeadline(time.Now())
		rec, err := r.Read()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, perf.ErrClosed) {
				return dispatched
			}
			s.logger.Debug("perf read error", zap.String("buffer", buffer), zap.Error(err))
			return dispatched
		}

		if rec.LostSamples > 0 && s.cb.OnLoss != nil {
			s.cb.OnLoss(buffer, rec.LostSamples)
		}
		if len(rec.RawSample) == 0 {
			continue
		}

		s.dispatch(buffer, rec.RawSample)
		dispatched++
	}
	return dispatched
}

func (s *EBPFSource) dispatch(buffer string, raw []byte) {
	if s.dump != nil {
		var err error
		if buffer == ControlBufferName {
			err = s.dump.WriteControl(raw)
		} else {
			err = s.dump.WriteData(raw)
		}
		if err != nil {
			s.logger.Warn("event dump write failed", zap.Error(err))
			s.dump = nil
		}
	}

	switch buffer {
	case ControlBufferName:
		ev, err := event.ParseControlEvent(raw)
		if err != nil {
			s.malformed(buffer, err)
			return
		}
		if s.cb.OnControl != nil {
			s.cb.OnControl(&ev)
		}
	case DataBufferName:
		ev, err := event.ParseDataEvent(raw)
		if err != nil {
			s.malformed(buffer, err)
			return
		}
		if s.cb.OnData != nil {
			s.cb.OnData(&ev)
		}
	}
}

func (s *EBPFSource) malformed(buffer string, err error) {
	if s.cb.OnMalformed != nil {
		s.cb.OnMalformed(buffer, err)
	}
}

// Stop detaches probes and closes the readers.
func (s *EBPFSource) Stop() error {
	if s.dataReader != nil {
		s.dataReader.Close()
		s.dataReader = nil
	}
	if s.controlReader != nil {
		s.controlReader.Close()
		s.controlReader = nil
	}
	for _, lnk := range s.links {
		lnk.Close()
	}
	s.links = nil
	if s.coll != nil {
		s.coll.Close()
		s.coll = nil
	}
	if s.dump != nil {
		s.dump.Close()
		s.dump = nil
	}
	s.logger.Info("eBPF source stopped")
	return nil
}

// Name returns the source name.
func (s *EBPFSource) Name() string { return "ebpf" }
