//go:build !linux

// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package source

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// EBPFSource is unavailable off Linux; only replay works there.
type EBPFSource struct{}

var _ Source = (*EBPFSource)(nil)

// NewEBPFSource returns a stub that fails at Start.
func NewEBPFSource(objPath string, logger *zap.Logger) *EBPFSource {
	return &EBPFSource{}
}

// SetDump is a no-op off Linux.
func (s *EBPFSource) SetDump(w *DumpWriter) {}

func (s *EBPFSource) Start(context.Context, Callbacks) error {
	return fmt.Errorf("eBPF source requires linux")
}

func (s *EBPFSource) Poll(int) (int, error) {
	return 0, fmt.Errorf("eBPF source requires linux")
}

func (s *EBPFSource) Stop() error { return nil }

func (s *EBPFSource) Name() string { return "ebpf" }
