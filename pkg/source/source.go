// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package source drains kernel ring buffers of socket trace events and
// dispatches them to registered callbacks.
package source

import (
	"context"

	"github.com/mbeema/socktracer/pkg/event"
)

// Kernel buffer names, also used in loss reports.
const (
	DataBufferName    = "socket_data_events"
	ControlBufferName = "socket_control_events"
)

// Callbacks receive drained events. They are invoked synchronously from
// Poll, in kernel delivery order per buffer; ordering across the two
// buffers is not guaranteed. Event payloads passed to OnData are owned
// copies and may be retained.
type Callbacks struct {
	OnData    func(ev *event.DataEvent)
	OnControl func(ev *event.ControlEvent)
	OnLoss    func(buffer string, count uint64)

	// OnMalformed is invoked for samples that fail to decode; may be nil.
	OnMalformed func(buffer string, err error)
}

// Source is a driver around the kernel event buffers.
//
// Poll drains up to maxBatch events per buffer without blocking and
// reports how many events were dispatched. It must only be called from
// one goroutine. Stop detaches probes and releases kernel resources;
// after Stop, Poll returns an error.
type Source interface {
	Start(ctx context.Context, cb Callbacks) error
	Poll(maxBatch int) (int, error)
	Stop() error
	Name() string
}
