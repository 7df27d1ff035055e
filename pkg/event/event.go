// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package event

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Direction is the flow direction of a data event, from the traced
// process's perspective.
type Direction uint8

const (
	Egress  Direction = 0 // written by the traced process
	Ingress Direction = 1 // read by the traced process
)

func (d Direction) String() string {
	switch d {
	case Egress:
		return "egress"
	case Ingress:
		return "ingress"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// ControlKind discriminates control events.
type ControlKind uint32

const (
	KindOpen  ControlKind = 0 // connect()/accept() returned
	KindClose ControlKind = 1 // close() observed
)

func (k ControlKind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindClose:
		return "close"
	default:
		return fmt.Sprintf("control(%d)", uint32(k))
	}
}

// MaxEventPayload is the largest payload the kernel side ships per data
// event. Longer writes are truncated and signal the original length via
// the orig_len header field.
const MaxEventPayload = 30 * 1024

// StreamKey identifies a socket by owning process and file descriptor.
// It is the outer demultiplexing index; FD reuse is disambiguated by the
// generation counter.
type StreamKey struct {
	TGID uint32
	FD   int32
}

func (k StreamKey) String() string {
	return fmt.Sprintf("%d:%d", k.TGID, k.FD)
}

// ConnID identifies one connection instance. Generation increases each
// time the kernel observes the same (tgid, fd) pair being reused, and
// StartTimeNS is the kernel timestamp at connect/accept return.
type ConnID struct {
	TGID        uint32
	FD          int32
	Generation  uint64
	StartTimeNS uint64
}

// Key returns the demux key for this connection.
func (id ConnID) Key() StreamKey {
	return StreamKey{TGID: id.TGID, FD: id.FD}
}

func (id ConnID) String() string {
	return fmt.Sprintf("%d:%d:%d", id.TGID, id.FD, id.Generation)
}

// Endpoint is the remote side of a connection, decoded from the
// sockaddr block of an Open control event.
type Endpoint struct {
	Addr   string
	Port   uint16
	Family uint16
}

// Valid reports whether the endpoint was populated from a sockaddr.
func (e Endpoint) Valid() bool { return e.Family != 0 }

func (e Endpoint) String() string {
	if !e.Valid() {
		return "-"
	}
	return fmt.Sprintf("%s:%d", e.Addr, e.Port)
}

// ControlEvent is a fixed-size connection lifecycle event.
type ControlEvent struct {
	Kind       ControlKind
	TSNS       uint64
	TGID       uint32
	FD         int32
	Generation uint64
	Remote     Endpoint // zero for Close
}

// StreamKey returns the demux key for this event.
func (e *ControlEvent) StreamKey() StreamKey {
	return StreamKey{TGID: e.TGID, FD: e.FD}
}

// DataEvent is one observed chunk of socket payload. Seq is the
// per-(connection, direction) kernel byte sequence number of the first
// payload byte. Payload is always an owned copy; raw ring buffer memory
// is only valid for the duration of the read callback.
type DataEvent struct {
	TSNS       uint64
	TGID       uint32
	FD         int32
	Generation uint64
	Direction  Direction
	Seq        uint64
	OrigLen    uint64
	Payload    []byte
}

// StreamKey returns the demux key for this event.
func (e *DataEvent) StreamKey() StreamKey {
	return StreamKey{TGID: e.TGID, FD: e.FD}
}

// Truncated reports whether the kernel shipped fewer bytes than the
// syscall transferred.
func (e *DataEvent) Truncated() bool {
	return e.OrigLen > uint64(len(e.Payload))
}

// LostBytes returns the number of payload bytes cut off by truncation.
func (e *DataEvent) LostBytes() uint64 {
	if !e.Truncated() {
		return 0
	}
	return e.OrigLen - uint64(len(e.Payload))
}

// Wire layout, little-endian. These mirror the structs emitted by the
// BPF programs; offsets follow natural C alignment.
//
// Control event:
//
//	kind        u32   [0:4)
//	pad         u32   [4:8)
//	ts_ns       u64   [8:16)
//	tgid        u32   [16:20)
//	fd          u32   [20:24)
//	generation  u64   [24:32)
//	remote_addr 28B   [32:60)  sockaddr_storage-compatible, zeroed for Close
//
// Data event:
//
//	ts_ns       u64   [0:8)
//	tgid        u32   [8:12)
//	fd          u32   [12:16)
//	generation  u64   [16:24)
//	direction   u8    [24], pad [25:28), alignment hole [28:32)
//	seq         u64   [32:40)
//	payload_len u32   [40:44)
//	pad2        u32   [44:48)
//	orig_len    u64   [48:56)
//	payload     payload_len bytes from [56)
const (
	ControlEventSize = 60
	DataHeaderSize   = 56
)

// ParseControlEvent decodes a fixed-size control event.
func ParseControlEvent(buf []byte) (ControlEvent, error) {
	if len(buf) < ControlEventSize {
		return ControlEvent{}, fmt.Errorf("control event too short: %d < %d", len(buf), ControlEventSize)
	}

	ev := ControlEvent{
		Kind:       ControlKind(binary.LittleEndian.Uint32(buf[0:4])),
		TSNS:       binary.LittleEndian.Uint64(buf[8:16]),
		TGID:       binary.LittleEndian.Uint32(buf[16:20]),
		FD:         int32(binary.LittleEndian.Uint32(buf[20:24])),
		Generation: binary.LittleEndian.Uint64(buf[24:32]),
	}

	if ev.Kind != KindOpen && ev.Kind != KindClose {
		return ControlEvent{}, fmt.Errorf("unknown control kind %d", uint32(ev.Kind))
	}

	if ev.Kind == KindOpen {
		ev.Remote = decodeSockaddr(buf[32:60])
	}

	return ev, nil
}

// ParseDataEvent decodes a data event header and copies the payload out
// of the kernel-owned buffer.
func ParseDataEvent(buf []byte) (DataEvent, error) {
	if len(buf) < DataHeaderSize {
		return DataEvent{}, fmt.Errorf("data event too short: %d < %d", len(buf), DataHeaderSize)
	}

	ev := DataEvent{
		TSNS:       binary.LittleEndian.Uint64(buf[0:8]),
		TGID:       binary.LittleEndian.Uint32(buf[8:12]),
		FD:         int32(binary.LittleEndian.Uint32(buf[12:16])),
		Generation: binary.LittleEndian.Uint64(buf[16:24]),
		Direction:  Direction(buf[24]),
		Seq:        binary.LittleEndian.Uint64(buf[32:40]),
		OrigLen:    binary.LittleEndian.Uint64(buf[48:56]),
	}

	if ev.Direction != Egress && ev.Direction != Ingress {
		return DataEvent{}, fmt.Errorf("unknown direction %d", buf[24])
	}

	payloadLen := binary.LittleEndian.Uint32(buf[40:44])
	if payloadLen > MaxEventPayload {
		return DataEvent{}, fmt.Errorf("payload length %d exceeds max %d", payloadLen, MaxEventPayload)
	}
	if uint32(len(buf)-DataHeaderSize) < payloadLen {
		return DataEvent{}, fmt.Errorf("payload truncated: have %d, need %d", len(buf)-DataHeaderSize, payloadLen)
	}

	if payloadLen > 0 {
		ev.Payload = make([]byte, payloadLen)
		copy(ev.Payload, buf[DataHeaderSize:DataHeaderSize+int(payloadLen)])
	}
	if ev.OrigLen < uint64(payloadLen) {
		ev.OrigLen = uint64(payloadLen)
	}

	return ev, nil
}

// decodeSockaddr decodes a sockaddr_in or sockaddr_in6 block.
// Family and port use the kernel's byte orders: family is host-order,
// port is network-order.
func decodeSockaddr(b []byte) Endpoint {
	if len(b) < 8 {
		return Endpoint{}
	}

	family := binary.LittleEndian.Uint16(b[0:2])
	port := binary.BigEndian.Uint16(b[2:4])

	switch family {
	case unix.AF_INET:
		return Endpoint{
			Addr:   net.IP(b[4:8]).String(),
			Port:   port,
			Family: family,
		}
	case unix.AF_INET6:
		if len(b) < 24 {
			return Endpoint{}
		}
		// sockaddr_in6: family(2) port(2) flowinfo(4) addr(16)
		return Endpoint{
			Addr:   net.IP(b[8:24]).String(),
			Port:   port,
			Family: family,
		}
	default:
		return Endpoint{}
	}
}
