// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package event

import (
	"encoding/binary"
	"net"

	"golang.org/x/sys/unix"
)

// MarshalControlEvent encodes a control event into the kernel wire
// layout. Used by the replay tooling and tests; the live path only
// decodes.
func MarshalControlEvent(ev ControlEvent) []byte {
	buf := make([]byte, ControlEventSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(ev.Kind))
	binary.LittleEndian.PutUint64(buf[8:16], ev.TSNS)
	binary.LittleEndian.PutUint32(buf[16:20], ev.TGID)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(ev.FD))
	binary.LittleEndian.PutUint64(buf[24:32], ev.Generation)

	if ev.Kind == KindOpen && ev.Remote.Valid() {
		encodeSockaddr(buf[32:60], ev.Remote)
	}
	return buf
}

// MarshalDataEvent encodes a data event into the kernel wire layout.
func MarshalDataEvent(ev DataEvent) []byte {
	buf := make([]byte, DataHeaderSize+len(ev.Payload))
	binary.LittleEndian.PutUint64(buf[0:8], ev.TSNS)
	binary.LittleEndian.PutUint32(buf[8:12], ev.TGID)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(ev.FD))
	binary.LittleEndian.PutUint64(buf[16:24], ev.Generation)
	buf[24] = byte(ev.Direction)
	binary.LittleEndian.PutUint64(buf[32:40], ev.Seq)
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(ev.Payload)))
	origLen := ev.OrigLen
	if origLen < uint64(len(ev.Payload)) {
		origLen = uint64(len(ev.Payload))
	}
	binary.LittleEndian.PutUint64(buf[48:56], origLen)
	copy(buf[DataHeaderSize:], ev.Payload)
	return buf
}

func encodeSockaddr(b []byte, ep Endpoint) {
	ip := net.ParseIP(ep.Addr)
	if ip == nil {
		return
	}

	if ip4 := ip.To4(); ip4 != nil {
		binary.LittleEndian.PutUint16(b[0:2], unix.AF_INET)
		binary.BigEndian.PutUint16(b[2:4], ep.Port)
		copy(b[4:8], ip4)
		return
	}

	binary.LittleEndian.PutUint16(b[0:2], unix.AF_INET6)
	binary.BigEndian.PutUint16(b[2:4], ep.Port)
	copy(b[8:24], ip.To16())
}
