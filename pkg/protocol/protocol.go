// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package protocol

import (
	"fmt"

	"github.com/mbeema/socktracer/pkg/event"
)

// Protocol identifies the application protocol spoken on a connection.
// The set is closed; dispatch is by tag, not open registration.
type Protocol int

const (
	Unknown Protocol = iota
	HTTP
	HTTP2
	MySQL
)

func (p Protocol) String() string {
	switch p {
	case HTTP:
		return "http"
	case HTTP2:
		return "http2"
	case MySQL:
		return "mysql"
	default:
		return "unknown"
	}
}

// ClassifyWindow is how many leading stream bytes the classifier may
// inspect before giving up on a connection.
const ClassifyWindow = 1024

// Frame is one protocol-level message produced by a parser. Exactly one
// of the variant pointers is set, matching Proto.
type Frame struct {
	Proto     Protocol
	Direction event.Direction
	TSNS      uint64
	Offset    uint64 // stream sequence number of the first byte

	HTTP  *HTTPMessage
	MySQL *MySQLMessage
	GRPC  *GRPCMessage
}

// IsRequest reports whether the frame is a request-side message.
func (f *Frame) IsRequest() bool {
	switch f.Proto {
	case HTTP:
		return f.HTTP != nil && f.HTTP.IsRequest
	case HTTP2:
		return f.GRPC != nil && f.GRPC.IsRequest
	case MySQL:
		return f.MySQL != nil && f.MySQL.IsRequest
	default:
		return false
	}
}

// ParseError reports a parse failure. Recoverable errors let the caller
// resynchronize and continue; fatal ones disable the connection.
type ParseError struct {
	Recoverable bool
	Reason      string
}

func (e *ParseError) Error() string {
	kind := "fatal"
	if e.Recoverable {
		kind = "recoverable"
	}
	return fmt.Sprintf("%s parse error: %s", kind, e.Reason)
}

func recoverable(format string, args ...interface{}) *ParseError {
	return &ParseError{Recoverable: true, Reason: fmt.Sprintf(format, args...)}
}

// TimestampFn maps a byte offset within the buffer passed to ParseFrames
// to the kernel timestamp of the event that carried that byte.
type TimestampFn func(offset int) uint64

// Parser consumes a contiguous stream prefix and emits complete frames.
//
// ParseFrames returns the number of bytes consumed from buf; unconsumed
// bytes are retained by the stream and re-presented (with more data
// appended) on the next call. base is the stream sequence number of
// buf[0]. Implementations never panic on malformed input; they return a
// ParseError instead. Parsers hold per-connection state (HPACK tables,
// prepared statements) and are owned by exactly one tracker.
type Parser interface {
	Proto() Protocol
	ParseFrames(buf []byte, dir event.Direction, base uint64, ts TimestampFn) (consumed int, frames []Frame, err error)

	// Resync returns how many bytes to skip to reach the next plausible
	// message boundary after a gap or a recoverable parse error. The
	// return is 0 when buf already starts on a boundary.
	Resync(buf []byte, dir event.Direction) int
}

// PayloadRenderer decodes gRPC message payloads into a human-readable
// form. Implemented by the service descriptor database; nil disables
// payload decoding.
type PayloadRenderer interface {
	Render(path string, isRequest bool, payload []byte) (string, error)
}

// NewParser constructs the stateful parser for a classified protocol.
// renderer is only consulted for HTTP2/gRPC and may be nil.
func NewParser(p Protocol, renderer PayloadRenderer) Parser {
	switch p {
	case HTTP:
		return newHTTPParser()
	case HTTP2:
		return newHTTP2Parser(renderer)
	case MySQL:
		return newMySQLParser()
	default:
		return nil
	}
}
