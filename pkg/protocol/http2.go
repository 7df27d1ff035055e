// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package protocol

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"strings"

	"golang.org/x/net/http2/hpack"

	"github.com/mbeema/socktracer/pkg/event"
)

// HTTP/2 frame types and flags.
const (
	http2FrameData         = 0x0
	http2FrameHeaders      = 0x1
	http2FramePriority     = 0x2
	http2FrameRSTStream    = 0x3
	http2FrameSettings     = 0x4
	http2FramePushPromise  = 0x5
	http2FramePing         = 0x6
	http2FrameGoAway       = 0x7
	http2FrameWindowUpdate = 0x8
	http2FrameContinuation = 0x9

	http2FlagEndStream  = 0x1
	http2FlagEndHeaders = 0x4
	http2FlagPadded     = 0x8
	http2FlagPriority   = 0x20
)

// HPACKMax caps each direction's HPACK dynamic table.
const HPACKMax = 4096

const http2MaxFrameLen = 1 << 20

// GRPCMessage is one half (request or response side) of a gRPC exchange
// on an HTTP/2 stream, emitted when END_STREAM is observed.
type GRPCMessage struct {
	IsRequest bool
	StreamID  uint32

	Headers     map[string]string
	Path        string
	Service     string
	Method      string
	ContentType string

	HTTPStatus int
	GRPCStatus int
	GRPCErrMsg string

	Payload  []byte // concatenated DATA bytes, gRPC length-prefixed
	Rendered string // descriptor-decoded message, if enabled
}

// HeaderBlock renders headers sorted by name.
func (m *GRPCMessage) HeaderBlock() string {
	h := &HTTPMessage{Headers: m.Headers}
	return h.HeaderBlock()
}

// PayloadSize returns the length of the first gRPC message in the
// payload, or the raw byte count when the length prefix is absent.
func (m *GRPCMessage) PayloadSize() int {
	if len(m.Payload) >= 5 {
		return int(binary.BigEndian.Uint32(m.Payload[1:5]))
	}
	return len(m.Payload)
}

type streamDirKey struct {
	dir event.Direction
	id  uint32
}

type h2stream struct {
	headers    map[string]string
	data       []byte
	sawHeaders bool
}

// http2Parser keeps per-connection HPACK decoders (one dynamic table
// per direction) and accumulates per-stream header/data state until
// END_STREAM.
type http2Parser struct {
	renderer PayloadRenderer

	decoders [2]*hpack.Decoder
	preface  [2]bool

	// pending continuation state, per direction
	headerBlock [2][]byte
	blockStream [2]uint32
	blockEnd    [2]bool // END_STREAM was set on the initiating HEADERS

	streams map[streamDirKey]*h2stream
	paths   map[uint32]string // request :path per stream id
}

func newHTTP2Parser(renderer PayloadRenderer) *http2Parser {
	return &http2Parser{
		renderer: renderer,
		streams:  make(map[streamDirKey]*h2stream),
		paths:    make(map[uint32]string),
	}
}

func (p *http2Parser) Proto() Protocol { return HTTP2 }

func (p *http2Parser) decoder(dir event.Direction) *hpack.Decoder {
	if p.decoders[dir] == nil {
		p.decoders[dir] = hpack.NewDecoder(HPACKMax, nil)
	}
	return p.decoders[dir]
}

func (p *http2Parser) ParseFrames(buf []byte, dir event.Direction, base uint64, ts TimestampFn) (int, []Frame, error) {
	var frames []Frame
	consumed := 0

	if !p.preface[dir] && bytes.HasPrefix(buf, http2Preface) {
		consumed = len(http2Preface)
		p.preface[dir] = true
	}

	for consumed+9 <= len(buf) {
		hdr := buf[consumed:]
		frameLen := int(hdr[0])<<16 | int(hdr[1])<<8 | int(hdr[2])
		frameType := hdr[3]
		flags := hdr[4]
		streamID := binary.BigEndian.Uint32(hdr[5:9]) & 0x7fffffff

		if frameLen > http2MaxFrameLen || frameType > http2FrameContinuation {
			return consumed, frames, recoverable("implausible frame header: len=%d type=%d", frameLen, frameType)
		}
		if consumed+9+frameLen > len(buf) {
			break // frame incomplete
		}

		payload := buf[consumed+9 : consumed+9+frameLen]
		frameStart := consumed
		consumed += 9 + frameLen

		switch frameType {
		case http2FrameHeaders:
			block := payload
			if flags&http2FlagPadded != 0 && len(block) > 0 {
				padLen := int(block[0])
				block = block[1:]
				if padLen < len(block) {
					block = block[:len(block)-padLen]
				}
			}
			if flags&http2FlagPriority != 0 && len(block) >= 5 {
				block = block[5:]
			}

			p.headerBlock[dir] = append([]byte(nil), block...)
			p.blockStream[dir] = streamID
			p.blockEnd[dir] = flags&http2FlagEndStream != 0

			if flags&http2FlagEndHeaders != 0 {
				if f := p.finishHeaderBlock(dir, frameStart, base, ts); f != nil {
					frames = append(frames, *f)
				}
			}

		case http2FrameContinuation:
			p.headerBlock[dir] = append(p.headerBlock[dir], payload...)
			if flags&http2FlagEndHeaders != 0 {
				if f := p.finishHeaderBlock(dir, frameStart, base, ts); f != nil {
					frames = append(frames, *f)
				}
			}

		case http2FrameData:
			data := payload
			if flags&http2FlagPadded != 0 && len(data) > 0 {
				padLen := int(data[0])
				data = data[1:]
				if padLen < len(data) {
					data = data[:len(data)-padLen]
				}
			}
			st := p.stream(dir, streamID)
			st.data = append(st.data, data...)

			if flags&http2FlagEndStream != 0 {
				frames = append(frames, p.emit(dir, streamID, frameStart, base, ts))
			}

		case http2FrameRSTStream:
			delete(p.streams, streamDirKey{dir, streamID})

		default:
			// SETTINGS, PING, GOAWAY, WINDOW_UPDATE, PRIORITY,
			// PUSH_PROMISE: consumed, no state.
		}
	}

	return consumed, frames, nil
}

// finishHeaderBlock decodes an accumulated header block and either
// merges it into the stream state or, on END_STREAM, emits a frame.
func (p *http2Parser) finishHeaderBlock(dir event.Direction, frameStart int, base uint64, ts TimestampFn) *Frame {
	block := p.headerBlock[dir]
	streamID := p.blockStream[dir]
	endStream := p.blockEnd[dir]
	p.headerBlock[dir] = nil

	fields, err := p.decoder(dir).DecodeFull(block)
	if err != nil {
		// A failed decode poisons the dynamic table for the rest of the
		// connection; the block is dropped without reporting an error
		// and the stream state gathered so far is kept.
		return nil
	}

	st := p.stream(dir, streamID)
	if st.headers == nil {
		st.headers = make(map[string]string, len(fields))
	}
	for _, f := range fields {
		st.headers[f.Name] = f.Value
	}
	st.sawHeaders = true

	if endStream {
		f := p.emit(dir, streamID, frameStart, base, ts)
		return &f
	}
	return nil
}

func (p *http2Parser) stream(dir event.Direction, id uint32) *h2stream {
	key := streamDirKey{dir, id}
	st, ok := p.streams[key]
	if !ok {
		st = &h2stream{}
		p.streams[key] = st
	}
	return st
}

// emit finalizes one direction of a stream into a frame.
func (p *http2Parser) emit(dir event.Direction, streamID uint32, frameStart int, base uint64, ts TimestampFn) Frame {
	key := streamDirKey{dir, streamID}
	st := p.streams[key]
	delete(p.streams, key)
	if st == nil {
		st = &h2stream{}
	}

	msg := &GRPCMessage{
		StreamID: streamID,
		Headers:  st.headers,
		Payload:  st.data,
	}

	if path, ok := st.headers[":path"]; ok {
		msg.IsRequest = true
		msg.Path = path
		parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)
		if len(parts) == 2 {
			msg.Service = parts[0]
			msg.Method = parts[1]
		}
		p.paths[streamID] = path
	}
	msg.ContentType = st.headers["content-type"]

	if status, ok := st.headers[":status"]; ok {
		msg.HTTPStatus, _ = strconv.Atoi(status)
	}
	if gs, ok := st.headers["grpc-status"]; ok {
		msg.GRPCStatus, _ = strconv.Atoi(gs)
		msg.GRPCErrMsg = st.headers["grpc-message"]
	}

	if p.renderer != nil && len(msg.Payload) > 0 {
		path := msg.Path
		if path == "" {
			path = p.paths[streamID]
		}
		if path != "" {
			if rendered, err := p.renderer.Render(path, msg.IsRequest, msg.Payload); err == nil {
				msg.Rendered = rendered
			}
		}
	}

	if !msg.IsRequest {
		delete(p.paths, streamID)
	}

	return Frame{
		Proto:     HTTP2,
		Direction: dir,
		TSNS:      ts(frameStart),
		Offset:    base + uint64(frameStart),
		GRPC:      msg,
	}
}

// Resync aligns on the nearest plausible frame header: sane length, a
// known type, and a non-reserved stream id. Returns 0 when already
// aligned.
func (p *http2Parser) Resync(buf []byte, dir event.Direction) int {
	for i := 0; i+9 <= len(buf); i++ {
		frameLen := int(buf[i])<<16 | int(buf[i+1])<<8 | int(buf[i+2])
		frameType := buf[i+3]
		if frameLen < 16384 && frameType <= http2FrameContinuation && buf[i+5]&0x80 == 0 {
			return i
		}
	}
	if len(buf) > 9 {
		return len(buf) - 9
	}
	return 1
}
