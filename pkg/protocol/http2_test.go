// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"golang.org/x/net/http2/hpack"

	"github.com/mbeema/socktracer/pkg/event"
)

// h2Frame builds one HTTP/2 frame.
func h2Frame(frameType, flags byte, streamID uint32, payload []byte) []byte {
	out := make([]byte, 9+len(payload))
	out[0] = byte(len(payload) >> 16)
	out[1] = byte(len(payload) >> 8)
	out[2] = byte(len(payload))
	out[3] = frameType
	out[4] = flags
	binary.BigEndian.PutUint32(out[5:9], streamID)
	copy(out[9:], payload)
	return out
}

func encodeHeaders(t *testing.T, enc *hpack.Encoder, buf *bytes.Buffer, fields [][2]string) []byte {
	t.Helper()
	buf.Reset()
	for _, f := range fields {
		if err := enc.WriteField(hpack.HeaderField{Name: f[0], Value: f[1]}); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out
}

// grpcPayload wraps a message in the gRPC length prefix.
func grpcPayload(msg []byte) []byte {
	out := make([]byte, 5+len(msg))
	binary.BigEndian.PutUint32(out[1:5], uint32(len(msg)))
	copy(out[5:], msg)
	return out
}

func TestHTTP2RequestResponse(t *testing.T) {
	p := newHTTP2Parser(nil)

	var reqBuf bytes.Buffer
	reqEnc := hpack.NewEncoder(&reqBuf)

	// Client: preface, HEADERS, DATA with END_STREAM.
	reqHeaders := encodeHeaders(t, reqEnc, &reqBuf, [][2]string{
		{":method", "POST"},
		{":path", "/echo.Echo/Ping"},
		{"content-type", "application/grpc"},
	})
	client := append([]byte(nil), http2Preface...)
	client = append(client, h2Frame(http2FrameHeaders, http2FlagEndHeaders, 1, reqHeaders)...)
	client = append(client, h2Frame(http2FrameData, http2FlagEndStream, 1, grpcPayload([]byte("ping")))...)

	consumed, frames, err := p.ParseFrames(client, event.Egress, 0, fixedTS(10))
	if err != nil {
		t.Fatalf("ParseFrames(client): %v", err)
	}
	if consumed != len(client) {
		t.Errorf("consumed = %d, want %d", consumed, len(client))
	}
	if len(frames) != 1 {
		t.Fatalf("got %d client frames, want 1", len(frames))
	}

	req := frames[0].GRPC
	if !req.IsRequest {
		t.Fatal("expected request")
	}
	if req.StreamID != 1 || req.Path != "/echo.Echo/Ping" {
		t.Errorf("request = %+v", req)
	}
	if req.Service != "echo.Echo" || req.Method != "Ping" {
		t.Errorf("service/method = %s/%s", req.Service, req.Method)
	}
	if req.ContentType != "application/grpc" {
		t.Errorf("content-type = %q", req.ContentType)
	}
	if req.PayloadSize() != 4 {
		t.Errorf("payload size = %d, want 4", req.PayloadSize())
	}

	// Server: SETTINGS, HEADERS, DATA, trailers with END_STREAM.
	var respBuf bytes.Buffer
	respEnc := hpack.NewEncoder(&respBuf)
	respHeaders := encodeHeaders(t, respEnc, &respBuf, [][2]string{
		{":status", "200"},
		{"content-type", "application/grpc"},
	})
	trailers := encodeHeaders(t, respEnc, &respBuf, [][2]string{
		{"grpc-status", "0"},
	})

	server := h2Frame(http2FrameSettings, 0, 0, nil)
	server = append(server, h2Frame(http2FrameHeaders, http2FlagEndHeaders, 1, respHeaders)...)
	server = append(server, h2Frame(http2FrameData, 0, 1, grpcPayload([]byte("pong")))...)
	server = append(server, h2Frame(http2FrameHeaders, http2FlagEndHeaders|http2FlagEndStream, 1, trailers)...)

	consumed, frames, err = p.ParseFrames(server, event.Ingress, 0, fixedTS(20))
	if err != nil {
		t.Fatalf("ParseFrames(server): %v", err)
	}
	if consumed != len(server) {
		t.Errorf("consumed = %d, want %d", consumed, len(server))
	}
	if len(frames) != 1 {
		t.Fatalf("got %d server frames, want 1", len(frames))
	}

	resp := frames[0].GRPC
	if resp.IsRequest {
		t.Fatal("expected response")
	}
	if resp.StreamID != 1 || resp.HTTPStatus != 200 || resp.GRPCStatus != 0 {
		t.Errorf("response = %+v", resp)
	}
}

func TestHTTP2GRPCErrorStatus(t *testing.T) {
	p := newHTTP2Parser(nil)

	var buf bytes.Buffer
	enc := hpack.NewEncoder(&buf)
	headers := encodeHeaders(t, enc, &buf, [][2]string{
		{":status", "200"},
		{"grpc-status", "13"},
		{"grpc-message", "internal"},
	})

	raw := h2Frame(http2FrameHeaders, http2FlagEndHeaders|http2FlagEndStream, 3, headers)
	_, frames, err := p.ParseFrames(raw, event.Ingress, 0, fixedTS(1))
	if err != nil || len(frames) != 1 {
		t.Fatalf("frames=%d err=%v", len(frames), err)
	}

	msg := frames[0].GRPC
	if msg.GRPCStatus != 13 || msg.GRPCErrMsg != "internal" {
		t.Errorf("message = %+v", msg)
	}
}

func TestHTTP2DynamicTablePersists(t *testing.T) {
	p := newHTTP2Parser(nil)

	var buf bytes.Buffer
	enc := hpack.NewEncoder(&buf)

	// First request inserts custom headers into the dynamic table;
	// the second references them by index.
	first := encodeHeaders(t, enc, &buf, [][2]string{
		{":path", "/svc.A/M"},
		{"x-tenant", "acme"},
	})
	second := encodeHeaders(t, enc, &buf, [][2]string{
		{":path", "/svc.A/M"},
		{"x-tenant", "acme"},
	})
	if len(second) >= len(first) {
		t.Fatal("encoder did not use the dynamic table; test setup broken")
	}

	raw := h2Frame(http2FrameHeaders, http2FlagEndHeaders|http2FlagEndStream, 1, first)
	raw = append(raw, h2Frame(http2FrameHeaders, http2FlagEndHeaders|http2FlagEndStream, 3, second)...)

	_, frames, err := p.ParseFrames(raw, event.Egress, 0, fixedTS(1))
	if err != nil {
		t.Fatalf("ParseFrames: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[1].GRPC.Headers["x-tenant"] != "acme" {
		t.Errorf("dynamic table lookup failed: %+v", frames[1].GRPC.Headers)
	}
}

func TestHTTP2ContinuationFrames(t *testing.T) {
	p := newHTTP2Parser(nil)

	var buf bytes.Buffer
	enc := hpack.NewEncoder(&buf)
	block := encodeHeaders(t, enc, &buf, [][2]string{
		{":path", "/svc.B/Long"},
		{"x-big", "0123456789abcdef"},
	})

	split := len(block) / 2
	raw := h2Frame(http2FrameHeaders, http2FlagEndStream, 1, block[:split])
	raw = append(raw, h2Frame(http2FrameContinuation, http2FlagEndHeaders, 1, block[split:])...)

	_, frames, err := p.ParseFrames(raw, event.Egress, 0, fixedTS(1))
	if err != nil || len(frames) != 1 {
		t.Fatalf("frames=%d err=%v", len(frames), err)
	}
	if frames[0].GRPC.Path != "/svc.B/Long" {
		t.Errorf("path = %q", frames[0].GRPC.Path)
	}
}

func TestHTTP2PartialFrameConsumesNothing(t *testing.T) {
	p := newHTTP2Parser(nil)

	full := h2Frame(http2FrameData, 0, 1, []byte("0123456789"))
	consumed, frames, err := p.ParseFrames(full[:12], event.Egress, 0, fixedTS(1))
	if err != nil {
		t.Fatalf("ParseFrames: %v", err)
	}
	if consumed != 0 || len(frames) != 0 {
		t.Errorf("consumed = %d frames = %d, want 0/0", consumed, len(frames))
	}
}

func TestHTTP2ImplausibleFrameIsRecoverable(t *testing.T) {
	p := newHTTP2Parser(nil)

	raw := []byte{0xff, 0xff, 0xff, 0x0e, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00}
	_, _, err := p.ParseFrames(raw, event.Egress, 0, fixedTS(1))
	pe, ok := err.(*ParseError)
	if !ok || !pe.Recoverable {
		t.Fatalf("expected recoverable ParseError, got %v", err)
	}
}

func TestHTTP2Resync(t *testing.T) {
	p := newHTTP2Parser(nil)

	valid := h2Frame(http2FrameHeaders, http2FlagEndHeaders, 1, []byte{0x82})
	buf := append([]byte{0xff, 0xee}, valid...)

	got := p.Resync(buf, event.Egress)
	if got == 0 {
		t.Error("Resync should skip leading garbage")
	}
	if aligned := p.Resync(valid, event.Egress); aligned != 0 {
		t.Errorf("Resync on aligned buffer = %d, want 0", aligned)
	}
}
