// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package protocol

import (
	"strings"
	"testing"

	"github.com/mbeema/socktracer/pkg/event"
)

func fixedTS(ts uint64) TimestampFn {
	return func(int) uint64 { return ts }
}

func TestHTTPParseRequest(t *testing.T) {
	p := newHTTPParser()
	raw := "GET /api/users?limit=10 HTTP/1.1\r\nHost: example.com\r\nAccept: */*\r\n\r\n"

	consumed, frames, err := p.ParseFrames([]byte(raw), event.Egress, 0, fixedTS(42))
	if err != nil {
		t.Fatalf("ParseFrames: %v", err)
	}
	if consumed != len(raw) {
		t.Errorf("consumed = %d, want %d", consumed, len(raw))
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}

	msg := frames[0].HTTP
	if msg == nil || !msg.IsRequest {
		t.Fatal("expected a request message")
	}
	if msg.Method != "GET" || msg.Path != "/api/users?limit=10" {
		t.Errorf("got %s %s", msg.Method, msg.Path)
	}
	if msg.Major != 1 || msg.Minor != 1 {
		t.Errorf("version = %d.%d, want 1.1", msg.Major, msg.Minor)
	}
	if msg.Headers["Host"] != "example.com" {
		t.Errorf("Host = %q", msg.Headers["Host"])
	}
	if frames[0].TSNS != 42 {
		t.Errorf("TSNS = %d, want 42", frames[0].TSNS)
	}
}

func TestHTTPParseResponseWithBody(t *testing.T) {
	p := newHTTPParser()
	raw := "HTTP/1.1 404 Not Found\r\nContent-Length: 9\r\nContent-Type: text/plain\r\n\r\nnot found"

	consumed, frames, err := p.ParseFrames([]byte(raw), event.Ingress, 0, fixedTS(1))
	if err != nil {
		t.Fatalf("ParseFrames: %v", err)
	}
	if consumed != len(raw) {
		t.Errorf("consumed = %d, want %d", consumed, len(raw))
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}

	msg := frames[0].HTTP
	if msg.IsRequest {
		t.Fatal("expected a response message")
	}
	if msg.StatusCode != 404 || msg.StatusMessage != "Not Found" {
		t.Errorf("status = %d %q", msg.StatusCode, msg.StatusMessage)
	}
	if string(msg.Body) != "not found" {
		t.Errorf("body = %q", msg.Body)
	}
}

func TestHTTPIncompleteBodyConsumesNothing(t *testing.T) {
	p := newHTTPParser()
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\npartial"

	consumed, frames, err := p.ParseFrames([]byte(raw), event.Ingress, 0, fixedTS(1))
	if err != nil {
		t.Fatalf("ParseFrames: %v", err)
	}
	if consumed != 0 || len(frames) != 0 {
		t.Errorf("consumed = %d frames = %d, want 0/0 for incomplete body", consumed, len(frames))
	}
}

func TestHTTPChunkedBody(t *testing.T) {
	p := newHTTPParser()
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"

	consumed, frames, err := p.ParseFrames([]byte(raw), event.Ingress, 0, fixedTS(1))
	if err != nil {
		t.Fatalf("ParseFrames: %v", err)
	}
	if consumed != len(raw) {
		t.Errorf("consumed = %d, want %d", consumed, len(raw))
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if got := string(frames[0].HTTP.Body); got != "hello world" {
		t.Errorf("body = %q, want %q", got, "hello world")
	}
}

func TestHTTPPipelinedMessages(t *testing.T) {
	p := newHTTPParser()
	raw := "GET /a HTTP/1.1\r\nHost: x\r\n\r\n" +
		"GET /b HTTP/1.1\r\nHost: x\r\n\r\n"

	tick := uint64(0)
	ts := func(off int) uint64 { tick++; return uint64(off) }
	consumed, frames, err := p.ParseFrames([]byte(raw), event.Egress, 100, ts)
	if err != nil {
		t.Fatalf("ParseFrames: %v", err)
	}
	if consumed != len(raw) {
		t.Errorf("consumed = %d, want %d", consumed, len(raw))
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].HTTP.Path != "/a" || frames[1].HTTP.Path != "/b" {
		t.Errorf("paths = %s, %s", frames[0].HTTP.Path, frames[1].HTTP.Path)
	}
	// Frame offsets carry the stream base.
	if frames[0].Offset != 100 {
		t.Errorf("first offset = %d, want 100", frames[0].Offset)
	}
	if frames[1].Offset != 100+uint64(len(raw)/2) {
		t.Errorf("second offset = %d, want %d", frames[1].Offset, 100+len(raw)/2)
	}
}

func TestHTTPGarbageIsRecoverable(t *testing.T) {
	p := newHTTPParser()
	// Header block boundary exists, but the start is not a message.
	raw := "garbage garbage\r\n\r\n"

	_, _, err := p.ParseFrames([]byte(raw), event.Egress, 0, fixedTS(1))
	pe, ok := err.(*ParseError)
	if !ok {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if !pe.Recoverable {
		t.Error("garbage should be recoverable")
	}
}

func TestHTTPResync(t *testing.T) {
	p := newHTTPParser()

	buf := []byte("xxxxxGET /ok HTTP/1.1\r\n")
	if got := p.Resync(buf, event.Egress); got != 5 {
		t.Errorf("Resync = %d, want 5", got)
	}

	// Already aligned: no skip.
	if got := p.Resync([]byte("HTTP/1.1 200 OK\r\n"), event.Ingress); got != 0 {
		t.Errorf("Resync on aligned buffer = %d, want 0", got)
	}
}

func TestHTTPHeaderBlockSorted(t *testing.T) {
	msg := &HTTPMessage{Headers: map[string]string{
		"Zulu":  "1",
		"Alpha": "2",
	}}
	block := msg.HeaderBlock()
	if !strings.HasPrefix(block, "Alpha: 2") {
		t.Errorf("header block not sorted: %q", block)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		window string
		want   Protocol
	}{
		{"http request", "GET / HTTP/1.1\r\n", HTTP},
		{"http response", "HTTP/1.1 200 OK\r\n", HTTP},
		{"http2 preface", "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n", HTTP2},
		{"mysql query", "\x0c\x00\x00\x00\x03SELECT 1", MySQL},
		{"mysql handshake", "\x4a\x00\x00\x00\x0a8.0.30\x00", MySQL},
		{"too short", "GE", Unknown},
		{"junk", "\xa5\xa5\xa5\xa5\xa5\xa5\xa5\xa5\xa5\xa5", Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify([]byte(tt.window)); got != tt.want {
				t.Errorf("Classify(%q) = %v, want %v", tt.window, got, tt.want)
			}
		})
	}
}

func TestClassifyHTTP2Settings(t *testing.T) {
	// SETTINGS frame on stream 0: len=0 type=4 flags=0.
	window := []byte{0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00}
	if got := Classify(window); got != HTTP2 {
		t.Errorf("Classify(SETTINGS) = %v, want HTTP2", got)
	}
}
