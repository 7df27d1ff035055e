// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package protocol

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/mbeema/socktracer/pkg/event"
)

// HTTPMessage is one parsed HTTP/1.x request or response.
type HTTPMessage struct {
	IsRequest bool

	Method string
	Path   string

	Major int
	Minor int

	StatusCode    int
	StatusMessage string

	Headers map[string]string
	Body    []byte
}

// HeaderBlock renders the headers as a "Name: value" block, sorted by
// name for stable output.
func (m *HTTPMessage) HeaderBlock() string {
	if len(m.Headers) == 0 {
		return ""
	}
	names := make([]string, 0, len(m.Headers))
	for k := range m.Headers {
		names = append(names, k)
	}
	sort.Strings(names)

	var sb strings.Builder
	for i, k := range names {
		if i > 0 {
			sb.WriteString("\r\n")
		}
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(m.Headers[k])
	}
	return sb.String()
}

type httpParser struct{}

func newHTTPParser() *httpParser { return &httpParser{} }

func (p *httpParser) Proto() Protocol { return HTTP }

func (p *httpParser) ParseFrames(buf []byte, dir event.Direction, base uint64, ts TimestampFn) (int, []Frame, error) {
	var frames []Frame
	consumed := 0

	for consumed < len(buf) {
		rest := buf[consumed:]
		msgLen := frameHTTP(rest)
		if msgLen <= 0 {
			break // incomplete message, wait for more bytes
		}

		msg, err := parseHTTPMessage(rest[:msgLen])
		if err != nil {
			return consumed, frames, err
		}

		frames = append(frames, Frame{
			Proto:     HTTP,
			Direction: dir,
			TSNS:      ts(consumed),
			Offset:    base + uint64(consumed),
			HTTP:      msg,
		})
		consumed += msgLen
	}

	return consumed, frames, nil
}

// Resync scans for the nearest request-line or status-line start,
// returning 0 when the buffer is already aligned. Used after a gap
// skip; plain parse errors advance one byte at a time.
func (p *httpParser) Resync(buf []byte, dir event.Direction) int {
	for i := 0; i < len(buf); i++ {
		if isHTTPStart(buf[i:]) {
			return i
		}
	}
	// No boundary in sight. Keep a small tail in case a start marker is
	// split across events.
	if len(buf) > 8 {
		return len(buf) - 8
	}
	return 1
}

func isHTTPStart(b []byte) bool {
	s := string(b[:min(len(b), 16)])
	if strings.HasPrefix(s, "HTTP/") {
		return true
	}
	for _, m := range httpMethods {
		if strings.HasPrefix(s, m) {
			return true
		}
	}
	return false
}

// frameHTTP returns the byte length of the first complete HTTP message
// in buf, or 0 if it is still incomplete. Handles Content-Length,
// chunked transfer coding, and bodyless messages.
func frameHTTP(buf []byte) int {
	headerEnd := bytes.Index(buf, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		return 0
	}
	headerEnd += 4

	headers := string(buf[:headerEnd])

	if cl := extractHeaderValue(headers, "content-length"); cl != "" {
		contentLen, err := strconv.Atoi(strings.TrimSpace(cl))
		if err != nil || contentLen < 0 {
			return headerEnd
		}
		totalLen := headerEnd + contentLen
		if totalLen > len(buf) {
			return 0
		}
		return totalLen
	}

	te := extractHeaderValue(headers, "transfer-encoding")
	if strings.Contains(strings.ToLower(te), "chunked") {
		return frameChunked(buf, headerEnd)
	}

	// No Content-Length and not chunked: headers only. A response with a
	// read-until-close body cannot be framed from the stream alone.
	return headerEnd
}

// frameChunked finds the end of a chunked-coded body.
func frameChunked(buf []byte, bodyStart int) int {
	offset := bodyStart

	for offset < len(buf) {
		lineEnd := bytes.Index(buf[offset:], []byte("\r\n"))
		if lineEnd < 0 {
			return 0
		}

		sizeStr := strings.TrimSpace(string(buf[offset : offset+lineEnd]))
		if idx := strings.IndexByte(sizeStr, ';'); idx >= 0 {
			sizeStr = sizeStr[:idx]
		}

		chunkSize, err := strconv.ParseInt(sizeStr, 16, 64)
		if err != nil {
			return offset // malformed, stop at what we have
		}

		offset += lineEnd + 2

		if chunkSize == 0 {
			// Terminal chunk, then optional trailers and a final CRLF.
			trailerEnd := bytes.Index(buf[offset:], []byte("\r\n"))
			if trailerEnd < 0 {
				return 0
			}
			return offset + trailerEnd + 2
		}

		offset += int(chunkSize) + 2
		if offset > len(buf) {
			return 0
		}
	}

	return 0
}

// parseHTTPMessage parses one framed message with net/http.
func parseHTTPMessage(raw []byte) (*HTTPMessage, error) {
	if bytes.HasPrefix(raw, []byte("HTTP/")) {
		return parseHTTPResponse(raw)
	}
	if isHTTPStart(raw) {
		return parseHTTPRequest(raw)
	}
	return nil, recoverable("not an HTTP message start: %q", previewBytes(raw))
}

func parseHTTPRequest(raw []byte) (*HTTPMessage, error) {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, recoverable("read request: %v", err)
	}
	body, _ := io.ReadAll(req.Body)
	req.Body.Close()

	return &HTTPMessage{
		IsRequest: true,
		Method:    req.Method,
		Path:      req.URL.RequestURI(),
		Major:     req.ProtoMajor,
		Minor:     req.ProtoMinor,
		Headers:   flattenHeader(req.Header, req.Host),
		Body:      body,
	}, nil
}

func parseHTTPResponse(raw []byte) (*HTTPMessage, error) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
	if err != nil {
		return nil, recoverable("read response: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	msg := &HTTPMessage{
		StatusCode: resp.StatusCode,
		Major:      resp.ProtoMajor,
		Minor:      resp.ProtoMinor,
		Headers:    flattenHeader(resp.Header, ""),
		Body:       body,
	}
	if i := strings.IndexByte(resp.Status, ' '); i >= 0 {
		msg.StatusMessage = resp.Status[i+1:]
	}
	return msg, nil
}

func flattenHeader(h http.Header, host string) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		out[k] = strings.Join(vs, ", ")
	}
	if host != "" {
		out["Host"] = host
	}
	return out
}

// extractHeaderValue finds a header value (case-insensitive name match).
func extractHeaderValue(headers string, name string) string {
	lower := strings.ToLower(headers)
	target := strings.ToLower(name) + ":"
	idx := strings.Index(lower, target)
	if idx < 0 {
		return ""
	}
	start := idx + len(target)
	end := strings.Index(headers[start:], "\r\n")
	if end < 0 {
		return strings.TrimSpace(headers[start:])
	}
	return strings.TrimSpace(headers[start : start+end])
}

func previewBytes(b []byte) string {
	return string(b[:min(len(b), 16)])
}
