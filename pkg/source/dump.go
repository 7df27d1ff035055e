// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package source

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Dump record kinds.
const (
	dumpKindControl byte = 0
	dumpKindData    byte = 1
)

// DumpWriter appends raw events to a file, length-prefixed, for offline
// replay. Record format: kind(1) length(4, little-endian) payload.
type DumpWriter struct {
	f *os.File
	w *bufio.Writer
}

// NewDumpWriter opens (truncating) a dump file.
func NewDumpWriter(path string) (*DumpWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create dump file: %w", err)
	}
	return &DumpWriter{f: f, w: bufio.NewWriter(f)}, nil
}

// WriteControl appends one raw control event.
func (d *DumpWriter) WriteControl(raw []byte) error {
	return d.write(dumpKindControl, raw)
}

// WriteData appends one raw data event.
func (d *DumpWriter) WriteData(raw []byte) error {
	return d.write(dumpKindData, raw)
}

func (d *DumpWriter) write(kind byte, raw []byte) error {
	var hdr [5]byte
	hdr[0] = kind
	binary.LittleEndian.PutUint32(hdr[1:5], uint32(len(raw)))
	if _, err := d.w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := d.w.Write(raw)
	return err
}

// Close flushes and closes the dump file.
func (d *DumpWriter) Close() error {
	if err := d.w.Flush(); err != nil {
		d.f.Close()
		return err
	}
	return d.f.Close()
}

// DumpReader iterates records of a dump file.
type DumpReader struct {
	f *os.File
	r *bufio.Reader
}

// OpenDump opens a dump file for reading.
func OpenDump(path string) (*DumpReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dump file: %w", err)
	}
	return &DumpReader{f: f, r: bufio.NewReader(f)}, nil
}

// Next returns the next record. io.EOF signals the end of the dump.
func (d *DumpReader) Next() (kind byte, raw []byte, err error) {
	var hdr [5]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		return 0, nil, err
	}
	kind = hdr[0]
	length := binary.LittleEndian.Uint32(hdr[1:5])
	if length > 16*1024*1024 {
		return 0, nil, fmt.Errorf("corrupt dump record: length %d", length)
	}
	raw = make([]byte, length)
	if _, err := io.ReadFull(d.r, raw); err != nil {
		return 0, nil, fmt.Errorf("truncated dump record: %w", err)
	}
	return kind, raw, nil
}

// Close closes the dump file.
func (d *DumpReader) Close() error { return d.f.Close() }
