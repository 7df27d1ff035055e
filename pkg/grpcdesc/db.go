// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package grpcdesc resolves gRPC method paths against a protobuf
// service descriptor database and renders captured message payloads.
package grpcdesc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// DB is an immutable service descriptor database, loaded once at
// startup and shared read-only.
type DB struct {
	files   *protoregistry.Files
	methods map[string]protoreflect.MethodDescriptor
}

// Load reads a serialized FileDescriptorSet from disk.
func Load(path string) (*DB, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor set: %w", err)
	}

	var fds descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(data, &fds); err != nil {
		return nil, fmt.Errorf("parse descriptor set: %w", err)
	}

	return New(&fds)
}

// New builds a DB from an in-memory FileDescriptorSet.
func New(fds *descriptorpb.FileDescriptorSet) (*DB, error) {
	files, err := protodesc.NewFiles(fds)
	if err != nil {
		return nil, fmt.Errorf("build file registry: %w", err)
	}

	db := &DB{
		files:   files,
		methods: make(map[string]protoreflect.MethodDescriptor),
	}

	files.RangeFiles(func(fd protoreflect.FileDescriptor) bool {
		svcs := fd.Services()
		for i := 0; i < svcs.Len(); i++ {
			svc := svcs.Get(i)
			methods := svc.Methods()
			for j := 0; j < methods.Len(); j++ {
				m := methods.Get(j)
				path := fmt.Sprintf("/%s/%s", svc.FullName(), m.Name())
				db.methods[path] = m
			}
		}
		return true
	})

	return db, nil
}

// MethodByPath resolves an HTTP/2 :path ("/pkg.Service/Method").
func (db *DB) MethodByPath(path string) (protoreflect.MethodDescriptor, bool) {
	m, ok := db.methods[path]
	return m, ok
}

// NumMethods returns the number of registered methods.
func (db *DB) NumMethods() int { return len(db.methods) }

// Render decodes the first gRPC length-prefixed message of a captured
// payload into compact JSON. Implements protocol.PayloadRenderer.
func (db *DB) Render(path string, isRequest bool, payload []byte) (string, error) {
	md, ok := db.MethodByPath(path)
	if !ok {
		return "", fmt.Errorf("unknown method path %q", path)
	}

	msgDesc := md.Output()
	if isRequest {
		msgDesc = md.Input()
	}

	body, err := stripGRPCPrefix(payload)
	if err != nil {
		return "", err
	}

	msg := dynamicpb.NewMessage(msgDesc)
	if err := proto.Unmarshal(body, msg); err != nil {
		return "", fmt.Errorf("decode %s: %w", msgDesc.FullName(), err)
	}

	out, err := protojson.Marshal(msg)
	if err != nil {
		return "", err
	}
	// protojson randomizes inter-token whitespace; compact for stable
	// output without touching string values.
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, out); err != nil {
		return string(out), nil
	}
	return compacted.String(), nil
}

// stripGRPCPrefix removes the 5-byte gRPC message prefix (compression
// flag + big-endian length). Compressed messages are not decoded.
func stripGRPCPrefix(payload []byte) ([]byte, error) {
	if len(payload) < 5 {
		return nil, fmt.Errorf("payload too short for gRPC prefix: %d", len(payload))
	}
	if payload[0] != 0 {
		return nil, fmt.Errorf("compressed gRPC message not supported")
	}
	msgLen := binary.BigEndian.Uint32(payload[1:5])
	if uint32(len(payload)-5) < msgLen {
		return nil, fmt.Errorf("gRPC message truncated: have %d, need %d", len(payload)-5, msgLen)
	}
	return payload[5 : 5+msgLen], nil
}
