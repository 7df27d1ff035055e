// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/mbeema/socktracer/pkg/event"
)

// mysqlPacket frames a payload with the 3-byte length + sequence id.
func mysqlPacket(seqID byte, payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	out[0] = byte(len(payload))
	out[1] = byte(len(payload) >> 8)
	out[2] = byte(len(payload) >> 16)
	out[3] = seqID
	copy(out[4:], payload)
	return out
}

func comQuery(query string) []byte {
	return mysqlPacket(0, append([]byte{mysqlComQuery}, query...))
}

func comStmtPrepare(query string) []byte {
	return mysqlPacket(0, append([]byte{mysqlComStmtPrepare}, query...))
}

// comStmtExecute builds an EXECUTE with one int32 argument.
func comStmtExecute(stmtID uint32, arg int32) []byte {
	payload := []byte{mysqlComStmtExecute}
	var id [4]byte
	binary.LittleEndian.PutUint32(id[:], stmtID)
	payload = append(payload, id[:]...)
	payload = append(payload, 0)          // flags
	payload = append(payload, 1, 0, 0, 0) // iteration count
	payload = append(payload, 0)          // null bitmap (1 param)
	payload = append(payload, 1)          // new params bound
	payload = append(payload, 0x03, 0)    // type LONG, signed
	var val [4]byte
	binary.LittleEndian.PutUint32(val[:], uint32(arg))
	payload = append(payload, val[:]...)
	return mysqlPacket(0, payload)
}

// prepareOK builds a COM_STMT_PREPARE response with numParams parameters
// and no result columns.
func prepareOK(stmtID uint32, numParams uint16) []byte {
	payload := make([]byte, 12)
	payload[0] = mysqlOK
	binary.LittleEndian.PutUint32(payload[1:5], stmtID)
	binary.LittleEndian.PutUint16(payload[5:7], 0) // num columns
	binary.LittleEndian.PutUint16(payload[7:9], numParams)
	out := mysqlPacket(1, payload)

	// One definition packet per parameter plus terminating EOF.
	for i := uint16(0); i < numParams; i++ {
		out = append(out, mysqlPacket(byte(2+i), []byte{0x03, 'd', 'e', 'f'})...)
	}
	if numParams > 0 {
		out = append(out, eofPacket(0)...)
	}
	return out
}

func okPacket() []byte {
	return mysqlPacket(1, []byte{mysqlOK, 0x00, 0x00, 0x00, 0x00})
}

func eofPacket(statusFlags uint16) []byte {
	payload := []byte{mysqlEOF, 0, 0, byte(statusFlags), byte(statusFlags >> 8)}
	return mysqlPacket(9, payload)
}

func errPacket(code uint16, msg string) []byte {
	payload := []byte{mysqlERR, byte(code), byte(code >> 8)}
	payload = append(payload, '#')
	payload = append(payload, "HY000"...)
	payload = append(payload, msg...)
	return mysqlPacket(1, payload)
}

// resultSet builds a one-column, rowCount-row resultset.
func resultSet(rowCount int, more bool) []byte {
	out := mysqlPacket(1, []byte{0x01}) // column count
	out = append(out, mysqlPacket(2, []byte{0x03, 'd', 'e', 'f'})...)
	out = append(out, eofPacket(0)...)
	for i := 0; i < rowCount; i++ {
		out = append(out, mysqlPacket(byte(4+i), []byte{0x01, '7'})...)
	}
	var flags uint16
	if more {
		flags = serverMoreResultsExists
	}
	out = append(out, eofPacket(flags)...)
	return out
}

func TestMySQLQuery(t *testing.T) {
	p := newMySQLParser()

	consumed, frames, err := p.ParseFrames(comQuery("SELECT 1"), event.Egress, 0, fixedTS(10))
	if err != nil {
		t.Fatalf("ParseFrames: %v", err)
	}
	if consumed != len(comQuery("SELECT 1")) {
		t.Errorf("consumed = %d", consumed)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}

	msg := frames[0].MySQL
	if !msg.IsRequest || msg.CommandName != "QUERY" {
		t.Errorf("message = %+v", msg)
	}
	if msg.Statement != "SELECT 1" {
		t.Errorf("statement = %q", msg.Statement)
	}
}

func TestMySQLPrepareExecuteSubstitution(t *testing.T) {
	p := newMySQLParser()

	// Client prepares "SELECT ?".
	_, frames, err := p.ParseFrames(comStmtPrepare("SELECT ?"), event.Egress, 0, fixedTS(1))
	if err != nil || len(frames) != 1 {
		t.Fatalf("prepare: frames=%d err=%v", len(frames), err)
	}

	// Server assigns stmt_id 42 with one parameter.
	_, frames, err = p.ParseFrames(prepareOK(42, 1), event.Ingress, 0, fixedTS(2))
	if err != nil || len(frames) != 1 {
		t.Fatalf("prepare response: frames=%d err=%v", len(frames), err)
	}
	if frames[0].MySQL.StmtID != 42 {
		t.Errorf("stmt id = %d, want 42", frames[0].MySQL.StmtID)
	}

	// Client executes stmt 42 with argument 7.
	_, frames, err = p.ParseFrames(comStmtExecute(42, 7), event.Egress, 100, fixedTS(3))
	if err != nil || len(frames) != 1 {
		t.Fatalf("execute: frames=%d err=%v", len(frames), err)
	}
	if got := frames[0].MySQL.Statement; got != "SELECT 7" {
		t.Errorf("substituted statement = %q, want %q", got, "SELECT 7")
	}

	// Server returns a one-row resultset.
	_, frames, err = p.ParseFrames(resultSet(1, false), event.Ingress, 100, fixedTS(4))
	if err != nil || len(frames) != 1 {
		t.Fatalf("execute response: frames=%d err=%v", len(frames), err)
	}
	resp := frames[0].MySQL
	if resp.RespStatus != "resultset" || resp.RowCount != 1 {
		t.Errorf("response = %+v", resp)
	}
}

func TestMySQLStmtCloseDropsRegistration(t *testing.T) {
	p := newMySQLParser()

	p.ParseFrames(comStmtPrepare("SELECT ?"), event.Egress, 0, fixedTS(1))
	p.ParseFrames(prepareOK(7, 1), event.Ingress, 0, fixedTS(2))

	closePkt := mysqlPacket(0, []byte{mysqlComStmtClose, 7, 0, 0, 0})
	_, frames, err := p.ParseFrames(closePkt, event.Egress, 50, fixedTS(3))
	if err != nil || len(frames) != 1 {
		t.Fatalf("close: frames=%d err=%v", len(frames), err)
	}
	if !frames[0].MySQL.NoResponse {
		t.Error("STMT_CLOSE should be marked NoResponse")
	}

	// A later execute against the closed statement has no query to
	// substitute into.
	_, frames, _ = p.ParseFrames(comStmtExecute(7, 1), event.Egress, 60, fixedTS(4))
	if len(frames) != 1 {
		t.Fatalf("execute after close: frames=%d", len(frames))
	}
	if got := frames[0].MySQL.Statement; got != "stmt#7" {
		t.Errorf("statement = %q, want stmt#7", got)
	}
}

func TestMySQLErrorResponse(t *testing.T) {
	p := newMySQLParser()

	p.ParseFrames(comQuery("SELECT * FROM nope"), event.Egress, 0, fixedTS(1))
	_, frames, err := p.ParseFrames(errPacket(1146, "Table 'nope' doesn't exist"), event.Ingress, 0, fixedTS(2))
	if err != nil || len(frames) != 1 {
		t.Fatalf("error response: frames=%d err=%v", len(frames), err)
	}

	msg := frames[0].MySQL
	if msg.RespStatus != "err" || msg.ErrorCode != 1146 {
		t.Errorf("response = %+v", msg)
	}
	if msg.ErrorMessage != "Table 'nope' doesn't exist" {
		t.Errorf("error message = %q", msg.ErrorMessage)
	}
}

func TestMySQLMultiResultset(t *testing.T) {
	p := newMySQLParser()

	p.ParseFrames(comQuery("CALL multi()"), event.Egress, 0, fixedTS(1))

	payload := append(resultSet(2, true), resultSet(3, false)...)
	_, frames, err := p.ParseFrames(payload, event.Ingress, 0, fixedTS(2))
	if err != nil || len(frames) != 1 {
		t.Fatalf("multi resultset: frames=%d err=%v", len(frames), err)
	}

	msg := frames[0].MySQL
	if msg.ResultSets != 2 {
		t.Errorf("ResultSets = %d, want 2", msg.ResultSets)
	}
	if msg.RowCount != 5 {
		t.Errorf("RowCount = %d, want 5", msg.RowCount)
	}
}

func TestMySQLIncompleteResponseConsumesNothing(t *testing.T) {
	p := newMySQLParser()

	p.ParseFrames(comQuery("SELECT 1"), event.Egress, 0, fixedTS(1))

	partial := resultSet(1, false)
	consumed, frames, err := p.ParseFrames(partial[:len(partial)-3], event.Ingress, 0, fixedTS(2))
	if err != nil {
		t.Fatalf("ParseFrames: %v", err)
	}
	if consumed != 0 || len(frames) != 0 {
		t.Errorf("consumed = %d frames = %d, want 0/0", consumed, len(frames))
	}
}

func TestMySQLResync(t *testing.T) {
	p := newMySQLParser()

	pkt := comQuery("SELECT 1")
	buf := append([]byte{0xde, 0xad}, pkt...)
	got := p.Resync(buf, event.Egress)
	if got != 2 {
		t.Errorf("Resync = %d, want 2", got)
	}
	if aligned := p.Resync(pkt, event.Egress); aligned != 0 {
		t.Errorf("Resync on aligned buffer = %d, want 0", aligned)
	}
}
