// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mbeema/socktracer/pkg/event"
)

// MySQL command bytes.
const (
	mysqlComQuit        = 0x01
	mysqlComInitDB      = 0x02
	mysqlComQuery       = 0x03
	mysqlComPing        = 0x0e
	mysqlComStmtPrepare = 0x16
	mysqlComStmtExecute = 0x17
	mysqlComStmtClose   = 0x19
)

// MySQL response markers and server handshake version.
const (
	mysqlOK           = 0x00
	mysqlEOF          = 0xfe
	mysqlERR          = 0xff
	mysqlHandshakeV10 = 0x0a
)

// serverMoreResultsExists in EOF/OK status flags signals another
// resultset follows.
const serverMoreResultsExists = 0x0008

// MySQLMessage is one parsed MySQL command or complete server response.
// A response spans all packets up to and including the terminating
// OK/ERR/EOF (including multi-resultset continuations).
type MySQLMessage struct {
	IsRequest bool

	Command     byte
	CommandName string
	Statement   string // query text; EXECUTE renders with substituted args

	RespStatus   string // "ok", "err", "resultset"
	ErrorCode    uint16
	ErrorMessage string
	RowCount     int
	ResultSets   int
	StmtID       uint32

	// NoResponse marks commands the server never answers (QUIT,
	// STMT_CLOSE); the matcher emits them without waiting.
	NoResponse bool
}

// Body renders the message for table output.
func (m *MySQLMessage) Body() string {
	if m.IsRequest {
		return m.Statement
	}
	switch m.RespStatus {
	case "err":
		return fmt.Sprintf("error %d: %s", m.ErrorCode, m.ErrorMessage)
	case "resultset":
		return fmt.Sprintf("resultset: %d rows", m.RowCount)
	default:
		return "ok"
	}
}

type preparedStmt struct {
	query     string
	numParams int
}

const directionUnset = event.Direction(0xff)

// mysqlParser is stateful across the connection: it tracks which
// direction issues commands, outstanding commands for response
// interpretation, and the prepared-statement registry.
type mysqlParser struct {
	reqDir event.Direction

	stmts           map[uint32]*preparedStmt
	pendingPrepares []string // PREPARE queries awaiting server stmt ids
	cmdQueue        []byte   // outstanding commands, FIFO
	cmdStmtIDs      []uint32 // stmt id per outstanding command (0 if n/a)
}

func newMySQLParser() *mysqlParser {
	return &mysqlParser{
		reqDir: directionUnset,
		stmts:  make(map[uint32]*preparedStmt),
	}
}

func (p *mysqlParser) Proto() Protocol { return MySQL }

func (p *mysqlParser) ParseFrames(buf []byte, dir event.Direction, base uint64, ts TimestampFn) (int, []Frame, error) {
	if p.reqDir == directionUnset && isMySQLCommandPacket(buf) {
		p.reqDir = dir
	}

	if dir == p.reqDir {
		return p.parseCommands(buf, dir, base, ts)
	}
	return p.parseResponses(buf, dir, base, ts)
}

// Resync re-aligns on a plausible packet header: a 3-byte length that
// lands exactly on another plausible header or the end of the buffer.
// Returns 0 when the buffer already starts on one.
func (p *mysqlParser) Resync(buf []byte, dir event.Direction) int {
	for i := 0; i+4 <= len(buf); i++ {
		if plausibleMySQLHeader(buf[i:]) {
			return i
		}
	}
	if len(buf) > 4 {
		return len(buf) - 4
	}
	return 1
}

func plausibleMySQLHeader(b []byte) bool {
	if len(b) < 4 {
		return false
	}
	pktLen := int(b[0]) | int(b[1])<<8 | int(b[2])<<16
	if pktLen == 0 || pktLen >= 1<<20 {
		return false
	}
	next := 4 + pktLen
	if next == len(b) {
		return true
	}
	if next+4 <= len(b) {
		nl := int(b[next]) | int(b[next+1])<<8 | int(b[next+2])<<16
		return nl > 0 && nl < 1<<20
	}
	return false
}

func isMySQLCommandPacket(buf []byte) bool {
	if len(buf) < 5 || buf[3] != 0 {
		return false
	}
	switch buf[4] {
	case mysqlComQuery, mysqlComStmtPrepare, mysqlComStmtExecute,
		mysqlComStmtClose, mysqlComPing, mysqlComQuit, mysqlComInitDB:
		return true
	}
	return false
}

// framePacket returns the length of one complete packet, or 0.
func framePacket(buf []byte) int {
	if len(buf) < 4 {
		return 0
	}
	pktLen := int(buf[0]) | int(buf[1])<<8 | int(buf[2])<<16
	total := 4 + pktLen
	if total > len(buf) {
		return 0
	}
	return total
}

/* ─── Command direction ─────────────────────────────────────────── */

func (p *mysqlParser) parseCommands(buf []byte, dir event.Direction, base uint64, ts TimestampFn) (int, []Frame, error) {
	var frames []Frame
	consumed := 0

	for consumed < len(buf) {
		rest := buf[consumed:]
		n := framePacket(rest)
		if n == 0 {
			break
		}

		seqID := rest[3]
		if seqID != 0 || n < 5 {
			// Mid-handshake auth traffic or a continuation packet; not a
			// command. Consume without emitting.
			consumed += n
			continue
		}

		msg := p.parseCommand(rest[4:n])
		if msg == nil {
			consumed += n
			continue
		}

		frames = append(frames, Frame{
			Proto:     MySQL,
			Direction: dir,
			TSNS:      ts(consumed),
			Offset:    base + uint64(consumed),
			MySQL:     msg,
		})
		consumed += n
	}

	return consumed, frames, nil
}

func (p *mysqlParser) parseCommand(payload []byte) *MySQLMessage {
	cmd := payload[0]
	msg := &MySQLMessage{IsRequest: true, Command: cmd, CommandName: mysqlCommandName(cmd)}

	switch cmd {
	case mysqlComQuery:
		msg.Statement = string(payload[1:])

	case mysqlComStmtPrepare:
		msg.Statement = string(payload[1:])
		p.pendingPrepares = append(p.pendingPrepares, msg.Statement)

	case mysqlComStmtExecute:
		if len(payload) < 10 {
			msg.Statement = "EXECUTE"
			break
		}
		stmtID := binary.LittleEndian.Uint32(payload[1:5])
		msg.StmtID = stmtID
		msg.Statement = p.renderExecute(stmtID, payload)

	case mysqlComStmtClose:
		if len(payload) >= 5 {
			stmtID := binary.LittleEndian.Uint32(payload[1:5])
			msg.StmtID = stmtID
			delete(p.stmts, stmtID)
			msg.Statement = fmt.Sprintf("CLOSE stmt#%d", stmtID)
		}
		msg.NoResponse = true
		return msg

	case mysqlComInitDB:
		msg.Statement = "USE " + string(payload[1:])

	case mysqlComPing:
		msg.Statement = "PING"

	case mysqlComQuit:
		msg.Statement = "QUIT"
		msg.NoResponse = true
		return msg

	default:
		return nil
	}

	p.cmdQueue = append(p.cmdQueue, cmd)
	p.cmdStmtIDs = append(p.cmdStmtIDs, msg.StmtID)
	return msg
}

// renderExecute substitutes bound arguments into the prepared query.
func (p *mysqlParser) renderExecute(stmtID uint32, payload []byte) string {
	stmt, ok := p.stmts[stmtID]
	if !ok {
		return fmt.Sprintf("stmt#%d", stmtID)
	}
	if stmt.numParams == 0 {
		return stmt.query
	}

	args, ok := decodeExecuteArgs(payload, stmt.numParams)
	if !ok {
		return stmt.query
	}

	rendered := stmt.query
	for _, arg := range args {
		if !strings.Contains(rendered, "?") {
			break
		}
		rendered = strings.Replace(rendered, "?", arg, 1)
	}
	return rendered
}

// decodeExecuteArgs decodes the binary-protocol bound parameters of a
// COM_STMT_EXECUTE packet into SQL literals.
func decodeExecuteArgs(payload []byte, numParams int) ([]string, bool) {
	// cmd(1) stmt_id(4) flags(1) iteration_count(4)
	off := 10
	nullBitmapLen := (numParams + 7) / 8
	if len(payload) < off+nullBitmapLen+1 {
		return nil, false
	}
	nullBitmap := payload[off : off+nullBitmapLen]
	off += nullBitmapLen

	newParamsBound := payload[off]
	off++
	if newParamsBound != 1 {
		return nil, false // types not re-sent; values unavailable
	}

	if len(payload) < off+2*numParams {
		return nil, false
	}
	types := make([]byte, numParams)
	for i := 0; i < numParams; i++ {
		types[i] = payload[off+2*i] // second byte is the unsigned flag
	}
	off += 2 * numParams

	args := make([]string, 0, numParams)
	for i := 0; i < numParams; i++ {
		if nullBitmap[i/8]&(1<<(i%8)) != 0 {
			args = append(args, "NULL")
			continue
		}

		lit, n, ok := decodeBinaryValue(types[i], payload[off:])
		if !ok {
			return nil, false
		}
		args = append(args, lit)
		off += n
	}
	return args, true
}

func decodeBinaryValue(fieldType byte, b []byte) (string, int, bool) {
	switch fieldType {
	case 0x01: // TINY
		if len(b) < 1 {
			return "", 0, false
		}
		return strconv.Itoa(int(int8(b[0]))), 1, true
	case 0x02: // SHORT
		if len(b) < 2 {
			return "", 0, false
		}
		return strconv.Itoa(int(int16(binary.LittleEndian.Uint16(b)))), 2, true
	case 0x03: // LONG
		if len(b) < 4 {
			return "", 0, false
		}
		return strconv.Itoa(int(int32(binary.LittleEndian.Uint32(b)))), 4, true
	case 0x08: // LONGLONG
		if len(b) < 8 {
			return "", 0, false
		}
		return strconv.FormatInt(int64(binary.LittleEndian.Uint64(b)), 10), 8, true
	case 0x04: // FLOAT
		if len(b) < 4 {
			return "", 0, false
		}
		f := math.Float32frombits(binary.LittleEndian.Uint32(b))
		return strconv.FormatFloat(float64(f), 'g', -1, 32), 4, true
	case 0x05: // DOUBLE
		if len(b) < 8 {
			return "", 0, false
		}
		f := math.Float64frombits(binary.LittleEndian.Uint64(b))
		return strconv.FormatFloat(f, 'g', -1, 64), 8, true
	case 0x0f, 0xfd, 0xfe, 0xfc: // VARCHAR, VAR_STRING, STRING, BLOB
		s, n, ok := readLenEncString(b)
		if !ok {
			return "", 0, false
		}
		return "'" + strings.ReplaceAll(s, "'", "''") + "'", n, true
	default:
		return "", 0, false
	}
}

/* ─── Response direction ────────────────────────────────────────── */

func (p *mysqlParser) parseResponses(buf []byte, dir event.Direction, base uint64, ts TimestampFn) (int, []Frame, error) {
	var frames []Frame
	consumed := 0

	for consumed < len(buf) {
		rest := buf[consumed:]

		// Server greeting and auth exchange precede any command.
		if len(p.cmdQueue) == 0 {
			n := framePacket(rest)
			if n == 0 {
				break
			}
			consumed += n
			continue
		}

		cmd := p.cmdQueue[0]
		stmtID := p.cmdStmtIDs[0]

		msg, n := p.parseResponse(cmd, stmtID, rest)
		if n == 0 {
			break // response incomplete
		}

		p.cmdQueue = p.cmdQueue[1:]
		p.cmdStmtIDs = p.cmdStmtIDs[1:]

		frames = append(frames, Frame{
			Proto:     MySQL,
			Direction: dir,
			TSNS:      ts(consumed),
			Offset:    base + uint64(consumed),
			MySQL:     msg,
		})
		consumed += n
	}

	return consumed, frames, nil
}

// parseResponse consumes one complete server response for cmd,
// returning the message and total bytes, or (nil, 0) if incomplete.
func (p *mysqlParser) parseResponse(cmd byte, stmtID uint32, buf []byte) (*MySQLMessage, int) {
	n := framePacket(buf)
	if n == 0 || n < 5 {
		return nil, 0
	}

	first := buf[4]

	if first == mysqlERR {
		msg := &MySQLMessage{RespStatus: "err"}
		p.parseErrPacket(buf[4:n], msg)
		p.dropPendingPrepare(cmd)
		return msg, n
	}

	if cmd == mysqlComStmtPrepare {
		return p.parsePrepareOK(buf)
	}

	if first == mysqlOK {
		msg := &MySQLMessage{RespStatus: "ok"}
		total := n
		// SERVER_MORE_RESULTS_EXISTS chains another OK or resultset.
		for okMoreResults(buf[total-n+4 : total]) {
			m := framePacket(buf[total:])
			if m == 0 || m < 5 {
				return nil, 0
			}
			if buf[total+4] == mysqlOK {
				n = m
				total += m
				continue
			}
			next, used := p.parseResultSet(buf[total:])
			if used == 0 {
				return nil, 0
			}
			msg.ResultSets += next.ResultSets
			msg.RowCount += next.RowCount
			total += used
			break
		}
		return msg, total
	}

	return p.parseResultSet(buf)
}

// parsePrepareOK parses a COM_STMT_PREPARE response: the OK header plus
// parameter and column definition blocks, and registers the statement.
func (p *mysqlParser) parsePrepareOK(buf []byte) (*MySQLMessage, int) {
	n := framePacket(buf)
	if n == 0 {
		return nil, 0
	}
	pkt := buf[4:n]
	if len(pkt) < 12 || pkt[0] != mysqlOK {
		// Not a prepare OK; treat as generic OK to stay aligned.
		p.dropPendingPrepare(mysqlComStmtPrepare)
		return &MySQLMessage{RespStatus: "ok"}, n
	}

	stmtID := binary.LittleEndian.Uint32(pkt[1:5])
	numCols := int(binary.LittleEndian.Uint16(pkt[5:7]))
	numParams := int(binary.LittleEndian.Uint16(pkt[7:9]))

	total := n
	// Parameter definitions then column definitions, each block
	// terminated by EOF when non-empty.
	for _, count := range []int{numParams, numCols} {
		if count == 0 {
			continue
		}
		for i := 0; i < count; i++ {
			m := framePacket(buf[total:])
			if m == 0 {
				return nil, 0
			}
			total += m
		}
		m := framePacket(buf[total:])
		if m == 0 {
			return nil, 0
		}
		total += m // EOF
	}

	query := ""
	if len(p.pendingPrepares) > 0 {
		query = p.pendingPrepares[0]
		p.pendingPrepares = p.pendingPrepares[1:]
	}
	p.stmts[stmtID] = &preparedStmt{query: query, numParams: numParams}

	return &MySQLMessage{RespStatus: "ok", StmtID: stmtID}, total
}

// parseResultSet consumes one or more chained resultsets.
func (p *mysqlParser) parseResultSet(buf []byte) (*MySQLMessage, int) {
	msg := &MySQLMessage{RespStatus: "resultset"}
	total := 0

	for {
		used, rows, more, ok := parseOneResultSet(buf[total:])
		if !ok {
			return nil, 0
		}
		msg.ResultSets++
		msg.RowCount += rows
		total += used
		if !more {
			return msg, total
		}
	}
}

// parseOneResultSet consumes column-count, column definitions, EOF, rows
// and the terminating EOF/OK. Returns consumed bytes, row count, and
// whether more resultsets follow.
func parseOneResultSet(buf []byte) (used, rows int, more, ok bool) {
	n := framePacket(buf)
	if n == 0 || n < 5 {
		return 0, 0, false, false
	}

	colCount, _, lok := readLenEncInt(buf[4:n])
	if !lok || colCount == 0 || colCount > 4096 {
		return 0, 0, false, false
	}
	total := n

	for i := uint64(0); i < colCount; i++ {
		m := framePacket(buf[total:])
		if m == 0 {
			return 0, 0, false, false
		}
		total += m
	}

	// EOF after column definitions.
	m := framePacket(buf[total:])
	if m == 0 {
		return 0, 0, false, false
	}
	total += m

	for {
		m := framePacket(buf[total:])
		if m == 0 {
			return 0, 0, false, false
		}
		marker := buf[total+4]
		// EOF packets are at most 9 bytes; longer 0xfe is a row.
		if (marker == mysqlEOF && m <= 13) || marker == mysqlERR {
			flags := eofStatusFlags(buf[total+4 : total+m])
			total += m
			return total, rows, marker == mysqlEOF && flags&serverMoreResultsExists != 0, true
		}
		rows++
		total += m
	}
}

func (p *mysqlParser) parseErrPacket(pkt []byte, msg *MySQLMessage) {
	if len(pkt) < 3 {
		return
	}
	msg.ErrorCode = binary.LittleEndian.Uint16(pkt[1:3])
	rest := pkt[3:]
	// Skip '#' marker and the 5-char SQL state.
	if len(rest) > 6 && rest[0] == '#' {
		rest = rest[6:]
	}
	msg.ErrorMessage = string(rest)
}

func (p *mysqlParser) dropPendingPrepare(cmd byte) {
	if cmd == mysqlComStmtPrepare && len(p.pendingPrepares) > 0 {
		p.pendingPrepares = p.pendingPrepares[1:]
	}
}

func okMoreResults(pkt []byte) bool {
	if len(pkt) < 1 || pkt[0] != mysqlOK {
		return false
	}
	rest := pkt[1:]
	if _, n, ok := readLenEncInt(rest); ok {
		rest = rest[n:]
	}
	if _, n, ok := readLenEncInt(rest); ok {
		rest = rest[n:]
	}
	if len(rest) < 2 {
		return false
	}
	return binary.LittleEndian.Uint16(rest[:2])&serverMoreResultsExists != 0
}

func eofStatusFlags(pkt []byte) uint16 {
	// EOF: 0xfe warnings(2) status_flags(2)
	if len(pkt) >= 5 && pkt[0] == mysqlEOF {
		return binary.LittleEndian.Uint16(pkt[3:5])
	}
	return 0
}

func mysqlCommandName(cmd byte) string {
	switch cmd {
	case mysqlComQuery:
		return "QUERY"
	case mysqlComStmtPrepare:
		return "STMT_PREPARE"
	case mysqlComStmtExecute:
		return "STMT_EXECUTE"
	case mysqlComStmtClose:
		return "STMT_CLOSE"
	case mysqlComInitDB:
		return "INIT_DB"
	case mysqlComPing:
		return "PING"
	case mysqlComQuit:
		return "QUIT"
	default:
		return fmt.Sprintf("COM(%#02x)", cmd)
	}
}

/* ─── Length-encoded primitives ─────────────────────────────────── */

func readLenEncInt(b []byte) (uint64, int, bool) {
	if len(b) == 0 {
		return 0, 0, false
	}
	switch {
	case b[0] < 0xfb:
		return uint64(b[0]), 1, true
	case b[0] == 0xfc:
		if len(b) < 3 {
			return 0, 0, false
		}
		return uint64(binary.LittleEndian.Uint16(b[1:3])), 3, true
	case b[0] == 0xfd:
		if len(b) < 4 {
			return 0, 0, false
		}
		return uint64(b[1]) | uint64(b[2])<<8 | uint64(b[3])<<16, 4, true
	case b[0] == 0xfe:
		if len(b) < 9 {
			return 0, 0, false
		}
		return binary.LittleEndian.Uint64(b[1:9]), 9, true
	default:
		return 0, 0, false
	}
}

func readLenEncString(b []byte) (string, int, bool) {
	n, hdr, ok := readLenEncInt(b)
	if !ok || uint64(len(b)) < uint64(hdr)+n {
		return "", 0, false
	}
	return string(b[hdr : uint64(hdr)+n]), hdr + int(n), true
}
