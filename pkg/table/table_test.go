// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package table

import "testing"

func testSchema() Schema {
	return Schema{
		Name: "test_events",
		Columns: []Column{
			{Name: "time_ns", Type: TypeUint64},
			{Name: "tgid", Type: TypeInt64},
			{Name: "name", Type: TypeString},
		},
	}
}

func TestTableAppendAndDrain(t *testing.T) {
	tbl := New(testSchema())

	if err := tbl.AppendRow(uint64(1000), int64(7), "first"); err != nil {
		t.Fatalf("AppendRow: %v", err)
	}
	if err := tbl.AppendRow(uint64(2000), int64(8), "second"); err != nil {
		t.Fatalf("AppendRow: %v", err)
	}
	if tbl.Rows() != 2 {
		t.Errorf("Rows = %d, want 2", tbl.Rows())
	}

	b := tbl.Drain()
	if b.NumRows != 2 {
		t.Fatalf("batch rows = %d, want 2", b.NumRows)
	}
	if got := b.Uint64Column("time_ns"); len(got) != 2 || got[0] != 1000 || got[1] != 2000 {
		t.Errorf("time_ns = %v", got)
	}
	if got := b.Int64Column("tgid"); got[1] != 8 {
		t.Errorf("tgid = %v", got)
	}
	if got := b.StringColumn("name"); got[0] != "first" {
		t.Errorf("name = %v", got)
	}

	// Drain resets the table.
	if tbl.Rows() != 0 {
		t.Errorf("Rows after drain = %d, want 0", tbl.Rows())
	}
	if b2 := tbl.Drain(); b2.NumRows != 0 {
		t.Errorf("second drain rows = %d, want 0", b2.NumRows)
	}
}

func TestTableRejectsArityMismatch(t *testing.T) {
	tbl := New(testSchema())
	if err := tbl.AppendRow(uint64(1), int64(2)); err == nil {
		t.Error("expected error for missing column value")
	}
}

func TestTableRejectsTypeMismatch(t *testing.T) {
	tbl := New(testSchema())
	if err := tbl.AppendRow(uint64(1), "not-an-int", "x"); err == nil {
		t.Error("expected error for wrong column type")
	}
}

func TestBatchUnknownColumn(t *testing.T) {
	tbl := New(testSchema())
	tbl.AppendRow(uint64(1), int64(2), "x")
	b := tbl.Drain()

	if b.StringColumn("nope") != nil {
		t.Error("unknown column should return nil")
	}
	if b.Int64Column("name") != nil {
		t.Error("type-mismatched accessor should return nil")
	}
}

func TestSchemasMatchColumnCounts(t *testing.T) {
	if got := len(HTTPSchema.Columns); got != 16 {
		t.Errorf("http_events columns = %d, want 16", got)
	}
	if got := len(MySQLSchema.Columns); got != 10 {
		t.Errorf("mysql_events columns = %d, want 10", got)
	}
	if HTTPSchema.ColumnIndex("http_resp_latency_ns") < 0 {
		t.Error("http_events missing latency column")
	}
	if MySQLSchema.ColumnIndex("mysql_resp_latency_ns") < 0 {
		t.Error("mysql_events missing latency column")
	}
}
