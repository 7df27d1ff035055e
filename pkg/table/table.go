// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package table implements the typed columnar output tables that the
// transfer stage appends protocol records into.
package table

import (
	"fmt"
	"sync"
)

// ColumnType is the value type of one column.
type ColumnType int

const (
	TypeInt64 ColumnType = iota
	TypeUint64
	TypeString
)

func (t ColumnType) String() string {
	switch t {
	case TypeInt64:
		return "int64"
	case TypeUint64:
		return "uint64"
	case TypeString:
		return "string"
	default:
		return "invalid"
	}
}

// Column describes one column of a schema.
type Column struct {
	Name string
	Type ColumnType
}

// Schema is an ordered column list with a table name.
type Schema struct {
	Name    string
	Columns []Column
}

// ColumnIndex returns the position of a named column, or -1.
func (s Schema) ColumnIndex(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// column is the typed backing storage for one column.
type column struct {
	i64 []int64
	u64 []uint64
	str []string
}

// Table is an append-only columnar table. The transfer stage is the
// only writer; readers drain snapshots under the table's lock.
type Table struct {
	mu     sync.Mutex
	schema Schema
	cols   []column
	rows   int
}

// New creates an empty table for the schema.
func New(schema Schema) *Table {
	return &Table{
		schema: schema,
		cols:   make([]column, len(schema.Columns)),
	}
}

// Schema returns the table schema.
func (t *Table) Schema() Schema { return t.schema }

// Rows returns the number of buffered rows.
func (t *Table) Rows() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rows
}

// AppendRow appends one row. Values must match the schema's column
// count and types.
func (t *Table) AppendRow(values ...interface{}) error {
	if len(values) != len(t.schema.Columns) {
		return fmt.Errorf("table %s: %d values for %d columns",
			t.schema.Name, len(values), len(t.schema.Columns))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i, v := range values {
		col := &t.cols[i]
		want := t.schema.Columns[i]
		switch want.Type {
		case TypeInt64:
			x, ok := toInt64(v)
			if !ok {
				return fmt.Errorf("table %s: column %s wants int64, got %T", t.schema.Name, want.Name, v)
			}
			col.i64 = append(col.i64, x)
		case TypeUint64:
			x, ok := toUint64(v)
			if !ok {
				return fmt.Errorf("table %s: column %s wants uint64, got %T", t.schema.Name, want.Name, v)
			}
			col.u64 = append(col.u64, x)
		case TypeString:
			x, ok := v.(string)
			if !ok {
				return fmt.Errorf("table %s: column %s wants string, got %T", t.schema.Name, want.Name, v)
			}
			col.str = append(col.str, x)
		}
	}

	t.rows++
	return nil
}

// Batch is a drained snapshot of table contents.
type Batch struct {
	Schema  Schema
	NumRows int
	cols    []column
}

// Drain returns the buffered rows and resets the table.
func (t *Table) Drain() *Batch {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := &Batch{
		Schema:  t.schema,
		NumRows: t.rows,
		cols:    t.cols,
	}
	t.cols = make([]column, len(t.schema.Columns))
	t.rows = 0
	return b
}

// Int64Column returns a named int64 column from the batch.
func (b *Batch) Int64Column(name string) []int64 {
	i := b.Schema.ColumnIndex(name)
	if i < 0 || b.Schema.Columns[i].Type != TypeInt64 {
		return nil
	}
	return b.cols[i].i64
}

// Uint64Column returns a named uint64 column from the batch.
func (b *Batch) Uint64Column(name string) []uint64 {
	i := b.Schema.ColumnIndex(name)
	if i < 0 || b.Schema.Columns[i].Type != TypeUint64 {
		return nil
	}
	return b.cols[i].u64
}

// StringColumn returns a named string column from the batch.
func (b *Batch) StringColumn(name string) []string {
	i := b.Schema.ColumnIndex(name)
	if i < 0 || b.Schema.Columns[i].Type != TypeString {
		return nil
	}
	return b.cols[i].str
}

func toInt64(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	default:
		return 0, false
	}
}

func toUint64(v interface{}) (uint64, bool) {
	switch x := v.(type) {
	case uint64:
		return x, true
	case uint32:
		return uint64(x), true
	case uint16:
		return uint64(x), true
	case int:
		if x < 0 {
			return 0, false
		}
		return uint64(x), true
	default:
		return 0, false
	}
}
