package ovsdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	libovsdb "github.com/ovn-kubernetes/libovsdb/ovsdb"
)

// Cell is one column value of a decoded row.
type Cell struct {
	Column string
	Value  any
}

// Row is a decoded table row with cells in presentation order.
type Row []Cell

// Get returns the value of column, if present.
func (r Row) Get(column string) (any, bool) {
	for _, c := range r {
		if c.Column == column {
			return c.Value, true
		}
	}
	return nil, false
}

// MarshalJSON encodes the row as a JSON object whose keys keep the row's
// column order.
func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(c.Column)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(c.Value)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Column, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Table is the decoded content of one table.
type Table struct {
	Database string   `json:"database"`
	Name     string   `json:"name"`
	Columns  []string `json:"columns"`
	Rows     []Row    `json:"rows"`
}

// Transactor runs transact requests. *Client satisfies it.
type Transactor interface {
	Transact(ctx context.Context, db string, ops ...libovsdb.Operation) ([]OperationResult, error)
}

// GetTable reads every row of table with a single select and decodes the
// rows against schema. An unknown table fails with ErrNotFound before any
// request is sent.
func GetTable(ctx context.Context, tx Transactor, schema *DatabaseSchema, table string) (*Table, error) {
	if _, ok := schema.Tables[table]; !ok {
		return nil, fmt.Errorf("table %q in %s: %w", table, schema.Name, ErrNotFound)
	}

	results, err := tx.Transact(ctx, schema.Name, Select(table))
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}

	rows, err := DecodeRows(schema, table, results[0].Rows)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	return &Table{
		Database: schema.Name,
		Name:     table,
		Columns:  schema.ColumnOrder(table),
		Rows:     rows,
	}, nil
}

// DecodeRows decodes raw select rows of table. Columns the schema does not
// know are dropped and columns missing from a row are left out of it.
func DecodeRows(schema *DatabaseSchema, table string, raw []map[string]json.RawMessage) ([]Row, error) {
	ts, ok := schema.Tables[table]
	if !ok {
		return nil, fmt.Errorf("table %q in %s: %w", table, schema.Name, ErrNotFound)
	}
	order := schema.ColumnOrder(table)
	rows := make([]Row, 0, len(raw))
	for i, r := range raw {
		row := make(Row, 0, len(order))
		for _, col := range order {
			v, ok := r[col]
			if !ok {
				continue
			}
			val, err := DecodeValue(ts.Columns[col], v)
			if err != nil {
				return nil, fmt.Errorf("row %d column %s: %w", i, col, err)
			}
			row = append(row, Cell{Column: col, Value: val})
		}
		rows = append(rows, row)
	}
	return rows, nil
}
