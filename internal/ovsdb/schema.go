package ovsdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	libovsdb "github.com/ovn-kubernetes/libovsdb/ovsdb"
)

// Unlimited is the Max of a column whose schema says "max": "unlimited".
const Unlimited = libovsdb.Unlimited

// ColumnKind is the shape of a column's values.
type ColumnKind int

const (
	KindAtomic ColumnKind = iota
	KindSet
	KindMap
)

func (k ColumnKind) String() string {
	switch k {
	case KindAtomic:
		return "atomic"
	case KindSet:
		return "set"
	case KindMap:
		return "map"
	}
	return fmt.Sprintf("ColumnKind(%d)", int(k))
}

func (k ColumnKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// KindOf derives the shape of a column from its type alone: a value type
// makes a map, max > 1 or min 0 makes a set, anything else is a single atom.
func KindOf(col *libovsdb.ColumnSchema) ColumnKind {
	if col.TypeObj == nil {
		return KindAtomic
	}
	switch {
	case col.TypeObj.Value != nil:
		return KindMap
	case col.TypeObj.Max() != 1 || col.TypeObj.Min() == 0:
		return KindSet
	}
	return KindAtomic
}

// keyType returns the base type of a column's atoms, or of its map keys.
func keyType(col *libovsdb.ColumnSchema) *libovsdb.BaseType {
	if col.TypeObj == nil {
		return &libovsdb.BaseType{Type: col.Type}
	}
	return col.TypeObj.Key
}

// Implicit columns present in every table.
var implicitColumns = []string{"_uuid", "_version"}

// DatabaseSchema is a parsed get_schema result. Table and column lookups go
// through the embedded libovsdb schema; the declared column order, which a
// Go map cannot keep, is recorded alongside.
type DatabaseSchema struct {
	libovsdb.DatabaseSchema
	declared map[string][]string
}

// TableNames returns the table names in sorted order.
func (s *DatabaseSchema) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for name := range s.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ColumnOrder returns the presentation order of a table's columns: the
// columns of the first index group, then the remaining declared columns in
// schema order, then _uuid and _version. It is nil for an unknown table.
func (s *DatabaseSchema) ColumnOrder(table string) []string {
	ts, ok := s.Tables[table]
	if !ok {
		return nil
	}
	return presentationOrder(s.declared[table], ts.Indexes)
}

func presentationOrder(declared []string, indexes [][]string) []string {
	order := make([]string, 0, len(declared)+len(implicitColumns))
	seen := make(map[string]bool, cap(order))
	add := func(col string) {
		if !seen[col] {
			seen[col] = true
			order = append(order, col)
		}
	}
	if len(indexes) > 0 {
		for _, col := range indexes[0] {
			add(col)
		}
	}
	for _, col := range declared {
		add(col)
	}
	for _, col := range implicitColumns {
		add(col)
	}
	return order
}

// Base is the presentation view of a libovsdb base type.
type Base struct {
	Type     string `json:"type"`
	Enum     []any  `json:"enum,omitempty"`
	RefTable string `json:"refTable,omitempty"`
	RefType  string `json:"refType,omitempty"`
}

func describeBase(b *libovsdb.BaseType) Base {
	out := Base{Type: b.Type, Enum: b.Enum}
	if b.Type != libovsdb.TypeUUID {
		return out
	}
	if table, err := b.RefTable(); err == nil && table != "" {
		out.RefTable = table
		out.RefType = "strong"
		if rt, err := b.RefType(); err == nil && rt != "" {
			out.RefType = string(rt)
		}
	}
	return out
}

// Column is the presentation view of one column schema.
type Column struct {
	Name      string     `json:"name"`
	Kind      ColumnKind `json:"kind"`
	Key       Base       `json:"key"`
	Value     *Base      `json:"value,omitempty"`
	Min       int        `json:"min"`
	Max       int        `json:"max"`
	Mutable   bool       `json:"mutable"`
	Ephemeral bool       `json:"ephemeral,omitempty"`
}

func describeColumn(name string, col *libovsdb.ColumnSchema) Column {
	c := Column{
		Name:      name,
		Kind:      KindOf(col),
		Key:       describeBase(keyType(col)),
		Min:       1,
		Max:       1,
		Mutable:   col.Mutable(),
		Ephemeral: col.Ephemeral(),
	}
	if col.TypeObj != nil {
		c.Min = col.TypeObj.Min()
		c.Max = col.TypeObj.Max()
		if col.TypeObj.Value != nil {
			v := describeBase(col.TypeObj.Value)
			c.Value = &v
		}
	}
	return c
}

// Column describes column of table.
func (s *DatabaseSchema) Column(table, column string) (Column, bool) {
	ts, ok := s.Tables[table]
	if !ok {
		return Column{}, false
	}
	col, ok := ts.Columns[column]
	if !ok || col == nil {
		return Column{}, false
	}
	return describeColumn(column, col), true
}

// MarshalJSON renders the schema for API clients with every table's
// columns listed in presentation order.
func (s DatabaseSchema) MarshalJSON() ([]byte, error) {
	type tableView struct {
		Columns []Column   `json:"columns"`
		Indexes [][]string `json:"indexes,omitempty"`
		IsRoot  bool       `json:"isRoot"`
	}
	tables := make(map[string]tableView, len(s.Tables))
	for name, ts := range s.Tables {
		order := s.ColumnOrder(name)
		view := tableView{Columns: make([]Column, 0, len(order)), Indexes: ts.Indexes, IsRoot: ts.IsRoot}
		for _, col := range order {
			view.Columns = append(view.Columns, describeColumn(col, ts.Columns[col]))
		}
		tables[name] = view
	}
	return json.Marshal(struct {
		Name    string               `json:"name"`
		Version string               `json:"version"`
		Tables  map[string]tableView `json:"tables"`
	}{s.Name, s.Version, tables})
}

func validAtomic(t string) bool {
	switch t {
	case libovsdb.TypeInteger, libovsdb.TypeReal, libovsdb.TypeBoolean, libovsdb.TypeString, libovsdb.TypeUUID:
		return true
	}
	return false
}

// ParseSchema decodes a schema document (RFC 7047 section 3.2) into the
// libovsdb schema types and checks what libovsdb accepts without
// complaint. Any structural problem is reported as ErrProtocol.
func ParseSchema(data []byte) (*DatabaseSchema, error) {
	declared, err := declaredColumns(data)
	if err != nil {
		return nil, fmt.Errorf("%w: schema: %v", ErrProtocol, err)
	}
	var s libovsdb.DatabaseSchema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: schema: %v", ErrProtocol, err)
	}
	if s.Name == "" {
		return nil, fmt.Errorf("%w: schema has no name", ErrProtocol)
	}
	if s.Tables == nil {
		return nil, fmt.Errorf("%w: schema %q has no tables", ErrProtocol, s.Name)
	}

	for name, ts := range s.Tables {
		if err := checkTable(ts); err != nil {
			return nil, fmt.Errorf("%w: table %q: %v", ErrProtocol, name, err)
		}
		for _, col := range implicitColumns {
			ts.Columns[col] = &libovsdb.ColumnSchema{Type: libovsdb.TypeUUID}
		}
	}
	return &DatabaseSchema{DatabaseSchema: s, declared: declared}, nil
}

func checkTable(ts libovsdb.TableSchema) error {
	if ts.Columns == nil {
		return fmt.Errorf("missing columns")
	}
	for name, col := range ts.Columns {
		if err := checkColumn(col); err != nil {
			return fmt.Errorf("column %q: %v", name, err)
		}
	}
	for _, idx := range ts.Indexes {
		for _, col := range idx {
			if _, ok := ts.Columns[col]; !ok {
				return fmt.Errorf("index references unknown column %q", col)
			}
		}
	}
	return nil
}

func checkColumn(col *libovsdb.ColumnSchema) error {
	if col == nil {
		return fmt.Errorf("missing definition")
	}
	if col.TypeObj == nil {
		if !validAtomic(col.Type) {
			return fmt.Errorf("unknown atomic type %q", col.Type)
		}
		return nil
	}
	typ := col.TypeObj
	if typ.Key == nil || !validAtomic(typ.Key.Type) {
		return fmt.Errorf("invalid key type")
	}
	if typ.Value != nil && !validAtomic(typ.Value.Type) {
		return fmt.Errorf("unknown value type %q", typ.Value.Type)
	}
	if typ.Min() < 0 || typ.Min() > 1 {
		return fmt.Errorf("min must be 0 or 1, got %d", typ.Min())
	}
	if typ.Max() != Unlimited && (typ.Max() < 1 || typ.Max() < typ.Min()) {
		return fmt.Errorf("invalid max %d for min %d", typ.Max(), typ.Min())
	}
	return nil
}

// declaredColumns walks the tables of a schema document and returns each
// table's column names in document order. It also rejects column types
// without a key, which libovsdb cannot infer a type from.
func declaredColumns(data []byte) (map[string][]string, error) {
	var doc struct {
		Tables json.RawMessage `json:"tables"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if isNull(doc.Tables) {
		return nil, fmt.Errorf("no tables")
	}
	tables, rawTables, err := orderedObject(doc.Tables)
	if err != nil {
		return nil, fmt.Errorf("tables: %v", err)
	}

	declared := make(map[string][]string, len(tables))
	for _, name := range tables {
		var table struct {
			Columns json.RawMessage `json:"columns"`
		}
		if err := json.Unmarshal(rawTables[name], &table); err != nil {
			return nil, fmt.Errorf("table %q: %v", name, err)
		}
		if isNull(table.Columns) {
			return nil, fmt.Errorf("table %q: missing columns", name)
		}
		cols, rawCols, err := orderedObject(table.Columns)
		if err != nil {
			return nil, fmt.Errorf("table %q columns: %v", name, err)
		}
		for _, col := range cols {
			if err := checkColumnType(rawCols[col]); err != nil {
				return nil, fmt.Errorf("table %q column %q: %v", name, col, err)
			}
		}
		declared[name] = cols
	}
	return declared, nil
}

func checkColumnType(raw json.RawMessage) error {
	var col struct {
		Type json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(raw, &col); err != nil {
		return err
	}
	if isNull(col.Type) {
		return fmt.Errorf("missing type")
	}
	if t := bytes.TrimSpace(col.Type); t[0] != '{' {
		return nil
	}
	var typ struct {
		Key json.RawMessage `json:"key"`
	}
	if err := json.Unmarshal(col.Type, &typ); err != nil {
		return err
	}
	if isNull(typ.Key) {
		return fmt.Errorf("type has no key")
	}
	return nil
}

// orderedObject splits a JSON object into its keys, in document order, and
// their raw values.
func orderedObject(raw json.RawMessage) ([]string, map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, fmt.Errorf("expected object")
	}

	var keys []string
	values := make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("expected object key")
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, nil, err
		}
		if _, dup := values[key]; !dup {
			keys = append(keys, key)
		}
		values[key] = v
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, err
	}
	return keys, values, nil
}
