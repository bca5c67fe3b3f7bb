package ovsdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	libovsdb "github.com/ovn-kubernetes/libovsdb/ovsdb"
)

// Pair is one key/value entry of a map column. It marshals as a two-element
// JSON array so that wire order survives encoding.
type Pair struct {
	Key   any
	Value any
}

func (p Pair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.Key, p.Value})
}

// DecodeValue decodes the wire value of col. Atomic columns yield a string,
// int, float64 or bool; uuid atoms yield the bare UUID string. Sets always
// yield a []any, including when the server collapsed a one-element set to a
// bare atom. Maps yield []Pair in wire order.
func DecodeValue(col *libovsdb.ColumnSchema, raw json.RawMessage) (any, error) {
	switch KindOf(col) {
	case KindAtomic:
		return decodeAtom(raw, keyType(col))
	case KindSet:
		return decodeSet(raw, keyType(col))
	default:
		return decodeMap(raw, col.TypeObj.Key, col.TypeObj.Value)
	}
}

// taggedArray splits a ["tag", payload] wire value. ok is false for any
// other shape.
func taggedArray(raw json.RawMessage) (tag string, payload json.RawMessage, ok bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return "", nil, false
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(trimmed, &parts); err != nil || len(parts) != 2 {
		return "", nil, false
	}
	if err := json.Unmarshal(parts[0], &tag); err != nil {
		return "", nil, false
	}
	return tag, parts[1], true
}

func decodeAtom(raw json.RawMessage, base *libovsdb.BaseType) (any, error) {
	var elem any
	if tag, payload, ok := taggedArray(raw); ok {
		if tag != "uuid" && tag != "named-uuid" {
			return nil, fmt.Errorf("%w: unexpected %q where %s atom expected", ErrProtocol, tag, base.Type)
		}
		var id string
		if err := json.Unmarshal(payload, &id); err != nil {
			return nil, fmt.Errorf("%w: uuid atom: %v", ErrProtocol, err)
		}
		elem = libovsdb.UUID{GoUUID: id}
	} else if err := json.Unmarshal(raw, &elem); err != nil {
		return nil, fmt.Errorf("%w: %s atom: %v", ErrProtocol, base.Type, err)
	}
	return nativeAtom(elem, base)
}

// nativeAtom converts one atom in libovsdb notation (a JSON scalar or a
// UUID) to its Go value.
func nativeAtom(elem any, base *libovsdb.BaseType) (any, error) {
	if elem == nil {
		return nil, fmt.Errorf("%w: null %s atom", ErrProtocol, base.Type)
	}
	if f, ok := elem.(float64); ok && base.Type == libovsdb.TypeInteger && f != math.Trunc(f) {
		return nil, fmt.Errorf("%w: integer atom %v", ErrProtocol, f)
	}
	v, err := libovsdb.OvsToNative(&libovsdb.ColumnSchema{Type: base.Type}, elem)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return v, nil
}

func decodeSet(raw json.RawMessage, base *libovsdb.BaseType) ([]any, error) {
	tag, payload, ok := taggedArray(raw)
	if !ok || tag != "set" {
		// a one-element set travels as the bare atom
		atom, err := decodeAtom(raw, base)
		if err != nil {
			return nil, err
		}
		return []any{atom}, nil
	}
	if t := bytes.TrimSpace(payload); len(t) == 0 || t[0] != '[' {
		return nil, fmt.Errorf("%w: set payload is not a list", ErrProtocol)
	}

	var set libovsdb.OvsSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("%w: set: %v", ErrProtocol, err)
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(payload, &elems); err != nil {
		return nil, fmt.Errorf("%w: set: %v", ErrProtocol, err)
	}
	// OvsSet skips elements it cannot read
	if len(set.GoSet) != len(elems) {
		return nil, fmt.Errorf("%w: set has %d readable elements of %d", ErrProtocol, len(set.GoSet), len(elems))
	}
	out := make([]any, 0, len(set.GoSet))
	for _, elem := range set.GoSet {
		atom, err := nativeAtom(elem, base)
		if err != nil {
			return nil, err
		}
		out = append(out, atom)
	}
	return out, nil
}

// decodeMap keeps entries in wire order. libovsdb's OvsMap is a Go map and
// would not.
func decodeMap(raw json.RawMessage, keyBase, valueBase *libovsdb.BaseType) ([]Pair, error) {
	tag, payload, ok := taggedArray(raw)
	if !ok || tag != "map" {
		return nil, fmt.Errorf("%w: expected [\"map\", ...]", ErrProtocol)
	}
	var entries [][]json.RawMessage
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, fmt.Errorf("%w: map: %v", ErrProtocol, err)
	}
	out := make([]Pair, 0, len(entries))
	for _, kv := range entries {
		if len(kv) != 2 {
			return nil, fmt.Errorf("%w: map entry with %d elements", ErrProtocol, len(kv))
		}
		k, err := decodeAtom(kv[0], keyBase)
		if err != nil {
			return nil, err
		}
		v, err := decodeAtom(kv[1], valueBase)
		if err != nil {
			return nil, err
		}
		out = append(out, Pair{Key: k, Value: v})
	}
	return out, nil
}
