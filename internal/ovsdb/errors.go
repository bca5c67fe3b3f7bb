package ovsdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound reports an unknown database or table.
	ErrNotFound = errors.New("not found")
	// ErrProtocol reports a malformed RPC envelope, schema or row.
	ErrProtocol = errors.New("protocol error")
	// ErrConnectionClosed is returned by calls made on, or in flight during,
	// a closed or broken connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrTimeout is returned when a dial or call outlives its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrConnectionRefused is returned when the endpoint cannot be dialed.
	ErrConnectionRefused = errors.New("connection refused")
)

// RPCError is an error returned by the server, either as the error member
// of a JSON-RPC response or in a transact operation result.
type RPCError struct {
	Method  string
	Message string
	Details string
}

func (e *RPCError) Error() string {
	msg := fmt.Sprintf("%s: server error: %s", e.Method, e.Message)
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	return msg
}

// Is maps well-known server error strings onto the package sentinels.
func (e *RPCError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return strings.HasPrefix(e.Message, "unknown database") ||
			strings.HasPrefix(e.Message, "unknown table") ||
			e.Message == "not found"
	}
	return false
}

func isNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}
