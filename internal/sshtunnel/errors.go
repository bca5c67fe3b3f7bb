package sshtunnel

import (
	"errors"
	"fmt"
)

// Failure classes for hop establishment. Every error returned by Build wraps
// exactly one of them inside a *HopError.
var (
	ErrAuthentication = errors.New("authentication failed")
	ErrNetwork        = errors.New("network error")
	ErrHostKey        = errors.New("host key verification failed")
)

// HopError identifies the hop that failed and why.
type HopError struct {
	Index int    // position in dial order, 0 is the first hop dialed
	Hop   string // user@host:port
	Kind  error  // one of ErrAuthentication, ErrNetwork, ErrHostKey
	Err   error
}

func (e *HopError) Error() string {
	return fmt.Sprintf("hop %d (%s): %v: %v", e.Index, e.Hop, e.Kind, e.Err)
}

// Unwrap exposes both the failure class and the underlying cause.
func (e *HopError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}
