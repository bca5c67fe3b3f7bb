package ovsdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	libovsdb "github.com/ovn-kubernetes/libovsdb/ovsdb"

	"github.com/gluk-w/ovsdb-viewer/internal/endpoint"
	"github.com/gluk-w/ovsdb-viewer/internal/logutil"
)

// Client is an OVSDB JSON-RPC client bound to one endpoint. It is safe for
// concurrent use.
type Client struct {
	endpoint endpoint.Endpoint
	rpc      *conn

	mu        sync.Mutex
	databases map[string]bool // last list_dbs answer
	onClose   []func() error
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to an OVSDB server at ep.
func Dial(ctx context.Context, ep endpoint.Endpoint, opts Options) (*Client, error) {
	rpc, err := dialConn(ctx, ep, opts)
	if err != nil {
		return nil, err
	}
	log.Printf("[ovsdb] connected to %s", logutil.SanitizeForLog(ep.String()))
	return &Client{endpoint: ep, rpc: rpc}, nil
}

// DialString parses an OVSDB connection string ("tcp:host:port" or
// "unix:/path") and dials it.
func DialString(ctx context.Context, s string, opts Options) (*Client, error) {
	ep, err := endpoint.Parse(s)
	if err != nil {
		return nil, err
	}
	return Dial(ctx, ep, opts)
}

// Endpoint returns the address the client is connected to.
func (c *Client) Endpoint() endpoint.Endpoint {
	return c.endpoint
}

// Done is closed when the transport is closed or breaks.
func (c *Client) Done() <-chan struct{} {
	return c.rpc.done()
}

// OnClose registers fn to run after the transport is closed by Close.
// Functions run in registration order.
func (c *Client) OnClose(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, fn)
}

// Close closes the transport, failing in-flight calls with
// ErrConnectionClosed, then runs the OnClose functions. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.rpc.close()

		c.mu.Lock()
		fns := c.onClose
		c.onClose = nil
		c.mu.Unlock()

		var errs []error
		for _, fn := range fns {
			if err := fn(); err != nil {
				errs = append(errs, err)
			}
		}
		c.closeErr = errors.Join(errs...)
		log.Printf("[ovsdb] disconnected from %s", logutil.SanitizeForLog(c.endpoint.String()))
	})
	return c.closeErr
}

// ListDatabases returns the names of the databases the server hosts.
func (c *Client) ListDatabases(ctx context.Context) ([]string, error) {
	var raw json.RawMessage
	if err := c.rpc.call(ctx, "list_dbs", nil, &raw); err != nil {
		return nil, err
	}
	var dbs []string
	if err := json.Unmarshal(raw, &dbs); err != nil {
		return nil, fmt.Errorf("%w: list_dbs: %v", ErrProtocol, err)
	}

	known := make(map[string]bool, len(dbs))
	for _, db := range dbs {
		known[db] = true
	}
	c.mu.Lock()
	c.databases = known
	c.mu.Unlock()
	return dbs, nil
}

// checkDatabase fails with ErrNotFound unless the server lists db. The
// answer is cached; a miss asks the server again. The server reports an
// unknown database with an error object, which the JSON-RPC codec cannot
// decode, so requests naming one must never be sent.
func (c *Client) checkDatabase(ctx context.Context, db string) error {
	c.mu.Lock()
	known := c.databases[db]
	c.mu.Unlock()
	if known {
		return nil
	}
	if _, err := c.ListDatabases(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	known = c.databases[db]
	c.mu.Unlock()
	if !known {
		return fmt.Errorf("database %q: %w", db, ErrNotFound)
	}
	return nil
}

// GetSchema fetches and parses the schema of database db.
func (c *Client) GetSchema(ctx context.Context, db string) (*DatabaseSchema, error) {
	if err := c.checkDatabase(ctx, db); err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := c.rpc.call(ctx, "get_schema", libovsdb.NewGetSchemaArgs(db), &raw); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("database %q: %w", db, err)
		}
		return nil, err
	}
	schema, err := ParseSchema(raw)
	if err != nil {
		return nil, fmt.Errorf("schema of %q: %w", db, err)
	}
	return schema, nil
}

// Echo round-trips an echo request; used as a liveness check.
func (c *Client) Echo(ctx context.Context) error {
	var raw json.RawMessage
	if err := c.rpc.call(ctx, "echo", []interface{}{"ovsdb-viewer"}, &raw); err != nil {
		return err
	}
	var params []string
	if err := json.Unmarshal(raw, &params); err != nil || len(params) != 1 || params[0] != "ovsdb-viewer" {
		return fmt.Errorf("%w: echo returned %s", ErrProtocol, logutil.SanitizeForLog(string(raw)))
	}
	return nil
}

// Select returns a select operation over every row of table.
func Select(table string) libovsdb.Operation {
	return libovsdb.Operation{Op: libovsdb.OperationSelect, Table: table, Where: []libovsdb.Condition{}}
}

// OperationResult is the server's answer to one operation. Rows shadows
// the libovsdb field and keeps each row in wire form: libovsdb decodes maps
// into Go maps, which lose the server's entry order.
type OperationResult struct {
	libovsdb.OperationResult
	Rows []map[string]json.RawMessage `json:"rows,omitempty"`
}

// Transact runs ops against db in one transact request. A failed operation
// is returned as an *RPCError.
func (c *Client) Transact(ctx context.Context, db string, ops ...libovsdb.Operation) ([]OperationResult, error) {
	if err := c.checkDatabase(ctx, db); err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := c.rpc.call(ctx, "transact", libovsdb.NewTransactArgs(db, ops...), &raw); err != nil {
		return nil, err
	}

	// a result slot is null for operations not executed after a failure
	var slots []json.RawMessage
	if err := json.Unmarshal(raw, &slots); err != nil {
		return nil, fmt.Errorf("%w: transact: %v", ErrProtocol, err)
	}
	if len(slots) < len(ops) {
		return nil, fmt.Errorf("%w: transact: %d results for %d operations", ErrProtocol, len(slots), len(ops))
	}

	out := make([]OperationResult, len(ops))
	for i := range ops {
		if isNull(slots[i]) {
			return nil, fmt.Errorf("%w: transact: operation %d has no result", ErrProtocol, i)
		}
		if err := json.Unmarshal(slots[i], &out[i]); err != nil {
			return nil, fmt.Errorf("%w: transact: operation %d: %v", ErrProtocol, i, err)
		}
		if out[i].Error != "" {
			return nil, &RPCError{Method: "transact", Message: out[i].Error, Details: out[i].Details}
		}
	}
	// trailing entry reports a commit failure
	if len(slots) > len(ops) && !isNull(slots[len(ops)]) {
		var commit libovsdb.OperationResult
		if err := json.Unmarshal(slots[len(ops)], &commit); err == nil && commit.Error != "" {
			return nil, &RPCError{Method: "transact", Message: commit.Error, Details: commit.Details}
		}
	}
	return out, nil
}
