package ovsdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/cenkalti/rpc2"
	"github.com/cenkalti/rpc2/jsonrpc"

	"github.com/gluk-w/ovsdb-viewer/internal/endpoint"
	"github.com/gluk-w/ovsdb-viewer/internal/logutil"
)

// DefaultCallTimeout bounds a call whose context carries no deadline.
const DefaultCallTimeout = 30 * time.Second

// Options tune a Client.
type Options struct {
	// CallTimeout applies to calls whose context has no deadline.
	// Zero means DefaultCallTimeout; negative disables it.
	CallTimeout time.Duration
}

// Server-originated notifications the client does not subscribe to. They
// still need a handler, otherwise rpc2 stops reading the stream.
var droppedNotifications = []string{"update", "update2", "update3", "locked", "stolen"}

// conn is the JSON-RPC transport. rpc2 correlates responses by id, answers
// the server's requests from the registered handlers and fails pending
// calls when the stream breaks.
type conn struct {
	netConn net.Conn
	rpc     *rpc2.Client
	timeout time.Duration
}

func dialConn(ctx context.Context, ep endpoint.Endpoint, opts Options) (*conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, ep.Network, ep.Address)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("dial %s: %w: %v", ep, ErrTimeout, err)
		}
		return nil, fmt.Errorf("dial %s: %w: %v", ep, ErrConnectionRefused, err)
	}

	timeout := opts.CallTimeout
	if timeout == 0 {
		timeout = DefaultCallTimeout
	}
	c := &conn{
		netConn: nc,
		rpc:     rpc2.NewClientWithCodec(jsonrpc.NewJSONCodec(nc)),
		timeout: timeout,
	}
	c.rpc.Handle("echo", echo)
	for _, method := range droppedNotifications {
		c.rpc.Handle(method, func(_ *rpc2.Client, _ []json.RawMessage, _ *[]interface{}) error {
			log.Printf("[ovsdb] dropping %s notification", method)
			return nil
		})
	}
	go c.rpc.Run()
	go func() {
		<-c.rpc.DisconnectNotify()
		log.Printf("[ovsdb] connection to %s closed", nc.RemoteAddr())
	}()
	return c, nil
}

// echo answers the server's keepalive with its own params.
func echo(_ *rpc2.Client, args []interface{}, reply *[]interface{}) error {
	*reply = args
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// call sends one request and stores the raw result in reply. Replies are
// always taken raw so that a malformed result is reported by the caller as
// ErrProtocol instead of surfacing as an rpc2 error.
func (c *conn) call(ctx context.Context, method string, args []interface{}, reply *json.RawMessage) error {
	if args == nil {
		args = []interface{}{}
	}
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	err := c.rpc.CallWithContext(ctx, method, args, reply)
	if err == nil {
		return nil
	}
	var serverErr rpc2.ServerError
	switch {
	case errors.As(err, &serverErr):
		return &RPCError{Method: method, Message: string(serverErr)}
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", method, ErrTimeout)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", method, err)
	case errors.Is(err, rpc2.ErrShutdown):
		return fmt.Errorf("%s: %w", method, ErrConnectionClosed)
	}
	// anything else failed the whole stream (read error, EOF)
	return fmt.Errorf("%s: %w: %v", method, ErrConnectionClosed, err)
}

// done is closed once the read loop has exited.
func (c *conn) done() <-chan struct{} {
	return c.rpc.DisconnectNotify()
}

// close shuts the transport down and waits for the read loop to exit.
// Pending calls fail with ErrConnectionClosed.
func (c *conn) close() {
	if err := c.rpc.Close(); err != nil && !errors.Is(err, rpc2.ErrShutdown) {
		log.Printf("[ovsdb] close %s: %s", c.netConn.RemoteAddr(), logutil.SanitizeForLog(err.Error()))
	}
	<-c.rpc.DisconnectNotify()
}
