package sshtunnel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/ovsdb-viewer/internal/endpoint"
	"github.com/gluk-w/ovsdb-viewer/internal/logutil"
	"github.com/gluk-w/ovsdb-viewer/internal/sshkeys"
)

// DefaultHopTimeout bounds the dial and handshake of a single hop.
const DefaultHopTimeout = 10 * time.Second

// Options tune chain establishment.
type Options struct {
	HopTimeout      time.Duration
	HostKeyCallback ssh.HostKeyCallback // nil accepts any host key
}

// Tunnel is a live chain of SSH hops with a Forwarder on the local end.
type Tunnel struct {
	hops      []*ssh.Client // dial order
	hopNames  []string
	forwarder *Forwarder

	closeOnce sync.Once
	closeErr  error
}

// LocalEndpoint returns the OVSDB connection string the RPC client dials.
func (t *Tunnel) LocalEndpoint() string {
	return t.forwarder.LocalEndpoint()
}

// Hops returns the hops in dial order as user@host:port strings.
func (t *Tunnel) Hops() []string {
	return append([]string{}, t.hopNames...)
}

// ActiveRelays returns the number of connections the Forwarder is relaying.
func (t *Tunnel) ActiveRelays() int {
	return t.forwarder.ActiveRelays()
}

// Close shuts the Forwarder, then closes hops from last to first.
// Idempotent.
func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.forwarder.Close()
		if err := closeHops(t.hops); err != nil && t.closeErr == nil {
			t.closeErr = err
		}
		log.Printf("[tunnel] closed chain %s", strings.Join(t.hopNames, " -> "))
	})
	return t.closeErr
}

// Build establishes every hop of spec in order, each one carried inside the
// previous hop, and opens a Forwarder to remote over the last hop. If any
// hop fails, hops already open are closed in reverse order and a *HopError
// is returned.
func Build(ctx context.Context, spec Spec, remote endpoint.Endpoint, opts Options) (*Tunnel, error) {
	spec = spec.Normalize()
	hops, err := spec.Hops()
	if err != nil {
		return nil, err
	}
	kind, err := ResolveKind(spec.LocalForwarderType, remote)
	if err != nil {
		return nil, err
	}

	signer, err := sshkeys.LoadSigner(spec.KeyFile)
	if err != nil {
		return nil, &HopError{Index: 0, Hop: hops[0].String(), Kind: ErrAuthentication, Err: err}
	}

	timeout := opts.HopTimeout
	if timeout <= 0 {
		timeout = DefaultHopTimeout
	}
	hostKeys := opts.HostKeyCallback
	if hostKeys == nil {
		hostKeys = sshkeys.AcceptAnyHostKey()
	}

	var (
		clients []*ssh.Client
		names   []string
		prev    *ssh.Client
	)
	for i, hop := range hops {
		client, err := dialHop(ctx, prev, hop, signer, hostKeys, timeout)
		if err != nil {
			closeHops(clients)
			var hopErr *HopError
			if errors.As(err, &hopErr) {
				hopErr.Index = i
			}
			log.Printf("[tunnel] chain aborted at hop %d (%s): %v", i, logutil.SanitizeForLog(hop.String()), err)
			return nil, err
		}
		clients = append(clients, client)
		names = append(names, hop.String())
		prev = client
		log.Printf("[tunnel] hop %d connected: %s", i, logutil.SanitizeForLog(hop.String()))
	}

	fwd, err := NewForwarder(kind, prev, remote)
	if err != nil {
		closeHops(clients)
		return nil, fmt.Errorf("start forwarder: %w", err)
	}

	return &Tunnel{hops: clients, hopNames: names, forwarder: fwd}, nil
}

// dialHop opens the transport for one hop (TCP for the first, a channel
// through prev otherwise) and runs the SSH handshake over it. Dial and
// handshake together are bounded by timeout.
func dialHop(ctx context.Context, prev *ssh.Client, hop Hop, signer ssh.Signer, hostKeys ssh.HostKeyCallback, timeout time.Duration) (*ssh.Client, error) {
	hopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := hop.Addr()
	fail := func(kind, err error) error {
		return &HopError{Hop: hop.String(), Kind: kind, Err: err}
	}

	var (
		conn net.Conn
		err  error
	)
	if prev == nil {
		var d net.Dialer
		conn, err = d.DialContext(hopCtx, "tcp", addr)
	} else {
		conn, err = prev.DialContext(hopCtx, "tcp", addr)
	}
	if err != nil {
		return nil, fail(ErrNetwork, fmt.Errorf("dial %s: %w", addr, err))
	}

	var hostKeyErr error
	cfg := &ssh.ClientConfig{
		User: hop.User,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			if err := hostKeys(hostname, remote, key); err != nil {
				hostKeyErr = err
				return err
			}
			return nil
		},
		Timeout: timeout,
	}

	type result struct {
		conn  ssh.Conn
		chans <-chan ssh.NewChannel
		reqs  <-chan *ssh.Request
		err   error
	}
	done := make(chan result, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
		done <- result{c, chans, reqs, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-hopCtx.Done():
		// unblock the handshake, then wait for it so nothing outlives the hop
		conn.Close()
		<-done
		return nil, fail(ErrNetwork, fmt.Errorf("ssh handshake with %s: %w", addr, hopCtx.Err()))
	}

	if res.err != nil {
		conn.Close()
		switch {
		case hostKeyErr != nil:
			return nil, fail(ErrHostKey, hostKeyErr)
		case strings.Contains(res.err.Error(), "unable to authenticate"):
			return nil, fail(ErrAuthentication, res.err)
		default:
			return nil, fail(ErrNetwork, fmt.Errorf("ssh handshake with %s: %w", addr, res.err))
		}
	}
	return ssh.NewClient(res.conn, res.chans, res.reqs), nil
}

// closeHops closes clients from last to first and returns the first error.
func closeHops(clients []*ssh.Client) error {
	var firstErr error
	for i := len(clients) - 1; i >= 0; i-- {
		if err := clients[i].Close(); err != nil && firstErr == nil && !errors.Is(err, net.ErrClosed) {
			firstErr = fmt.Errorf("close hop %d: %w", i, err)
		}
	}
	return firstErr
}
