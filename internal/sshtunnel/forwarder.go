package sshtunnel

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/gluk-w/ovsdb-viewer/internal/endpoint"
	"github.com/gluk-w/ovsdb-viewer/internal/logutil"
)

// RemoteDialer opens a logical channel to an address on the far side of a
// tunnel. *ssh.Client satisfies it.
type RemoteDialer interface {
	Dial(network, addr string) (net.Conn, error)
}

// relay is one local connection paired with its remote channel.
type relay struct {
	local  net.Conn
	remote net.Conn
}

func (r *relay) close() {
	r.local.Close()
	r.remote.Close()
}

// Forwarder accepts local connections and relays each one over its own
// channel to the remote OVSDB endpoint.
type Forwarder struct {
	listener      net.Listener
	dialer        RemoteDialer
	remote        endpoint.Endpoint
	localEndpoint string
	socketDir     string // private temp dir holding the unix socket, if any

	mu      sync.Mutex
	relays  map[*relay]struct{}
	dialing map[net.Conn]struct{} // local conns waiting for their channel
	closed  bool

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewForwarder binds an ephemeral local listener of the given kind and
// starts relaying accepted connections through dialer to remote. kind must
// already be resolved (tcp or unix).
func NewForwarder(kind ForwarderKind, dialer RemoteDialer, remote endpoint.Endpoint) (*Forwarder, error) {
	f := &Forwarder{
		dialer: dialer,
		remote: remote,
		relays:  make(map[*relay]struct{}),
		dialing: make(map[net.Conn]struct{}),
	}

	switch kind {
	case ForwarderTCP:
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("listen on local tcp: %w", err)
		}
		f.listener = l
		f.localEndpoint = "tcp:" + l.Addr().String()
	case ForwarderUnix:
		dir, err := os.MkdirTemp("", "ovsdb-fwd-")
		if err != nil {
			return nil, fmt.Errorf("create socket dir: %w", err)
		}
		path := filepath.Join(dir, "db.sock")
		l, err := net.Listen("unix", path)
		if err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("listen on local unix socket: %w", err)
		}
		f.listener = l
		f.socketDir = dir
		f.localEndpoint = "unix:" + path
	default:
		return nil, fmt.Errorf("unsupported forwarder type %q", kind)
	}

	f.wg.Add(1)
	go f.acceptLoop()

	log.Printf("[tunnel] forwarder listening on %s -> %s", f.localEndpoint, logutil.SanitizeForLog(remote.String()))
	return f, nil
}

// LocalEndpoint returns the OVSDB connection string of the local listener,
// e.g. "tcp:127.0.0.1:40123" or "unix:/tmp/ovsdb-fwd-1/db.sock".
func (f *Forwarder) LocalEndpoint() string {
	return f.localEndpoint
}

// ActiveRelays returns the number of connections currently being relayed.
func (f *Forwarder) ActiveRelays() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.relays)
}

func (f *Forwarder) acceptLoop() {
	defer f.wg.Done()
	for {
		local, err := f.listener.Accept()
		if err != nil {
			if !f.isClosed() && !errors.Is(err, net.ErrClosed) {
				log.Printf("[tunnel] accept error on %s: %v", f.localEndpoint, err)
			}
			return
		}
		if !f.startDial(local) {
			local.Close()
			return
		}
		go f.connect(local)
	}
}

// startDial records local as waiting for its remote channel unless the
// forwarder is closing.
func (f *Forwarder) startDial(local net.Conn) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.dialing[local] = struct{}{}
	return true
}

// connect opens the remote channel for local and relays between them. It
// is not counted in the WaitGroup: a channel open can block until the hop
// underneath is closed, which only happens after Close returns.
func (f *Forwarder) connect(local net.Conn) {
	remote, err := f.dialer.Dial(f.remote.Network, f.remote.Address)

	f.mu.Lock()
	delete(f.dialing, local)
	closed := f.closed
	if err == nil && !closed {
		// registered under the lock Close uses to snapshot relays
		r := &relay{local: local, remote: remote}
		f.relays[r] = struct{}{}
		f.wg.Add(1)
		f.mu.Unlock()
		f.pipe(r)
		return
	}
	f.mu.Unlock()

	local.Close()
	if err != nil {
		if !closed {
			log.Printf("[tunnel] dial %s through tunnel failed: %v", logutil.SanitizeForLog(f.remote.String()), err)
		}
		return
	}
	remote.Close()
}

// pipe copies in both directions until either side closes or errors, then
// closes both ends and waits for the second copy to drain.
func (f *Forwarder) pipe(r *relay) {
	defer f.wg.Done()

	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		defer func() { done <- struct{}{} }()
		io.Copy(dst, src)
	}
	go cp(r.local, r.remote)
	go cp(r.remote, r.local)

	<-done
	r.close()
	<-done

	f.mu.Lock()
	delete(f.relays, r)
	f.mu.Unlock()
}

func (f *Forwarder) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Close stops accepting, closes every live relay and waits for all relay
// goroutines to exit. Local connections still waiting for a channel are
// closed without waiting for the open to finish; a channel that opens
// afterwards is closed at once. The unix socket directory is removed.
// Idempotent.
func (f *Forwarder) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		relays := make([]*relay, 0, len(f.relays))
		for r := range f.relays {
			relays = append(relays, r)
		}
		dialing := make([]net.Conn, 0, len(f.dialing))
		for c := range f.dialing {
			dialing = append(dialing, c)
		}
		f.mu.Unlock()

		err = f.listener.Close()
		for _, r := range relays {
			r.close()
		}
		for _, c := range dialing {
			c.Close()
		}
		f.wg.Wait()

		if f.socketDir != "" {
			os.RemoveAll(f.socketDir)
		}
		log.Printf("[tunnel] forwarder %s closed (%d relays)", f.localEndpoint, len(relays))
	})
	return err
}
