package sshtunnel

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/ovsdb-viewer/internal/endpoint"
)

// directDialer dials the target directly, standing in for an SSH hop.
type directDialer struct {
	mu    sync.Mutex
	dials int
	fail  bool
}

func (d *directDialer) Dial(network, addr string) (net.Conn, error) {
	d.mu.Lock()
	d.dials++
	fail := d.fail
	d.mu.Unlock()
	if fail {
		return nil, &net.OpError{Op: "dial", Net: network, Err: os.ErrDeadlineExceeded}
	}
	return net.Dial(network, addr)
}

// blockingDialer holds every Dial until release is closed, like a channel
// open stuck behind an unresponsive hop. The far end of each channel it
// hands out is sent on peers.
type blockingDialer struct {
	started chan struct{}
	release chan struct{}
	peers   chan net.Conn
}

func newBlockingDialer() *blockingDialer {
	return &blockingDialer{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
		peers:   make(chan net.Conn, 1),
	}
}

func (d *blockingDialer) Dial(network, addr string) (net.Conn, error) {
	d.started <- struct{}{}
	<-d.release
	channel, peer := net.Pipe()
	d.peers <- peer
	return channel, nil
}

// startEchoServer starts an echo server on network ("tcp" or "unix") and
// returns its endpoint.
func startEchoServer(t *testing.T, network string) endpoint.Endpoint {
	t.Helper()
	addr := "127.0.0.1:0"
	if network == "unix" {
		addr = filepath.Join(t.TempDir(), "echo.sock")
	}
	l, err := net.Listen(network, addr)
	if err != nil {
		t.Fatalf("echo server listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return endpoint.Endpoint{Network: network, Address: l.Addr().String()}
}

func dialLocal(t *testing.T, local string) net.Conn {
	t.Helper()
	ep, err := endpoint.Parse(local)
	if err != nil {
		t.Fatalf("parse local endpoint %q: %v", local, err)
	}
	conn, err := net.DialTimeout(ep.Network, ep.Address, 2*time.Second)
	if err != nil {
		t.Fatalf("dial forwarder %s: %v", local, err)
	}
	return conn
}

func echoRoundTrip(t *testing.T, conn net.Conn, msg string) {
	t.Helper()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte(msg + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if strings.TrimSpace(line) != msg {
		t.Errorf("echo = %q, want %q", line, msg)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestForwarderRelaysTCP(t *testing.T) {
	remote := startEchoServer(t, "tcp")
	dialer := &directDialer{}

	f, err := NewForwarder(ForwarderTCP, dialer, remote)
	if err != nil {
		t.Fatalf("NewForwarder() error: %v", err)
	}
	defer f.Close()

	if !strings.HasPrefix(f.LocalEndpoint(), "tcp:127.0.0.1:") {
		t.Errorf("LocalEndpoint() = %q", f.LocalEndpoint())
	}

	conn := dialLocal(t, f.LocalEndpoint())
	defer conn.Close()
	echoRoundTrip(t, conn, "list_dbs")
}

func TestForwarderOneChannelPerConnection(t *testing.T) {
	remote := startEchoServer(t, "tcp")
	dialer := &directDialer{}

	f, err := NewForwarder(ForwarderTCP, dialer, remote)
	if err != nil {
		t.Fatalf("NewForwarder() error: %v", err)
	}
	defer f.Close()

	const clients = 5
	conns := make([]net.Conn, clients)
	for i := range conns {
		conns[i] = dialLocal(t, f.LocalEndpoint())
		echoRoundTrip(t, conns[i], "ping")
	}
	waitFor(t, "5 relays", func() bool { return f.ActiveRelays() == clients })

	dialer.mu.Lock()
	dials := dialer.dials
	dialer.mu.Unlock()
	if dials != clients {
		t.Errorf("remote dials = %d, want %d", dials, clients)
	}

	conns[0].Close()
	waitFor(t, "relay release", func() bool { return f.ActiveRelays() == clients-1 })

	for _, c := range conns[1:] {
		c.Close()
	}
	waitFor(t, "all relays released", func() bool { return f.ActiveRelays() == 0 })
}

func TestForwarderCloseTearsDownRelays(t *testing.T) {
	remote := startEchoServer(t, "tcp")
	f, err := NewForwarder(ForwarderTCP, &directDialer{}, remote)
	if err != nil {
		t.Fatalf("NewForwarder() error: %v", err)
	}

	conn := dialLocal(t, f.LocalEndpoint())
	defer conn.Close()
	echoRoundTrip(t, conn, "hello")

	if err := f.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if f.ActiveRelays() != 0 {
		t.Errorf("ActiveRelays() = %d after Close", f.ActiveRelays())
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("expected relayed connection to be closed")
	}

	ep, _ := endpoint.Parse(f.LocalEndpoint())
	if c, err := net.DialTimeout(ep.Network, ep.Address, 200*time.Millisecond); err == nil {
		c.Close()
		t.Error("listener still accepting after Close")
	}

	if err := f.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
}

func TestForwarderRemoteDialFailureDropsLocal(t *testing.T) {
	remote := startEchoServer(t, "tcp")
	dialer := &directDialer{fail: true}
	f, err := NewForwarder(ForwarderTCP, dialer, remote)
	if err != nil {
		t.Fatalf("NewForwarder() error: %v", err)
	}
	defer f.Close()

	conn := dialLocal(t, f.LocalEndpoint())
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("expected local connection to be closed when remote dial fails")
	}

	// the forwarder keeps serving after a failed dial
	dialer.mu.Lock()
	dialer.fail = false
	dialer.mu.Unlock()
	conn2 := dialLocal(t, f.LocalEndpoint())
	defer conn2.Close()
	echoRoundTrip(t, conn2, "again")
}

func TestForwarderUnixSocket(t *testing.T) {
	if !supportsUnixSockets(runtime.GOOS) {
		t.Skip("unix sockets not supported")
	}
	remote := startEchoServer(t, "unix")
	f, err := NewForwarder(ForwarderUnix, &directDialer{}, remote)
	if err != nil {
		t.Fatalf("NewForwarder() error: %v", err)
	}

	local := f.LocalEndpoint()
	if !strings.HasPrefix(local, "unix:") {
		t.Fatalf("LocalEndpoint() = %q, want unix:", local)
	}
	conn := dialLocal(t, local)
	echoRoundTrip(t, conn, "unix relay")
	conn.Close()

	if err := f.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	socketDir := filepath.Dir(strings.TrimPrefix(local, "unix:"))
	if _, err := os.Stat(socketDir); !os.IsNotExist(err) {
		t.Errorf("socket dir %s still exists after Close (err=%v)", socketDir, err)
	}
}

func TestNewForwarderRejectsUnknownKind(t *testing.T) {
	if _, err := NewForwarder(ForwarderAuto, &directDialer{}, endpoint.Endpoint{}); err == nil {
		t.Fatal("expected error for unresolved forwarder kind")
	}
}

func TestForwarderCloseDoesNotWaitForPendingDial(t *testing.T) {
	dialer := newBlockingDialer()
	f, err := NewForwarder(ForwarderTCP, dialer, endpoint.Endpoint{Network: "tcp", Address: "10.0.0.1:6640"})
	if err != nil {
		t.Fatalf("NewForwarder() error: %v", err)
	}

	conn := dialLocal(t, f.LocalEndpoint())
	defer conn.Close()
	select {
	case <-dialer.started:
	case <-time.After(3 * time.Second):
		t.Fatal("forwarder never opened a channel")
	}

	closed := make(chan error, 1)
	go func() { closed <- f.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("Close() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		close(dialer.release)
		t.Fatal("Close() blocked on a pending channel open")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil || errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("local connection should be closed by Close, read returned %v", err)
	}

	// the channel completing after Close is closed straight away
	close(dialer.release)
	select {
	case peer := <-dialer.peers:
		defer peer.Close()
		peer.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := peer.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
			t.Errorf("late channel should be closed, read returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pending Dial never returned")
	}
	if n := f.ActiveRelays(); n != 0 {
		t.Errorf("ActiveRelays() = %d after Close, want 0", n)
	}
}
