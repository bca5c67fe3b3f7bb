package sshtunnel

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"
)

// TestServer is a minimal in-process SSH server for tests. It authenticates
// a single public key and serves direct-tcpip and
// direct-streamlocal@openssh.com channels by dialing the requested target,
// which is what ssh.Client.Dial uses. It is exported so packages building on
// tunnels can stand up multi-hop chains in their own tests.
type TestServer struct {
	Addr    string
	HostKey ssh.PublicKey

	listener net.Listener

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	channels int
	wg       sync.WaitGroup
}

// directTCPIPData matches the SSH wire format for direct-tcpip extra data.
type directTCPIPData struct {
	DestHost   string
	DestPort   uint32
	OriginHost string
	OriginPort uint32
}

// directStreamLocalData matches direct-streamlocal@openssh.com extra data.
type directStreamLocalData struct {
	SocketPath string
	Reserved0  string
	Reserved1  uint32
}

// StartTestServer starts a server on 127.0.0.1 that accepts only
// authorizedKey.
func StartTestServer(authorizedKey ssh.PublicKey) (*TestServer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("create host signer: %w", err)
	}

	want := ssh.FingerprintSHA256(authorizedKey)
	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if ssh.FingerprintSHA256(key) == want {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key for %s", conn.User())
		},
	}
	cfg.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	ts := &TestServer{
		Addr:     listener.Addr().String(),
		HostKey:  hostSigner.PublicKey(),
		listener: listener,
		conns:    make(map[net.Conn]struct{}),
	}

	ts.wg.Add(1)
	go func() {
		defer ts.wg.Done()
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			ts.mu.Lock()
			ts.conns[netConn] = struct{}{}
			ts.mu.Unlock()
			ts.wg.Add(1)
			go ts.serveConn(netConn, cfg)
		}
	}()

	return ts, nil
}

// ActiveConns returns the number of SSH connections the server is holding.
func (ts *TestServer) ActiveConns() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.conns)
}

// ActiveChannels returns the number of forwarded channels still open.
func (ts *TestServer) ActiveChannels() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.channels
}

// CloseConns forcefully drops every accepted connection.
func (ts *TestServer) CloseConns() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for c := range ts.conns {
		c.Close()
	}
}

// Close stops the listener, drops every connection and waits for handlers.
func (ts *TestServer) Close() {
	ts.listener.Close()
	ts.CloseConns()
	ts.wg.Wait()
}

func (ts *TestServer) serveConn(netConn net.Conn, cfg *ssh.ServerConfig) {
	defer ts.wg.Done()
	defer func() {
		netConn.Close()
		ts.mu.Lock()
		delete(ts.conns, netConn)
		ts.mu.Unlock()
	}()

	srvConn, chans, reqs, err := ssh.NewServerConn(netConn, cfg)
	if err != nil {
		return
	}
	defer srvConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		var network, addr string
		switch newChan.ChannelType() {
		case "direct-tcpip":
			var data directTCPIPData
			if err := ssh.Unmarshal(newChan.ExtraData(), &data); err != nil {
				newChan.Reject(ssh.ConnectionFailed, "invalid payload")
				continue
			}
			network, addr = "tcp", net.JoinHostPort(data.DestHost, fmt.Sprint(data.DestPort))
		case "direct-streamlocal@openssh.com":
			var data directStreamLocalData
			if err := ssh.Unmarshal(newChan.ExtraData(), &data); err != nil {
				newChan.Reject(ssh.ConnectionFailed, "invalid payload")
				continue
			}
			network, addr = "unix", data.SocketPath
		default:
			newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ts.wg.Add(1)
		go ts.serveChannel(newChan, network, addr)
	}
}

func (ts *TestServer) serveChannel(newChan ssh.NewChannel, network, addr string) {
	defer ts.wg.Done()

	dest, err := net.Dial(network, addr)
	if err != nil {
		newChan.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	defer dest.Close()

	ch, reqs, err := newChan.Accept()
	if err != nil {
		return
	}
	defer ch.Close()
	go ssh.DiscardRequests(reqs)

	ts.mu.Lock()
	ts.channels++
	ts.mu.Unlock()
	defer func() {
		ts.mu.Lock()
		ts.channels--
		ts.mu.Unlock()
	}()

	done := make(chan struct{}, 2)
	go func() { io.Copy(ch, dest); ch.CloseWrite(); done <- struct{}{} }()
	go func() { io.Copy(dest, ch); done <- struct{}{} }()
	<-done
}
