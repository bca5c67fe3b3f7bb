package session

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/ovsdb-viewer/internal/history"
	"github.com/gluk-w/ovsdb-viewer/internal/ovsdb"
	"github.com/gluk-w/ovsdb-viewer/internal/sshkeys"
	"github.com/gluk-w/ovsdb-viewer/internal/sshtunnel"
)

func startOVSDB(t *testing.T) *ovsdb.FakeServer {
	t.Helper()
	fs, err := ovsdb.StartFakeServer("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("StartFakeServer() error: %v", err)
	}
	if err := fs.AddDatabase(ovsdb.SampleSchema); err != nil {
		t.Fatal(err)
	}
	fs.SetRows("Open_vSwitch", "Bridge", []map[string]any{
		{"name": "br-int", "protocols": "OpenFlow13", "_uuid": []any{"uuid", "b1"}},
	})
	t.Cleanup(fs.Close)
	return fs
}

func newKey(t *testing.T) (string, ssh.PublicKey) {
	t.Helper()
	_, priv, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := sshkeys.WritePrivateKey(path, priv); err != nil {
		t.Fatal(err)
	}
	signer, err := sshkeys.LoadSigner(path)
	if err != nil {
		t.Fatal(err)
	}
	return path, signer.PublicKey()
}

func startSSH(t *testing.T, pub ssh.PublicKey) *sshtunnel.TestServer {
	t.Helper()
	ts, err := sshtunnel.StartTestServer(pub)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ts.Close)
	return ts
}

// twoHopTunnel returns a tunnel spec through jump to target.
func twoHopTunnel(t *testing.T, keyFile string, jump, target *sshtunnel.TestServer) *sshtunnel.Spec {
	t.Helper()
	host, port, err := net.SplitHostPort(target.Addr)
	if err != nil {
		t.Fatal(err)
	}
	return &sshtunnel.Spec{Host: host, Port: mustAtoi(t, port), User: "ovs", KeyFile: keyFile, JumpHosts: []string{"jump@" + jump.Addr}}
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n, err := strconv.Atoi(s)
	if err != nil {
		t.Fatalf("bad port %q: %v", s, err)
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConnectDirectAndTunneled(t *testing.T) {
	direct := startOVSDB(t)
	behind := startOVSDB(t)
	keyFile, pub := newKey(t)
	jump := startSSH(t, pub)
	target := startSSH(t, pub)

	reg, err := history.Open(context.Background(), &history.MemoryStore{})
	if err != nil {
		t.Fatal(err)
	}
	coord := NewCoordinator(Options{History: reg})
	ctx := context.Background()

	s, err := coord.Connect(ctx, ConnectRequest{Endpoints: []EndpointSpec{
		{Endpoint: direct.Endpoint().String()},
		{Endpoint: behind.Endpoint().String(), Tunnel: twoHopTunnel(t, keyFile, jump, target)},
	}})
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if s.Database() != "Open_vSwitch" {
		t.Errorf("Database() = %q, want default", s.Database())
	}

	tunneled, err := s.Schema(ctx, 1, "")
	if err != nil {
		t.Fatalf("Schema() over tunnel: %v", err)
	}
	ref, err := ovsdb.DialString(ctx, behind.Endpoint().String(), ovsdb.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer ref.Close()
	untunneled, err := ref.GetSchema(ctx, "Open_vSwitch")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(tunneled.TableNames(), untunneled.TableNames()) {
		t.Errorf("tunneled tables %v != direct tables %v", tunneled.TableNames(), untunneled.TableNames())
	}

	// schema was fetched during connect and served from cache afterwards
	if behind.Requests("get_schema") != 2 {
		t.Errorf("get_schema requests = %d, want 1 from the session and 1 from the reference client", behind.Requests("get_schema"))
	}

	st := s.Status()
	if len(st.Endpoints) != 2 || st.Endpoints[0].Hops != nil || len(st.Endpoints[1].Hops) != 2 {
		t.Errorf("Status() = %+v", st)
	}
	if !strings.HasPrefix(st.Endpoints[1].Local, "tcp:127.0.0.1:") {
		t.Errorf("tunneled endpoint local = %q", st.Endpoints[1].Local)
	}

	recs := reg.List()
	if len(recs) != 1 || len(recs[0].Endpoints) != 2 || recs[0].Endpoints[1].Tunnel == nil {
		t.Fatalf("history = %+v", recs)
	}
	if recs[0].Endpoints[1].Tunnel.LocalForwarderType != sshtunnel.ForwarderTCP {
		t.Errorf("history tunnel not normalized: %+v", recs[0].Endpoints[1].Tunnel)
	}
}

func TestUnknownTableKeepsSession(t *testing.T) {
	fs := startOVSDB(t)
	coord := NewCoordinator(Options{})
	ctx := context.Background()

	s, err := coord.Connect(ctx, ConnectRequest{Endpoints: []EndpointSpec{{Endpoint: fs.Endpoint().String()}}})
	if err != nil {
		t.Fatal(err)
	}
	defer coord.Disconnect(s.ID())

	if _, err := s.Table(ctx, 0, "", "NoSuchTable"); !errors.Is(err, ovsdb.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	table, err := s.Table(ctx, 0, "", "Bridge")
	if err != nil {
		t.Fatalf("Table() after unknown table: %v", err)
	}
	if len(table.Rows) != 1 {
		t.Fatalf("got %d rows", len(table.Rows))
	}
	if v, _ := table.Rows[0].Get("protocols"); !reflect.DeepEqual(v, []any{"OpenFlow13"}) {
		t.Errorf("protocols = %#v", v)
	}
	if fs.Requests("get_schema") != 1 {
		t.Errorf("schema fetched %d times, want 1", fs.Requests("get_schema"))
	}
}

func TestDisconnectLeavesNothingOpen(t *testing.T) {
	for _, jumps := range []int{0, 1, 2} {
		t.Run(strconv.Itoa(jumps)+" jumps", func(t *testing.T) {
			fs := startOVSDB(t)
			keyFile, pub := newKey(t)

			var servers []*sshtunnel.TestServer
			for i := 0; i <= jumps; i++ {
				servers = append(servers, startSSH(t, pub))
			}
			last := servers[len(servers)-1]
			host, port, _ := net.SplitHostPort(last.Addr)
			spec := &sshtunnel.Spec{Host: host, Port: mustAtoi(t, port), User: "ovs", KeyFile: keyFile}
			for _, j := range servers[:len(servers)-1] {
				spec.JumpHosts = append(spec.JumpHosts, j.Addr)
			}

			coord := NewCoordinator(Options{})
			s, err := coord.Connect(context.Background(), ConnectRequest{Endpoints: []EndpointSpec{
				{Endpoint: fs.Endpoint().String(), Tunnel: spec},
			}})
			if err != nil {
				t.Fatalf("Connect() error: %v", err)
			}
			if fs.ActiveConns() != 1 {
				t.Errorf("ovsdb conns = %d, want 1", fs.ActiveConns())
			}

			if err := coord.Disconnect(s.ID()); err != nil {
				t.Fatalf("Disconnect() error: %v", err)
			}
			if err := coord.Disconnect(s.ID()); err != nil {
				t.Errorf("second Disconnect() error: %v", err)
			}

			waitFor(t, "ovsdb connection to close", func() bool { return fs.ActiveConns() == 0 })
			for i, srv := range servers {
				srv := srv
				waitFor(t, "ssh server "+strconv.Itoa(i)+" to drop", func() bool {
					return srv.ActiveConns() == 0 && srv.ActiveChannels() == 0
				})
			}
			if _, err := coord.Get(s.ID()); !errors.Is(err, ErrSessionNotFound) {
				t.Errorf("Get() after disconnect: %v", err)
			}
		})
	}
}

func TestQueryAfterDisconnect(t *testing.T) {
	fs := startOVSDB(t)
	coord := NewCoordinator(Options{})
	ctx := context.Background()
	s, err := coord.Connect(ctx, ConnectRequest{Endpoints: []EndpointSpec{{Endpoint: fs.Endpoint().String()}}})
	if err != nil {
		t.Fatal(err)
	}
	coord.Disconnect(s.ID())

	if _, err := s.Table(ctx, 0, "", "Bridge"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Table() after disconnect: expected ErrSessionClosed, got %v", err)
	}
	if _, err := s.ListDatabases(ctx, 0); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("ListDatabases() after disconnect: expected ErrSessionClosed, got %v", err)
	}
	if err := s.Use("OVN_Northbound"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Use() after disconnect: expected ErrSessionClosed, got %v", err)
	}
}

func TestDisconnectDuringQuery(t *testing.T) {
	fs := startOVSDB(t)
	fs.Hang("transact")
	coord := NewCoordinator(Options{})
	ctx := context.Background()
	s, err := coord.Connect(ctx, ConnectRequest{Endpoints: []EndpointSpec{{Endpoint: fs.Endpoint().String()}}})
	if err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := s.Table(ctx, 0, "", "Bridge")
		errc <- err
	}()
	waitFor(t, "query to reach server", func() bool { return fs.Requests("transact") == 1 })
	coord.Disconnect(s.ID())

	select {
	case err := <-errc:
		if !errors.Is(err, ovsdb.ErrConnectionClosed) {
			t.Errorf("expected ErrConnectionClosed, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("in-flight query hung after disconnect")
	}
}

func TestConnectRollsBackOnFailure(t *testing.T) {
	good := startOVSDB(t)
	keyFile, pub := newKey(t)
	_, otherPub := newKey(t)
	jump := startSSH(t, pub)
	target := startSSH(t, otherPub) // rejects our key

	reg, _ := history.Open(context.Background(), &history.MemoryStore{})
	coord := NewCoordinator(Options{History: reg})
	_, err := coord.Connect(context.Background(), ConnectRequest{Endpoints: []EndpointSpec{
		{Endpoint: good.Endpoint().String()},
		{Endpoint: "tcp:127.0.0.1:6640", Tunnel: twoHopTunnel(t, keyFile, jump, target)},
	}})
	if err == nil {
		t.Fatal("expected connect failure")
	}
	if !errors.Is(err, sshtunnel.ErrAuthentication) {
		t.Errorf("expected ErrAuthentication, got %v", err)
	}
	if !strings.Contains(err.Error(), "endpoint 1") {
		t.Errorf("error should name the failing endpoint: %v", err)
	}

	waitFor(t, "direct endpoint rollback", func() bool { return good.ActiveConns() == 0 })
	waitFor(t, "jump host rollback", func() bool { return jump.ActiveConns() == 0 })
	if len(coord.List()) != 0 {
		t.Error("failed connect registered a session")
	}
	if reg.Len() != 0 {
		t.Error("failed connect was recorded in history")
	}
}

func TestConnectUnknownDatabase(t *testing.T) {
	fs := startOVSDB(t)
	coord := NewCoordinator(Options{})
	_, err := coord.Connect(context.Background(), ConnectRequest{
		Endpoints: []EndpointSpec{{Endpoint: fs.Endpoint().String()}},
		Database:  "OVN_Southbound",
	})
	if !errors.Is(err, ovsdb.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	waitFor(t, "rollback", func() bool { return fs.ActiveConns() == 0 })
}

func TestSessionSchemaCacheAndRefresh(t *testing.T) {
	fs := startOVSDB(t)
	coord := NewCoordinator(Options{})
	ctx := context.Background()
	s, err := coord.Connect(ctx, ConnectRequest{Endpoints: []EndpointSpec{{Endpoint: fs.Endpoint().String()}}})
	if err != nil {
		t.Fatal(err)
	}
	defer coord.CloseAll()

	first, _ := s.Schema(ctx, 0, "Open_vSwitch")
	again, _ := s.Schema(ctx, 0, "Open_vSwitch")
	if first != again {
		t.Error("Schema() should return the cached schema")
	}
	refreshed, err := s.RefreshSchema(ctx, 0, "Open_vSwitch")
	if err != nil {
		t.Fatal(err)
	}
	if refreshed == first {
		t.Error("RefreshSchema() should replace the cached schema")
	}
	if cached, _ := s.Schema(ctx, 0, ""); cached != refreshed {
		t.Error("cache was not overwritten by refresh")
	}
	if _, err := s.Schema(ctx, 3, ""); !errors.Is(err, ErrEndpointNotFound) {
		t.Errorf("bad endpoint index: %v", err)
	}
}

func TestReapIdle(t *testing.T) {
	fs := startOVSDB(t)
	coord := NewCoordinator(Options{})
	ctx := context.Background()
	s, err := coord.Connect(ctx, ConnectRequest{Endpoints: []EndpointSpec{{Endpoint: fs.Endpoint().String()}}})
	if err != nil {
		t.Fatal(err)
	}

	if n := coord.ReapIdle(time.Hour); n != 0 {
		t.Errorf("ReapIdle(1h) closed %d sessions", n)
	}
	time.Sleep(20 * time.Millisecond)
	if n := coord.ReapIdle(10 * time.Millisecond); n != 1 {
		t.Errorf("ReapIdle() closed %d sessions, want 1", n)
	}
	if _, err := s.ListDatabases(ctx, 0); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("reaped session still usable: %v", err)
	}
}

func TestConcurrentSessionsAreIndependent(t *testing.T) {
	a := startOVSDB(t)
	b := startOVSDB(t)
	coord := NewCoordinator(Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	sessions := make([]*Session, 2)
	for i, fs := range []*ovsdb.FakeServer{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := coord.Connect(ctx, ConnectRequest{Endpoints: []EndpointSpec{{Endpoint: fs.Endpoint().String()}}})
			if err != nil {
				t.Errorf("Connect() error: %v", err)
				return
			}
			sessions[i] = s
		}()
	}
	wg.Wait()
	if t.Failed() {
		return
	}

	sessions[0].Use("Other")
	if sessions[1].Database() != "Open_vSwitch" {
		t.Error("Use() on one session changed another")
	}
	if len(coord.List()) != 2 {
		t.Errorf("List() = %d sessions", len(coord.List()))
	}
	coord.CloseAll()
	waitFor(t, "all connections closed", func() bool { return a.ActiveConns() == 0 && b.ActiveConns() == 0 })
}
