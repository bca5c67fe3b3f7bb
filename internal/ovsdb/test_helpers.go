package ovsdb

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/gluk-w/ovsdb-viewer/internal/endpoint"
)

// SampleSchema is a trimmed Open_vSwitch schema used by tests across
// packages. Bridge declares name last but indexes it, so presentation order
// must still put name first.
const SampleSchema = `{
  "name": "Open_vSwitch",
  "version": "8.3.0",
  "tables": {
    "Open_vSwitch": {
      "columns": {
        "bridges": {"type": {"key": {"type": "uuid", "refTable": "Bridge"}, "min": 0, "max": "unlimited"}},
        "ovs_version": {"type": {"key": "string", "min": 0, "max": 1}},
        "next_cfg": {"type": "integer"}
      },
      "isRoot": true,
      "maxRows": 1
    },
    "Bridge": {
      "columns": {
        "protocols": {"type": {"key": {"type": "string", "enum": ["set", ["OpenFlow10", "OpenFlow13", "OpenFlow15"]]}, "min": 0, "max": "unlimited"}},
        "other_config": {"type": {"key": "string", "value": "string", "min": 0, "max": "unlimited"}},
        "ports": {"type": {"key": {"type": "uuid", "refTable": "Port"}, "min": 0, "max": "unlimited"}},
        "stp_enable": {"type": "boolean"},
        "name": {"type": "string", "mutable": false}
      },
      "indexes": [["name"]],
      "isRoot": true
    },
    "Port": {
      "columns": {
        "name": {"type": "string", "mutable": false},
        "tag": {"type": {"key": {"type": "integer", "minInteger": 0, "maxInteger": 4095}, "min": 0, "max": 1}},
        "bridge": {"type": {"key": {"type": "uuid", "refTable": "Bridge", "refType": "weak"}}}
      },
      "indexes": [["name"]]
    }
  }
}`

// FakeServer is an in-process OVSDB server speaking enough of RFC 7047 for
// tests: list_dbs, get_schema, transact with select, and echo. Request
// errors are sent as plain strings. It can greet
// clients with an unsolicited echo request and can withhold responses to
// chosen methods.
type FakeServer struct {
	listener net.Listener
	endpoint endpoint.Endpoint

	mu          sync.Mutex
	dbOrder     []string
	schemas     map[string]json.RawMessage
	rows        map[string]map[string][]map[string]any
	hang        map[string]bool
	greetEcho   bool
	echoReplies int
	requests    map[string]int
	conns       map[net.Conn]struct{}

	wg sync.WaitGroup
}

// StartFakeServer listens on network ("tcp" or "unix") at addr and serves
// until Close. For tcp, pass "127.0.0.1:0".
func StartFakeServer(network, addr string) (*FakeServer, error) {
	l, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	fs := &FakeServer{
		listener: l,
		endpoint: endpoint.Endpoint{Network: network, Address: l.Addr().String()},
		schemas:  make(map[string]json.RawMessage),
		rows:     make(map[string]map[string][]map[string]any),
		hang:     make(map[string]bool),
		requests: make(map[string]int),
		conns:    make(map[net.Conn]struct{}),
	}
	fs.wg.Add(1)
	go fs.acceptLoop()
	return fs, nil
}

// Endpoint returns the address clients should dial.
func (fs *FakeServer) Endpoint() endpoint.Endpoint {
	return fs.endpoint
}

// AddDatabase registers a database from its schema document.
func (fs *FakeServer) AddDatabase(schema string) error {
	var doc struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(schema), &doc); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.schemas[doc.Name]; !ok {
		fs.dbOrder = append(fs.dbOrder, doc.Name)
	}
	fs.schemas[doc.Name] = json.RawMessage(schema)
	return nil
}

// SetRows sets the rows a select on db.table returns. Values are sent as
// given, so callers write them in wire form.
func (fs *FakeServer) SetRows(db, table string, rows []map[string]any) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.rows[db] == nil {
		fs.rows[db] = make(map[string][]map[string]any)
	}
	fs.rows[db][table] = rows
}

// Hang makes the server read but never answer requests for method.
func (fs *FakeServer) Hang(method string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.hang[method] = true
}

// GreetWithEcho makes the server send an echo request to every new client
// before serving it.
func (fs *FakeServer) GreetWithEcho() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.greetEcho = true
}

// EchoReplies returns how many replies to its own echo requests the server
// has received.
func (fs *FakeServer) EchoReplies() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.echoReplies
}

// Requests returns how many requests for method have arrived.
func (fs *FakeServer) Requests(method string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.requests[method]
}

// ActiveConns returns the number of open client connections.
func (fs *FakeServer) ActiveConns() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.conns)
}

// CloseConns drops every client connection, leaving the listener open.
func (fs *FakeServer) CloseConns() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for c := range fs.conns {
		c.Close()
	}
}

// Close stops the server and waits for its goroutines.
func (fs *FakeServer) Close() {
	fs.listener.Close()
	fs.CloseConns()
	fs.wg.Wait()
}

func (fs *FakeServer) acceptLoop() {
	defer fs.wg.Done()
	for {
		c, err := fs.listener.Accept()
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conns[c] = struct{}{}
		fs.mu.Unlock()
		fs.wg.Add(1)
		go fs.serve(c)
	}
}

type fakeMessage struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	Result json.RawMessage   `json:"result"`
	ID     json.RawMessage   `json:"id"`
}

func (fs *FakeServer) serve(c net.Conn) {
	defer fs.wg.Done()
	defer func() {
		c.Close()
		fs.mu.Lock()
		delete(fs.conns, c)
		fs.mu.Unlock()
	}()

	var writeMu sync.Mutex
	enc := json.NewEncoder(c)
	send := func(v any) {
		writeMu.Lock()
		defer writeMu.Unlock()
		enc.Encode(v)
	}

	fs.mu.Lock()
	greet := fs.greetEcho
	fs.mu.Unlock()
	if greet {
		send(map[string]any{"method": "echo", "params": []any{"greeting"}, "id": "echo"})
		// a notification must be ignored by the client
		send(map[string]any{"method": "update", "params": []any{nil, map[string]any{}}, "id": nil})
	}

	dec := json.NewDecoder(c)
	for {
		var msg fakeMessage
		if err := dec.Decode(&msg); err != nil {
			return
		}
		if msg.Method == "" {
			if string(msg.ID) == `"echo"` {
				fs.mu.Lock()
				fs.echoReplies++
				fs.mu.Unlock()
			}
			continue
		}

		fs.mu.Lock()
		fs.requests[msg.Method]++
		hang := fs.hang[msg.Method]
		fs.mu.Unlock()
		if hang {
			continue
		}

		result, rpcErr := fs.handle(msg.Method, msg.Params)
		send(map[string]any{"id": msg.ID, "result": result, "error": rpcErr})
	}
}

func (fs *FakeServer) handle(method string, params []json.RawMessage) (any, any) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	switch method {
	case "list_dbs":
		return append([]string{}, fs.dbOrder...), nil
	case "echo":
		return params, nil
	case "get_schema":
		var db string
		if len(params) != 1 || json.Unmarshal(params[0], &db) != nil {
			return nil, "syntax error"
		}
		schema, ok := fs.schemas[db]
		if !ok {
			return nil, "unknown database"
		}
		return schema, nil
	case "transact":
		return fs.transact(params)
	}
	return nil, "unknown method"
}

func (fs *FakeServer) transact(params []json.RawMessage) (any, any) {
	var db string
	if len(params) < 1 || json.Unmarshal(params[0], &db) != nil {
		return nil, "syntax error"
	}
	if _, ok := fs.schemas[db]; !ok {
		return nil, "unknown database"
	}

	results := make([]any, 0, len(params)-1)
	for _, p := range params[1:] {
		var op struct {
			Op    string `json:"op"`
			Table string `json:"table"`
		}
		if err := json.Unmarshal(p, &op); err != nil || op.Op != "select" {
			results = append(results, map[string]string{"error": "not supported", "details": string(p)})
			break
		}
		rows := fs.rows[db][op.Table]
		if rows == nil {
			rows = []map[string]any{}
		}
		results = append(results, map[string]any{"rows": rows})
	}
	return results, nil
}
