package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gluk-w/ovsdb-viewer/internal/endpoint"
	"github.com/gluk-w/ovsdb-viewer/internal/ovsdb"
	"github.com/gluk-w/ovsdb-viewer/internal/sshtunnel"
)

var (
	// ErrSessionClosed is returned by operations on a disconnected session.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrEndpointNotFound is returned for an endpoint index outside the session.
	ErrEndpointNotFound = errors.New("endpoint not found")
	// ErrInvalidRequest wraps connect request validation failures.
	ErrInvalidRequest = errors.New("invalid request")
)

// link is one connected endpoint: an optional tunnel, the RPC client on top
// of it, and the schemas fetched over it.
type link struct {
	index  int
	spec   EndpointSpec
	remote endpoint.Endpoint
	tunnel *sshtunnel.Tunnel // nil for direct connections
	client *ovsdb.Client

	mu      sync.Mutex
	schemas map[string]*ovsdb.DatabaseSchema
}

func (l *link) cachedSchema(db string) (*ovsdb.DatabaseSchema, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.schemas[db]
	return s, ok
}

func (l *link) storeSchema(db string, s *ovsdb.DatabaseSchema) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.schemas[db] = s
}

func (l *link) cachedNames() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.schemas))
	for name := range l.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// close closes the RPC client, whose close cascade tears down the tunnel.
func (l *link) close() error {
	return l.client.Close()
}

// Session is a set of live endpoint connections with a selected database.
// All methods are safe for concurrent use.
type Session struct {
	id      string
	created time.Time
	links   []*link

	mu       sync.Mutex
	database string
	lastUsed time.Time
	closed   bool

	closeOnce sync.Once
	closeErr  error
}

func (s *Session) ID() string {
	return s.id
}

// Database returns the selected database name.
func (s *Session) Database() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.database
}

// Use selects db as the database for calls that pass an empty name.
func (s *Session) Use(db string) error {
	if db == "" {
		return fmt.Errorf("%w: database name is empty", ErrInvalidRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.database = db
	s.lastUsed = time.Now()
	return nil
}

// Endpoints returns the number of connected endpoints.
func (s *Session) Endpoints() int {
	return len(s.links)
}

// IdleSince returns when the session was last used.
func (s *Session) IdleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// acquire resolves an endpoint index and database name, refusing closed
// sessions, and marks the session as used.
func (s *Session) acquire(ep int, db string) (*link, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, "", ErrSessionClosed
	}
	if ep < 0 || ep >= len(s.links) {
		return nil, "", fmt.Errorf("endpoint %d of %d: %w", ep, len(s.links), ErrEndpointNotFound)
	}
	if db == "" {
		db = s.database
	}
	s.lastUsed = time.Now()
	return s.links[ep], db, nil
}

// ListDatabases lists the databases served at endpoint ep.
func (s *Session) ListDatabases(ctx context.Context, ep int) ([]string, error) {
	l, _, err := s.acquire(ep, "")
	if err != nil {
		return nil, err
	}
	return l.client.ListDatabases(ctx)
}

// Schema returns the schema of db at endpoint ep, fetching it on first use.
// An empty db means the selected database.
func (s *Session) Schema(ctx context.Context, ep int, db string) (*ovsdb.DatabaseSchema, error) {
	l, db, err := s.acquire(ep, db)
	if err != nil {
		return nil, err
	}
	if schema, ok := l.cachedSchema(db); ok {
		return schema, nil
	}
	return fetchSchema(ctx, l, db)
}

// RefreshSchema refetches the schema of db at endpoint ep, replacing the
// cached copy.
func (s *Session) RefreshSchema(ctx context.Context, ep int, db string) (*ovsdb.DatabaseSchema, error) {
	l, db, err := s.acquire(ep, db)
	if err != nil {
		return nil, err
	}
	return fetchSchema(ctx, l, db)
}

func fetchSchema(ctx context.Context, l *link, db string) (*ovsdb.DatabaseSchema, error) {
	schema, err := l.client.GetSchema(ctx, db)
	if err != nil {
		return nil, err
	}
	l.storeSchema(db, schema)
	return schema, nil
}

// Table reads every row of table in db at endpoint ep. Failures leave the
// session and its cached schemas intact.
func (s *Session) Table(ctx context.Context, ep int, db, table string) (*ovsdb.Table, error) {
	l, db, err := s.acquire(ep, db)
	if err != nil {
		return nil, err
	}
	schema, ok := l.cachedSchema(db)
	if !ok {
		if schema, err = fetchSchema(ctx, l, db); err != nil {
			return nil, err
		}
	}
	return ovsdb.GetTable(ctx, l.client, schema, table)
}

// Close disconnects every endpoint. In-flight calls fail with
// ovsdb.ErrConnectionClosed; later calls fail with ErrSessionClosed.
// Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.closeErr = closeLinks(s.links)
	})
	return s.closeErr
}

func closeLinks(links []*link) error {
	var errs []error
	for _, l := range links {
		if l == nil {
			continue
		}
		if err := l.close(); err != nil {
			errs = append(errs, fmt.Errorf("endpoint %d: %w", l.index, err))
		}
	}
	return errors.Join(errs...)
}

// EndpointStatus describes one connected endpoint.
type EndpointStatus struct {
	Index           int      `json:"index"`
	Endpoint        string   `json:"endpoint"`
	Local           string   `json:"local"`
	Hops            []string `json:"hops,omitempty"`
	ActiveRelays    int      `json:"activeRelays"`
	Alive           bool     `json:"alive"`
	CachedDatabases []string `json:"cachedDatabases"`
}

// Status is a snapshot of a session.
type Status struct {
	ID        string           `json:"id"`
	Database  string           `json:"database"`
	CreatedAt time.Time        `json:"createdAt"`
	LastUsed  time.Time        `json:"lastUsed"`
	Closed    bool             `json:"closed"`
	Endpoints []EndpointStatus `json:"endpoints"`
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		ID:        s.id,
		Database:  s.database,
		CreatedAt: s.created,
		LastUsed:  s.lastUsed,
		Closed:    s.closed,
	}
	s.mu.Unlock()

	for _, l := range s.links {
		es := EndpointStatus{
			Index:           l.index,
			Endpoint:        l.spec.Endpoint,
			Local:           l.client.Endpoint().String(),
			CachedDatabases: l.cachedNames(),
		}
		select {
		case <-l.client.Done():
		default:
			es.Alive = true
		}
		if l.tunnel != nil {
			es.Hops = l.tunnel.Hops()
			es.ActiveRelays = l.tunnel.ActiveRelays()
		}
		st.Endpoints = append(st.Endpoints, es)
	}
	return st
}
