package session

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/gluk-w/ovsdb-viewer/internal/endpoint"
	"github.com/gluk-w/ovsdb-viewer/internal/history"
	"github.com/gluk-w/ovsdb-viewer/internal/logutil"
	"github.com/gluk-w/ovsdb-viewer/internal/ovsdb"
	"github.com/gluk-w/ovsdb-viewer/internal/sshtunnel"
)

// Options configure a Coordinator.
type Options struct {
	HopTimeout      time.Duration
	HostKeyCallback ssh.HostKeyCallback
	RPC             ovsdb.Options
	DefaultDatabase string
	// History receives a record for every successful connect. May be nil.
	History *history.Registry
}

// Coordinator owns the live sessions.
type Coordinator struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewCoordinator(opts Options) *Coordinator {
	return &Coordinator{
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Connect connects every endpoint of req concurrently, fetching the target
// database schema over each. If any endpoint fails, every endpoint already
// connected in this attempt is closed and the error names the failing
// endpoint. On success the session is registered and recorded in history.
func (c *Coordinator) Connect(ctx context.Context, req ConnectRequest) (*Session, error) {
	req, err := req.Normalize(c.opts.DefaultDatabase)
	if err != nil {
		return nil, err
	}

	links := make([]*link, len(req.Endpoints))
	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range req.Endpoints {
		g.Go(func() error {
			l, err := c.connectEndpoint(gctx, i, spec, req.Database)
			if err != nil {
				return fmt.Errorf("endpoint %d (%s): %w", i, spec.Endpoint, err)
			}
			links[i] = l
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if cerr := closeLinks(links); cerr != nil {
			log.Printf("[session] rollback after failed connect: %v", cerr)
		}
		log.Printf("[session] connect failed: %s", logutil.SanitizeForLog(err.Error()))
		return nil, err
	}

	now := time.Now()
	s := &Session{
		id:       uuid.NewString(),
		created:  now,
		links:    links,
		database: req.Database,
		lastUsed: now,
	}
	c.mu.Lock()
	c.sessions[s.id] = s
	c.mu.Unlock()
	log.Printf("[session] %s connected: %d endpoint(s), database %s", s.id, len(links), logutil.SanitizeForLog(req.Database))

	if c.opts.History != nil {
		rec := history.Record{
			Version:   history.CurrentVersion,
			Timestamp: now.Unix(),
			Endpoints: req.Endpoints,
		}
		if _, err := c.opts.History.Append(ctx, rec); err != nil {
			log.Printf("[session] failed to record history for %s: %v", s.id, err)
		}
	}
	return s, nil
}

func (c *Coordinator) connectEndpoint(ctx context.Context, index int, spec EndpointSpec, db string) (*link, error) {
	remote, err := endpoint.Parse(spec.Endpoint)
	if err != nil {
		return nil, err
	}

	target := remote
	var tun *sshtunnel.Tunnel
	if spec.Tunnel != nil {
		tun, err = sshtunnel.Build(ctx, *spec.Tunnel, remote, sshtunnel.Options{
			HopTimeout:      c.opts.HopTimeout,
			HostKeyCallback: c.opts.HostKeyCallback,
		})
		if err != nil {
			return nil, err
		}
		if target, err = endpoint.Parse(tun.LocalEndpoint()); err != nil {
			tun.Close()
			return nil, err
		}
	}

	client, err := ovsdb.Dial(ctx, target, c.opts.RPC)
	if err != nil {
		if tun != nil {
			tun.Close()
		}
		return nil, err
	}
	if tun != nil {
		client.OnClose(tun.Close)
	}

	l := &link{
		index:   index,
		spec:    spec,
		remote:  remote,
		tunnel:  tun,
		client:  client,
		schemas: make(map[string]*ovsdb.DatabaseSchema),
	}
	if _, err := fetchSchema(ctx, l, db); err != nil {
		l.close()
		return nil, err
	}
	return l, nil
}

// Get returns the session with the given id.
func (c *Coordinator) Get(id string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	return s, nil
}

// List returns every live session, oldest first.
func (c *Coordinator) List() []*Session {
	c.mu.Lock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].created.Equal(out[j].created) {
			return out[i].id < out[j].id
		}
		return out[i].created.Before(out[j].created)
	})
	return out
}

// Disconnect closes and forgets session id. Unknown or already
// disconnected ids are a no-op.
func (c *Coordinator) Disconnect(id string) error {
	c.mu.Lock()
	s, ok := c.sessions[id]
	delete(c.sessions, id)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	log.Printf("[session] %s disconnected", id)
	return s.Close()
}

// CloseAll disconnects every session.
func (c *Coordinator) CloseAll() {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]*Session)
	c.mu.Unlock()

	for id, s := range sessions {
		if err := s.Close(); err != nil {
			log.Printf("[session] close %s: %v", id, err)
		}
	}
}

// ReapIdle disconnects sessions unused for longer than maxIdle and returns
// how many were closed.
func (c *Coordinator) ReapIdle(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-maxIdle)

	c.mu.Lock()
	var idle []*Session
	for id, s := range c.sessions {
		if s.IdleSince().Before(cutoff) {
			idle = append(idle, s)
			delete(c.sessions, id)
		}
	}
	c.mu.Unlock()

	for _, s := range idle {
		log.Printf("[session] %s idle since %s, disconnecting", s.id, s.IdleSince().Format(time.RFC3339))
		if err := s.Close(); err != nil {
			log.Printf("[session] close %s: %v", s.id, err)
		}
	}
	return len(idle)
}
