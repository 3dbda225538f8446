// Package portal owns the per-browser-session Session Authority and
// Registration Synchronizer pairs.
package portal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gatherly/eventsite/internal/docstore"
	"github.com/gatherly/eventsite/internal/identity"
	"github.com/gatherly/eventsite/internal/observability"
	"github.com/gatherly/eventsite/internal/registration"
	"github.com/gatherly/eventsite/internal/session"
)

// DefaultIdleTTL is how long an unused client is kept.
const DefaultIdleTTL = 30 * time.Minute

// ErrClosed is returned by Acquire after the registry shut down.
var ErrClosed = errors.New("portal: registry closed")

// Client is everything the site keeps for one browser session.
type Client struct {
	SessionID     string
	Auth          *session.Authority
	Registrations *registration.Synchronizer
	Inbox         *Inbox
	Identity      *identity.Client

	cancel   context.CancelFunc
	mu       sync.Mutex
	lastSeen time.Time
}

func (c *Client) touch(now time.Time) {
	c.mu.Lock()
	c.lastSeen = now
	c.mu.Unlock()
}

func (c *Client) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// close stops observation and the live subscription, then waits for both.
func (c *Client) close() {
	c.cancel()
	c.Identity.Close()
	<-c.Auth.Done()
	<-c.Registrations.Done()
}

// Config wires a Registry.
type Config struct {
	Identity       *identity.Service
	Hub            *identity.Hub
	Store          docstore.Store
	Minter         session.CredentialMinter
	Logger         *slog.Logger
	Metrics        *observability.Metrics
	IdleTTL        time.Duration
	ResolveTimeout time.Duration
	Now            func() time.Time
}

// Registry creates clients on first use and evicts idle ones.
type Registry struct {
	cfg    Config
	store  docstore.Store
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	clients map[string]*Client
	closed  bool
}

// NewRegistry constructs a Registry. The store is guarded by the
// registrations access rules.
func NewRegistry(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		cfg:     cfg,
		store:   docstore.NewGuarded(cfg.Store, registration.Rules{}),
		logger:  cfg.Logger,
		now:     now,
		clients: make(map[string]*Client),
	}
}

// Acquire returns the client for sessionID, creating it restored to uid when
// none exists.
func (r *Registry) Acquire(sessionID, uid string) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	now := r.now()
	if c, ok := r.clients[sessionID]; ok {
		c.touch(now)
		return c, nil
	}
	c := r.newClient(sessionID, uid)
	c.touch(now)
	r.clients[sessionID] = c
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.PortalClients.Inc()
	}
	return c, nil
}

func (r *Registry) newClient(sessionID, uid string) *Client {
	logger := r.logger.With(slog.String("session", shortID(sessionID)))
	inbox := NewInbox(r.cfg.Metrics.Notified)
	idClient := identity.NewClient(r.cfg.Identity, r.cfg.Hub, logger, uid)
	auth := session.NewAuthority(session.Config{
		Provider:       idClient,
		Minter:         r.cfg.Minter,
		Notifier:       inbox,
		Logger:         logger,
		ResolveTimeout: r.cfg.ResolveTimeout,
	})
	var gauge registration.Gauge
	if r.cfg.Metrics != nil {
		gauge = r.cfg.Metrics.LiveSubscriptions
	}
	regs := registration.NewSynchronizer(registration.Config{
		Store:         r.store,
		Principals:    auth,
		Notifier:      inbox,
		Logger:        logger,
		Subscriptions: gauge,
	})

	ctx, cancel := context.WithCancel(context.Background())
	auth.Start(ctx)
	go regs.Run(ctx, auth.Watch(ctx))

	return &Client{
		SessionID:     sessionID,
		Auth:          auth,
		Registrations: regs,
		Inbox:         inbox,
		Identity:      idClient,
		cancel:        cancel,
	}
}

// Rekey moves a client to a renewed session id.
func (r *Registry) Rekey(oldID, newID string) {
	if oldID == newID {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[oldID]
	if !ok {
		return
	}
	delete(r.clients, oldID)
	if prev, clash := r.clients[newID]; clash {
		go r.teardown(prev)
	}
	c.SessionID = newID
	r.clients[newID] = c
}

// Release tears down the client for sessionID, if any.
func (r *Registry) Release(sessionID string) {
	r.mu.Lock()
	c, ok := r.clients[sessionID]
	delete(r.clients, sessionID)
	r.mu.Unlock()
	if ok {
		r.teardown(c)
	}
}

// Sweep evicts clients idle for longer than the idle TTL and returns how many went.
func (r *Registry) Sweep(now time.Time) int {
	cutoff := now.Add(-r.cfg.IdleTTL)
	var idle []*Client
	r.mu.Lock()
	for id, c := range r.clients {
		if c.idleSince().Before(cutoff) {
			idle = append(idle, c)
			delete(r.clients, id)
		}
	}
	r.mu.Unlock()
	for _, c := range idle {
		r.teardown(c)
	}
	if len(idle) > 0 {
		r.logger.Info("portal clients evicted", slog.Int("count", len(idle)))
	}
	return len(idle)
}

// Len reports the number of live clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Run sweeps periodically until ctx ends, then tears every client down.
func (r *Registry) Run(ctx context.Context) error {
	interval := r.cfg.IdleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Close()
			return nil
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

// Close tears down every client; later Acquire calls fail with ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	all := make([]*Client, 0, len(r.clients))
	for id, c := range r.clients {
		all = append(all, c)
		delete(r.clients, id)
	}
	r.mu.Unlock()
	for _, c := range all {
		r.teardown(c)
	}
}

func (r *Registry) teardown(c *Client) {
	c.close()
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.PortalClients.Dec()
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
