package identity

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gatherly/eventsite/internal/session"
	"github.com/gatherly/eventsite/internal/shared"
)

// Client is the identity provider as seen by one browser session. It holds the
// signed-in uid and reports every sign-in, sign-out and claim refresh on Events.
type Client struct {
	svc    *Service
	hub    *Hub
	logger *slog.Logger

	mu      sync.Mutex
	uid     string
	token   *session.IDToken
	events  chan session.SessionEvent
	release func()
	closed  bool
}

// NewClient creates a client restored to uid ("" when signed out). Like an
// app load, it reports the restored state as its first event.
func NewClient(svc *Service, hub *Hub, logger *slog.Logger, uid string) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		svc:    svc,
		hub:    hub,
		logger: logger,
		events: make(chan session.SessionEvent, 1),
	}
	if uid == "" {
		c.emit(session.SessionEvent{})
		return c
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	acct, err := svc.Lookup(ctx, uid)
	if err != nil {
		logger.Warn("restore identity", slog.String("uid", uid), slog.Any("error", err))
		c.emit(session.SessionEvent{})
		return c
	}
	c.signedIn(acct)
	return c
}

// UID returns the signed-in uid, or "".
func (c *Client) UID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uid
}

// Events implements session.IdentityProvider.
func (c *Client) Events() <-chan session.SessionEvent {
	return c.events
}

// emit replaces any undelivered event; callers never block on a slow consumer.
func (c *Client) emit(ev session.SessionEvent) {
	for {
		select {
		case c.events <- ev:
			return
		default:
		}
		select {
		case <-c.events:
		default:
		}
	}
}

func (c *Client) signedIn(acct *Account) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.uid != acct.UID {
		c.watchLocked(acct.UID)
	}
	c.uid = acct.UID
	c.token = nil
	c.emit(session.SessionEvent{Principal: acct.Principal()})
}

func (c *Client) watchLocked(uid string) {
	if c.release != nil {
		c.release()
		c.release = nil
	}
	if c.hub == nil || uid == "" {
		return
	}
	signals, release := c.hub.Subscribe(uid)
	c.release = release
	go func() {
		for range signals {
			c.refreshed(uid)
		}
	}()
}

// refreshed re-reads the account after a claim change and reports it.
func (c *Client) refreshed(uid string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	acct, err := c.svc.Lookup(ctx, uid)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.uid != uid {
		return
	}
	c.token = nil
	if err != nil {
		c.logger.Warn("refresh identity", slog.String("uid", uid), slog.Any("error", err))
		if errors.Is(err, shared.ErrNotFound) {
			c.uid = ""
			c.watchLocked("")
			c.emit(session.SessionEvent{})
		}
		return
	}
	c.emit(session.SessionEvent{Principal: acct.Principal()})
}

// SignInWithPassword implements session.IdentityProvider.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*session.Principal, error) {
	acct, err := c.svc.Authenticate(ctx, email, password)
	if err != nil {
		return nil, err
	}
	c.signedIn(acct)
	return acct.Principal(), nil
}

// CreateUserWithPassword implements session.IdentityProvider. The new account is signed in.
func (c *Client) CreateUserWithPassword(ctx context.Context, email, password string) (*session.Principal, error) {
	acct, err := c.svc.CreateAccount(ctx, email, password)
	if err != nil {
		return nil, err
	}
	c.signedIn(acct)
	return acct.Principal(), nil
}

// SendEmailVerification implements session.IdentityProvider.
func (c *Client) SendEmailVerification(ctx context.Context, p *session.Principal) error {
	if p == nil {
		return shared.ErrNotAuthenticated
	}
	return c.svc.SendVerificationEmail(ctx, p.UID)
}

// SignInWithFederated implements session.IdentityProvider.
func (c *Client) SignInWithFederated(ctx context.Context, identity session.FederatedIdentity) (*session.Principal, error) {
	acct, err := c.svc.SignInWithFederated(ctx, identity)
	if err != nil {
		return nil, err
	}
	c.signedIn(acct)
	return acct.Principal(), nil
}

// SignInWithCustomToken implements session.IdentityProvider.
func (c *Client) SignInWithCustomToken(ctx context.Context, token string) (*session.Principal, error) {
	acct, err := c.svc.SignInWithCustomToken(ctx, token)
	if err != nil {
		return nil, err
	}
	c.signedIn(acct)
	return acct.Principal(), nil
}

// SignOut implements session.IdentityProvider.
func (c *Client) SignOut(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.uid = ""
	c.token = nil
	c.watchLocked("")
	c.emit(session.SessionEvent{})
	return nil
}

// IDToken implements session.IdentityProvider. Cached tokens are reused until
// a minute before expiry unless forceRefresh is set.
func (c *Client) IDToken(ctx context.Context, forceRefresh bool) (*session.IDToken, error) {
	c.mu.Lock()
	uid, cached := c.uid, c.token
	c.mu.Unlock()
	if uid == "" {
		return nil, shared.ErrNotAuthenticated
	}
	if !forceRefresh && cached != nil && time.Until(cached.ExpiresAt) > time.Minute {
		return cached, nil
	}
	tok, err := c.svc.IssueIDToken(ctx, uid)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.uid == uid {
		c.token = tok
	}
	c.mu.Unlock()
	return tok, nil
}

// Close stops claim-refresh delivery. Events is left open.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.watchLocked("")
}

var _ session.IdentityProvider = (*Client)(nil)
