// Package session holds the Session Authority: the single source of truth for
// who is signed in to a browser session and whether that principal is an
// administrator.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gatherly/eventsite/internal/shared"
)

// DefaultResolveTimeout bounds how long sign-in operations wait for the
// observed session to reflect their result.
const DefaultResolveTimeout = 10 * time.Second

// Config wires an Authority.
type Config struct {
	Provider       IdentityProvider
	Minter         CredentialMinter
	Notifier       Notifier
	Logger         *slog.Logger
	ResolveTimeout time.Duration
}

// Authority publishes the resolved session of one browser session.
//
// Provider events are consumed by a single goroutine started with Start; it is
// the only writer of the published Snapshot apart from SignOut, which clears
// unconditionally.
type Authority struct {
	provider       IdentityProvider
	minter         CredentialMinter
	notifier       Notifier
	logger         *slog.Logger
	resolveTimeout time.Duration

	mu       sync.RWMutex
	snapshot Snapshot
	dialog   Dialog
	watchers map[chan Snapshot]struct{}
	started  bool
	stopped  bool
	done     chan struct{}
}

// NewAuthority constructs an unresolved Authority.
func NewAuthority(cfg Config) *Authority {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = discardNotifier{}
	}
	timeout := cfg.ResolveTimeout
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}
	return &Authority{
		provider:       cfg.Provider,
		minter:         cfg.Minter,
		notifier:       notifier,
		logger:         logger,
		resolveTimeout: timeout,
		dialog:         NewDialog(),
		watchers:       make(map[chan Snapshot]struct{}),
		done:           make(chan struct{}),
	}
}

// Start begins observing provider events until ctx ends. Calling it again is a no-op.
func (a *Authority) Start(ctx context.Context) {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.mu.Unlock()
	go a.observeSession(ctx)
}

// Done is closed once observation has stopped.
func (a *Authority) Done() <-chan struct{} {
	return a.done
}

func (a *Authority) observeSession(ctx context.Context) {
	defer close(a.done)
	defer a.stop()
	events := a.provider.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.resolve(ctx, ev.Principal)
		}
	}
}

// resolve re-derives the admin flag from a force-refreshed token. Claims only
// ever come from that token: one that cannot be fetched, or that belongs to
// someone else, leaves the principal without claims. Unverified password
// principals are never published; they are signed straight back out.
func (a *Authority) resolve(ctx context.Context, p *Principal) {
	next := Snapshot{Resolved: true}
	if p != nil && !(p.Provider == ProviderPassword && !p.EmailVerified) {
		principal := p.Clone()
		principal.Claims = nil
		token, err := a.provider.IDToken(ctx, true)
		switch {
		case err != nil:
			a.logger.Warn("refresh id token", slog.String("uid", p.UID), slog.Any("error", err))
		case token.Subject != p.UID:
			a.logger.Warn("refreshed token subject mismatch", slog.String("uid", p.UID), slog.String("subject", token.Subject))
		default:
			principal.Claims = token.Claims.clone()
			next.Admin = token.Claims.Admin()
		}
		next.Principal = principal
	}
	a.publish(next)
}

func (a *Authority) publish(next Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.snapshot.Equal(next) {
		return
	}
	a.snapshot = next
	for ch := range a.watchers {
		offerSnapshot(ch, next)
	}
}

func (a *Authority) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	for ch := range a.watchers {
		close(ch)
		delete(a.watchers, ch)
	}
}

// offerSnapshot replaces any undelivered snapshot. Callers hold a.mu, so each
// watcher channel has a single writer.
func offerSnapshot(ch chan Snapshot, s Snapshot) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Snapshot returns the current published state.
func (a *Authority) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := a.snapshot
	s.Principal = s.Principal.Clone()
	return s
}

// CurrentPrincipal returns the signed-in principal, or nil.
func (a *Authority) CurrentPrincipal() *Principal {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshot.Principal.Clone()
}

// Watch delivers the current snapshot and every later change until ctx ends
// or observation stops. Slow readers only see the latest snapshot.
func (a *Authority) Watch(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 1)
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		close(ch)
		return ch
	}
	a.watchers[ch] = struct{}{}
	offerSnapshot(ch, a.snapshot)
	a.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-a.done:
		}
		a.mu.Lock()
		if _, ok := a.watchers[ch]; ok {
			delete(a.watchers, ch)
			close(ch)
		}
		a.mu.Unlock()
	}()
	return ch
}

// await blocks until a published snapshot satisfies match.
func (a *Authority) await(ctx context.Context, match func(Snapshot) bool) error {
	ctx, cancel := context.WithTimeout(ctx, a.resolveTimeout)
	defer cancel()
	for s := range a.Watch(ctx) {
		if match(s) {
			return nil
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.New("session: observation stopped")
}

func (a *Authority) awaitPrincipal(ctx context.Context, uid string) {
	err := a.await(ctx, func(s Snapshot) bool {
		return s.Resolved && s.Principal != nil && s.Principal.UID == uid
	})
	if err != nil {
		a.logger.Warn("session resolution pending", slog.String("uid", uid), slog.Any("error", err))
	}
}

func (a *Authority) clear() {
	a.publish(Snapshot{Resolved: true})
}

func (a *Authority) fail(err *shared.Error) error {
	a.notifier.Notify(Notification{Kind: NotifyError, Message: shared.UserSafeMessage(err)})
	return err
}

func (a *Authority) succeed(message string) {
	a.notifier.Notify(Notification{Kind: NotifySuccess, Message: message})
}

// normalize keeps typed provider errors and classifies the rest as fallback.
func normalize(err error, fallback shared.ErrorKind, message string) *shared.Error {
	var typed *shared.Error
	if errors.As(err, &typed) {
		return typed
	}
	if shared.KindOf(err) == shared.KindValidation {
		return shared.NewError(shared.KindValidation, shared.UserSafeMessage(err), err)
	}
	return shared.NewError(fallback, message, err)
}

// SignInWithPassword signs in with email and password. Unverified accounts are
// signed straight back out and reported as EmailNotVerified.
func (a *Authority) SignInWithPassword(ctx context.Context, email, password string) error {
	p, err := a.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		return a.fail(normalize(err, shared.KindServerError, "Sign-in is unavailable right now. Try again later."))
	}
	if !p.EmailVerified {
		if err := a.provider.SignOut(ctx); err != nil {
			a.logger.Warn("sign out unverified principal", slog.String("uid", p.UID), slog.Any("error", err))
		}
		a.clear()
		return a.fail(shared.NewError(shared.KindEmailNotVerified, "Please verify your email address first. Check your inbox for the verification link.", nil))
	}
	a.awaitPrincipal(ctx, p.UID)
	a.CloseDialog()
	a.succeed("Welcome back, " + p.Label() + ".")
	return nil
}

// SignUpWithPassword creates an account, sends the verification email and
// signs out so the principal must verify before signing in.
func (a *Authority) SignUpWithPassword(ctx context.Context, email, password string) error {
	p, err := a.provider.CreateUserWithPassword(ctx, email, password)
	if err != nil {
		return a.fail(normalize(err, shared.KindServerError, "Sign-up is unavailable right now. Try again later."))
	}
	sendErr := a.provider.SendEmailVerification(ctx, p)
	if err := a.provider.SignOut(ctx); err != nil {
		a.logger.Warn("sign out after sign up", slog.String("uid", p.UID), slog.Any("error", err))
	}
	a.clear()
	if sendErr != nil {
		a.logger.Error("send verification email", slog.String("uid", p.UID), slog.Any("error", sendErr))
		return a.fail(shared.NewError(shared.KindServerError, "Your account was created but the verification email could not be sent. Try signing in later to resend it.", sendErr))
	}
	a.succeed("Account created. We sent a verification link to " + p.Email + ". Verify your email, then sign in.")
	return nil
}

// SignInWithFederatedProvider completes an external provider flow. Failures
// carry the provider's message and are not retried.
func (a *Authority) SignInWithFederatedProvider(ctx context.Context, flow FederatedFlow) error {
	identity, err := flow.Complete(ctx)
	if err != nil {
		return a.fail(shared.NewError(shared.KindFederatedSignInFailed, providerMessage(err), err))
	}
	p, err := a.provider.SignInWithFederated(ctx, identity)
	if err != nil {
		return a.fail(shared.NewError(shared.KindFederatedSignInFailed, providerMessage(err), err))
	}
	a.awaitPrincipal(ctx, p.UID)
	a.CloseDialog()
	a.succeed("Signed in as " + p.Label() + ".")
	return nil
}

func providerMessage(err error) string {
	var typed *shared.Error
	if errors.As(err, &typed) && typed.Message != "" {
		return typed.Message
	}
	return "Sign-in was cancelled or rejected: " + err.Error()
}

// SignInWithPrivilegedOverride exchanges a shared secret for a privileged
// session. Only the minting endpoint compares the secret.
func (a *Authority) SignInWithPrivilegedOverride(ctx context.Context, secret string) error {
	if a.minter == nil {
		return a.fail(shared.NewError(shared.KindServerError, "Administrator override is not available.", nil))
	}
	token, err := a.minter.Mint(ctx, secret)
	if err != nil {
		if errors.Is(err, shared.ErrUnauthorized) {
			return a.fail(shared.NewError(shared.KindUnauthorized, "The override secret was rejected.", err))
		}
		return a.fail(shared.NewError(shared.KindServerError, "The override service is unavailable. Try again later.", err))
	}
	p, err := a.provider.SignInWithCustomToken(ctx, token)
	if err != nil {
		return a.fail(shared.NewError(shared.KindServerError, "The override credential could not be used.", err))
	}
	a.awaitPrincipal(ctx, p.UID)
	a.CloseDialog()
	a.succeed("Signed in with administrator override.")
	return nil
}

// SignOut clears the principal and admin flag. It is safe to call when
// already signed out.
func (a *Authority) SignOut(ctx context.Context) error {
	if err := a.provider.SignOut(ctx); err != nil {
		a.logger.Warn("provider sign out", slog.Any("error", err))
	}
	a.clear()
	a.notifier.Notify(Notification{Kind: NotifyInfo, Message: "You have been signed out."})
	return nil
}

// Dialog returns the sign-in dialog state.
func (a *Authority) Dialog() Dialog {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dialog
}

// OpenDialog shows the sign-in dialog in mode.
func (a *Authority) OpenDialog(mode DialogMode) {
	a.mu.Lock()
	a.dialog = a.dialog.Open(mode)
	a.mu.Unlock()
}

// CloseDialog starts closing the dialog.
func (a *Authority) CloseDialog() {
	a.mu.Lock()
	a.dialog = a.dialog.Close()
	a.mu.Unlock()
}

// DialogClosed records that the close animation finished.
func (a *Authority) DialogClosed() {
	a.mu.Lock()
	a.dialog = a.dialog.Completed()
	a.mu.Unlock()
}
