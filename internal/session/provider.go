package session

import "context"

// IdentityProvider is the client side of the identity service for one browser session.
type IdentityProvider interface {
	SignInWithPassword(ctx context.Context, email, password string) (*Principal, error)
	CreateUserWithPassword(ctx context.Context, email, password string) (*Principal, error)
	SendEmailVerification(ctx context.Context, p *Principal) error
	SignInWithFederated(ctx context.Context, identity FederatedIdentity) (*Principal, error)
	SignInWithCustomToken(ctx context.Context, token string) (*Principal, error)
	SignOut(ctx context.Context) error
	// Events delivers session changes. Delivery may coalesce events; the
	// latest one always describes the current principal.
	Events() <-chan SessionEvent
	// IDToken returns the current principal's token, minting a new one when forceRefresh is set.
	IDToken(ctx context.Context, forceRefresh bool) (*IDToken, error)
}

// CredentialMinter asks the trusted endpoint to exchange a shared secret for
// a short-lived custom token.
type CredentialMinter interface {
	Mint(ctx context.Context, secret string) (string, error)
}

// NotificationKind matches the flash message kinds rendered by the site.
type NotificationKind string

const (
	NotifySuccess NotificationKind = "success"
	NotifyError   NotificationKind = "error"
	NotifyInfo    NotificationKind = "info"
)

// Notification is a user-visible outcome message.
type Notification struct {
	Kind    NotificationKind
	Message string
}

// Notifier receives user-visible notifications.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

// Notify implements Notifier.
func (f NotifierFunc) Notify(n Notification) { f(n) }

type discardNotifier struct{}

func (discardNotifier) Notify(Notification) {}
