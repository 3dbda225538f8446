// Package identity is the identity provider behind the sign-in flows:
// password and federated accounts, custom-token sign-in, signed ID tokens
// carrying custom claims and claim-refresh fan-out.
package identity

import (
	"context"
	"errors"
	"time"

	"github.com/gatherly/eventsite/internal/session"
)

// Account providers.
const (
	ProviderPassword = session.ProviderPassword
	ProviderGoogle   = "google"
	ProviderCustom   = "custom"
)

// ErrEmailTaken is returned by repositories when the email already belongs to an account.
var ErrEmailTaken = errors.New("identity: email already registered")

// Account is a stored identity.
type Account struct {
	UID             string
	Email           string
	DisplayName     string
	PasswordHash    string
	Provider        string
	ProviderSubject string
	EmailVerified   bool
	Claims          map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Admin reports whether the account carries admin = true.
func (a *Account) Admin() bool {
	v, _ := a.Claims["admin"].(bool)
	return v
}

// Principal converts the account into the session view of it.
func (a *Account) Principal() *session.Principal {
	if a == nil {
		return nil
	}
	claims := make(session.Claims, len(a.Claims))
	for k, v := range a.Claims {
		claims[k] = v
	}
	return &session.Principal{
		UID:           a.UID,
		Email:         a.Email,
		DisplayName:   a.DisplayName,
		EmailVerified: a.EmailVerified,
		Provider:      a.Provider,
		Claims:        claims,
	}
}

// Mailer queues outgoing email. jobs.Client implements it.
type Mailer interface {
	EnqueueSendEmail(ctx context.Context, to, subject, body string) error
}

// Publisher announces that a uid's claims changed and its tokens must be refreshed.
type Publisher interface {
	Publish(ctx context.Context, uid string) error
}
