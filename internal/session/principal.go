package session

import (
	"context"
	"reflect"
	"time"
)

// Claims are key/value assertions attached to a principal's ID token.
type Claims map[string]any

// Admin reports whether the claims carry admin = true.
func (c Claims) Admin() bool {
	v, ok := c["admin"].(bool)
	return ok && v
}

func (c Claims) clone() Claims {
	if c == nil {
		return nil
	}
	out := make(Claims, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// ProviderPassword marks principals that signed in with email and password.
const ProviderPassword = "password"

// Principal is an authenticated identity.
type Principal struct {
	UID           string
	Email         string
	DisplayName   string
	EmailVerified bool
	Provider      string
	Claims        Claims
}

// Clone returns a deep copy of p.
func (p *Principal) Clone() *Principal {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Claims = p.Claims.clone()
	return &cp
}

// Label is the best human-readable name for the principal.
func (p *Principal) Label() string {
	switch {
	case p == nil:
		return ""
	case p.DisplayName != "":
		return p.DisplayName
	case p.Email != "":
		return p.Email
	}
	return p.UID
}

// Privilege is the tri-state answer to "is the current principal an administrator".
type Privilege int

const (
	// PrivilegeUnknown means identity has not been resolved yet. It is not a denial.
	PrivilegeUnknown Privilege = iota
	PrivilegeDenied
	PrivilegeGranted
)

// String implements fmt.Stringer.
func (p Privilege) String() string {
	switch p {
	case PrivilegeDenied:
		return "denied"
	case PrivilegeGranted:
		return "granted"
	}
	return "unknown"
}

// Snapshot is the published session state.
type Snapshot struct {
	Principal *Principal
	Admin     bool
	Resolved  bool
}

// SignedIn reports whether a principal is present.
func (s Snapshot) SignedIn() bool {
	return s.Principal != nil
}

// Privilege classifies the snapshot for authorization checks.
func (s Snapshot) Privilege() Privilege {
	switch {
	case !s.Resolved:
		return PrivilegeUnknown
	case s.Principal != nil && s.Admin:
		return PrivilegeGranted
	}
	return PrivilegeDenied
}

// Equal reports whether two snapshots describe the same state.
func (s Snapshot) Equal(o Snapshot) bool {
	if s.Resolved != o.Resolved || s.Admin != o.Admin {
		return false
	}
	if (s.Principal == nil) != (o.Principal == nil) {
		return false
	}
	if s.Principal == nil {
		return true
	}
	return reflect.DeepEqual(*s.Principal, *o.Principal)
}

// IDToken is a freshly fetched identity token with its decoded claims.
type IDToken struct {
	Raw       string
	Subject   string
	Claims    Claims
	ExpiresAt time.Time
}

// SessionEvent is emitted by the identity provider on sign-in, sign-out and
// token refresh. A nil Principal means signed out.
type SessionEvent struct {
	Principal *Principal
}

// FederatedIdentity is the verified result of an external provider flow.
type FederatedIdentity struct {
	Provider      string
	Subject       string
	Email         string
	EmailVerified bool
	DisplayName   string
}

// FederatedFlow is a provider-driven interactive sign-in, already carried out
// by the browser; Complete finishes it server side.
type FederatedFlow interface {
	Complete(ctx context.Context) (FederatedIdentity, error)
}
