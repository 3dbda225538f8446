package identity

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/gatherly/eventsite/internal/session"
)

// DefaultGoogleIssuer is Google's OIDC issuer.
const DefaultGoogleIssuer = "https://accounts.google.com"

// GoogleConfig configures the Google sign-in flow.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	Issuer       string
	RedirectURL  string
}

// Enabled reports whether a client is configured.
func (c GoogleConfig) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// Google runs the authorization-code flow against an OIDC provider.
type Google struct {
	oauth    oauth2.Config
	verifier *oidc.IDTokenVerifier
}

// NewGoogle discovers the provider configuration.
func NewGoogle(ctx context.Context, cfg GoogleConfig) (*Google, error) {
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = DefaultGoogleIssuer
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("identity: oidc provider discovery: %w", err)
	}
	return &Google{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
	}, nil
}

// AuthCodeURL returns the provider URL that starts the flow.
func (g *Google) AuthCodeURL(state, nonce string) string {
	return g.oauth.AuthCodeURL(state, oidc.Nonce(nonce), oauth2.SetAuthURLParam("prompt", "select_account"))
}

// Callback turns the provider's redirect query into a flow the Authority completes.
func (g *Google) Callback(query url.Values, nonce string) session.FederatedFlow {
	return &googleFlow{google: g, query: query, nonce: nonce}
}

type googleFlow struct {
	google *Google
	query  url.Values
	nonce  string
}

// Complete exchanges the code and verifies the returned ID token.
func (f *googleFlow) Complete(ctx context.Context) (session.FederatedIdentity, error) {
	if code := f.query.Get("error"); code != "" {
		if desc := f.query.Get("error_description"); desc != "" {
			return session.FederatedIdentity{}, fmt.Errorf("%s: %s", code, desc)
		}
		return session.FederatedIdentity{}, errors.New(code)
	}
	code := f.query.Get("code")
	if code == "" {
		return session.FederatedIdentity{}, errors.New("missing authorization code")
	}
	token, err := f.google.oauth.Exchange(ctx, code)
	if err != nil {
		return session.FederatedIdentity{}, fmt.Errorf("exchange authorization code: %w", err)
	}
	rawID, ok := token.Extra("id_token").(string)
	if !ok || rawID == "" {
		return session.FederatedIdentity{}, errors.New("provider returned no id_token")
	}
	idToken, err := f.google.verifier.Verify(ctx, rawID)
	if err != nil {
		return session.FederatedIdentity{}, fmt.Errorf("verify id_token: %w", err)
	}
	if f.nonce != "" && idToken.Nonce != f.nonce {
		return session.FederatedIdentity{}, errors.New("id_token nonce mismatch")
	}
	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return session.FederatedIdentity{}, fmt.Errorf("parse claims: %w", err)
	}
	return session.FederatedIdentity{
		Provider:      ProviderGoogle,
		Subject:       idToken.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		DisplayName:   claims.Name,
	}, nil
}
