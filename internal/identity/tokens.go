package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gatherly/eventsite/internal/session"
)

// Token issuers and purposes.
const (
	idTokenIssuer      = "eventsite"
	customTokenIssuer  = "eventsite-minter"
	purposeVerifyEmail = "verify_email"
)

// reserved claim names never copied into custom claims.
var reservedClaims = map[string]struct{}{
	"sub": {}, "iss": {}, "aud": {}, "exp": {}, "iat": {}, "nbf": {}, "jti": {},
	"email": {}, "name": {}, "email_verified": {}, "purpose": {}, "claims": {},
}

// ErrInvalidToken is returned for tokens that fail verification.
var ErrInvalidToken = errors.New("identity: invalid token")

// TokenIssuer signs and verifies HS256 ID tokens and email verification tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer returns a TokenIssuer. A non-positive ttl defaults to one hour.
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// IssueIDToken signs a fresh ID token for acct carrying its custom claims at top level.
func (t *TokenIssuer) IssueIDToken(acct *Account) (*session.IDToken, error) {
	now := t.now()
	exp := now.Add(t.ttl)
	claims := jwt.MapClaims{
		"iss":            idTokenIssuer,
		"sub":            acct.UID,
		"email":          acct.Email,
		"name":           acct.DisplayName,
		"email_verified": acct.EmailVerified,
		"iat":            now.Unix(),
		"exp":            exp.Unix(),
	}
	custom := make(session.Claims, len(acct.Claims))
	for k, v := range acct.Claims {
		if _, reserved := reservedClaims[k]; reserved {
			continue
		}
		claims[k] = v
		custom[k] = v
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return nil, fmt.Errorf("identity: sign id token: %w", err)
	}
	return &session.IDToken{Raw: raw, Subject: acct.UID, Claims: custom, ExpiresAt: time.Unix(exp.Unix(), 0)}, nil
}

// ParseIDToken verifies raw and returns its subject and custom claims.
func (t *TokenIssuer) ParseIDToken(raw string) (*session.IDToken, error) {
	claims, err := parseHS256(raw, t.secret, idTokenIssuer, t.now)
	if err != nil {
		return nil, err
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	custom := make(session.Claims)
	for k, v := range claims {
		if _, reserved := reservedClaims[k]; !reserved {
			custom[k] = v
		}
	}
	tok := &session.IDToken{Raw: raw, Subject: sub, Claims: custom}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		tok.ExpiresAt = exp.Time
	}
	return tok, nil
}

// IssueVerification signs an email verification token for uid, valid for ttl.
func (t *TokenIssuer) IssueVerification(uid, email string, ttl time.Duration) (string, error) {
	now := t.now()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":     idTokenIssuer,
		"sub":     uid,
		"email":   email,
		"purpose": purposeVerifyEmail,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	}).SignedString(t.secret)
}

// ParseVerification returns the uid and email of a verification token.
func (t *TokenIssuer) ParseVerification(raw string) (string, string, error) {
	claims, err := parseHS256(raw, t.secret, idTokenIssuer, t.now)
	if err != nil {
		return "", "", err
	}
	if p, _ := claims["purpose"].(string); p != purposeVerifyEmail {
		return "", "", fmt.Errorf("%w: wrong purpose", ErrInvalidToken)
	}
	uid, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)
	if uid == "" {
		return "", "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return uid, email, nil
}

// CustomToken is the payload of a minted custom token.
type CustomToken struct {
	UID    string
	Claims map[string]any
}

// MintCustomToken signs a short-lived custom token. Only the minting process
// holds secret.
func MintCustomToken(secret string, uid string, claims map[string]any, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("identity: custom token secret not configured")
	}
	if uid == "" {
		return "", errors.New("identity: custom token requires a uid")
	}
	payload := jwt.MapClaims{
		"iss":    customTokenIssuer,
		"sub":    uid,
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
		"claims": claims,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, payload).SignedString([]byte(secret))
}

// ParseCustomToken verifies a custom token minted with secret.
func ParseCustomToken(secret, raw string, now func() time.Time) (*CustomToken, error) {
	if secret == "" {
		return nil, errors.New("identity: custom token secret not configured")
	}
	claims, err := parseHS256(raw, []byte(secret), customTokenIssuer, now)
	if err != nil {
		return nil, err
	}
	uid, _ := claims["sub"].(string)
	if uid == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	out := &CustomToken{UID: uid, Claims: map[string]any{}}
	if extra, ok := claims["claims"].(map[string]any); ok {
		for k, v := range extra {
			if _, reserved := reservedClaims[k]; !reserved {
				out.Claims[k] = v
			}
		}
	}
	return out, nil
}

func parseHS256(raw string, secret []byte, issuer string, now func() time.Time) (jwt.MapClaims, error) {
	if now == nil {
		now = time.Now
	}
	tok, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported claim type %T", ErrInvalidToken, tok.Claims)
	}
	return claims, nil
}
