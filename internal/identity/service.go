package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/gatherly/eventsite/internal/session"
	"github.com/gatherly/eventsite/internal/shared"
)

// VerificationTTL bounds how long an email verification link stays valid.
const VerificationTTL = 48 * time.Hour

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Repo              Repository
	Tokens            *TokenIssuer
	CustomTokenSecret string
	Mailer            Mailer
	Publisher         Publisher
	BaseURL           string
	Logger            *slog.Logger
}

// Service wraps identity business rules.
type Service struct {
	repo         Repository
	tokens       *TokenIssuer
	customSecret string
	mailer       Mailer
	publisher    Publisher
	baseURL      string
	logger       *slog.Logger
	validate     *validator.Validate
	now          func() time.Time
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:         cfg.Repo,
		tokens:       cfg.Tokens,
		customSecret: cfg.CustomTokenSecret,
		mailer:       cfg.Mailer,
		publisher:    cfg.Publisher,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		logger:       logger,
		validate:     validator.New(),
		now:          time.Now,
	}
}

type credentials struct {
	Email    string `validate:"required,email,max=320"`
	Password string `validate:"required,min=8,max=128"`
}

// CreateAccount registers an email/password account with an unverified email.
func (s *Service) CreateAccount(ctx context.Context, email, password string) (*Account, error) {
	email = strings.TrimSpace(email)
	if err := s.validate.Struct(credentials{Email: email, Password: password}); err != nil {
		return nil, credentialErrors(err)
	}
	if _, err := s.repo.FindByEmail(ctx, email); err == nil {
		return nil, shared.NewError(shared.KindEmailAlreadyInUse, "An account with this email already exists. Try signing in instead.", nil)
	} else if !errors.Is(err, shared.ErrNotFound) {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("identity: hash password: %w", err)
	}
	acct := &Account{
		UID:          uuid.NewString(),
		Email:        email,
		DisplayName:  displayNameFromEmail(email),
		PasswordHash: string(hash),
		Provider:     ProviderPassword,
		Claims:       map[string]any{},
	}
	if err := s.repo.Create(ctx, acct); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return nil, shared.NewError(shared.KindEmailAlreadyInUse, "An account with this email already exists. Try signing in instead.", err)
		}
		return nil, err
	}
	s.logger.Info("account created", slog.String("uid", acct.UID), slog.String("provider", acct.Provider))
	return acct, nil
}

func credentialErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		switch fe.Field() {
		case "Email":
			fields["email"] = "Enter a valid email address."
		case "Password":
			fields["password"] = "Passwords must be between 8 and 128 characters."
		}
	}
	return &shared.ValidationError{Fields: fields}
}

func displayNameFromEmail(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return local
}

// Authenticate validates email/password credentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*Account, error) {
	invalid := shared.NewError(shared.KindInvalidCredentials, "Invalid email or password.", nil)
	acct, err := s.repo.FindByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, invalid
		}
		return nil, err
	}
	if acct.PasswordHash == "" {
		return nil, invalid
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		return nil, invalid
	}
	return acct, nil
}

// SendVerificationEmail queues a verification link for the account.
func (s *Service) SendVerificationEmail(ctx context.Context, uid string) error {
	acct, err := s.repo.FindByUID(ctx, uid)
	if err != nil {
		return err
	}
	if acct.Email == "" {
		return errors.New("identity: account has no email")
	}
	if s.mailer == nil {
		return errors.New("identity: mailer not configured")
	}
	token, err := s.tokens.IssueVerification(acct.UID, acct.Email, VerificationTTL)
	if err != nil {
		return fmt.Errorf("identity: sign verification: %w", err)
	}
	link := s.baseURL + "/auth/verify?token=" + url.QueryEscape(token)
	body := "Hello " + acct.DisplayName + ",\r\n\r\n" +
		"Please confirm your email address for the event registration site by opening this link:\r\n\r\n" +
		link + "\r\n\r\nThe link expires in 48 hours. If you did not sign up, ignore this message.\r\n"
	return s.mailer.EnqueueSendEmail(ctx, acct.Email, "Verify your email address", body)
}

// VerifyEmail marks the account in a verification token as verified.
func (s *Service) VerifyEmail(ctx context.Context, token string) (*Account, error) {
	uid, email, err := s.tokens.ParseVerification(token)
	if err != nil {
		return nil, shared.NewError(shared.KindUnauthorized, "This verification link is invalid or has expired.", err)
	}
	acct, err := s.repo.FindByUID(ctx, uid)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(acct.Email, email) {
		return nil, shared.NewError(shared.KindUnauthorized, "This verification link no longer matches your account.", nil)
	}
	return s.markVerified(ctx, acct)
}

// MarkEmailVerified verifies uid's email without a link, for operators.
func (s *Service) MarkEmailVerified(ctx context.Context, uid string) (*Account, error) {
	acct, err := s.repo.FindByUID(ctx, uid)
	if err != nil {
		return nil, err
	}
	return s.markVerified(ctx, acct)
}

func (s *Service) markVerified(ctx context.Context, acct *Account) (*Account, error) {
	if acct.EmailVerified {
		return acct, nil
	}
	acct.EmailVerified = true
	if err := s.repo.Save(ctx, acct); err != nil {
		return nil, err
	}
	s.refresh(ctx, acct.UID)
	return acct, nil
}

// IssueIDToken mints a fresh ID token from the stored account, so claim
// changes are visible immediately.
func (s *Service) IssueIDToken(ctx context.Context, uid string) (*session.IDToken, error) {
	acct, err := s.repo.FindByUID(ctx, uid)
	if err != nil {
		return nil, err
	}
	return s.tokens.IssueIDToken(acct)
}

// ParseIDToken verifies an ID token issued by this service.
func (s *Service) ParseIDToken(raw string) (*session.IDToken, error) {
	return s.tokens.ParseIDToken(raw)
}

// SignInWithCustomToken verifies a minted custom token and upserts its account.
func (s *Service) SignInWithCustomToken(ctx context.Context, raw string) (*Account, error) {
	tok, err := ParseCustomToken(s.customSecret, raw, s.now)
	if err != nil {
		return nil, shared.NewError(shared.KindUnauthorized, "The sign-in credential is invalid or has expired.", err)
	}
	acct, err := s.repo.FindByUID(ctx, tok.UID)
	switch {
	case errors.Is(err, shared.ErrNotFound):
		acct = &Account{
			UID:           tok.UID,
			DisplayName:   "Administrator override",
			Provider:      ProviderCustom,
			EmailVerified: true,
			Claims:        tok.Claims,
		}
		if err := s.repo.Create(ctx, acct); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if acct.Claims == nil {
			acct.Claims = map[string]any{}
		}
		for k, v := range tok.Claims {
			acct.Claims[k] = v
		}
		if err := s.repo.Save(ctx, acct); err != nil {
			return nil, err
		}
	}
	return acct, nil
}

// SignInWithFederated finds or creates the account behind an external identity.
// An existing password account with the same email is linked.
func (s *Service) SignInWithFederated(ctx context.Context, identity session.FederatedIdentity) (*Account, error) {
	if identity.Provider == "" || identity.Subject == "" {
		return nil, shared.NewError(shared.KindFederatedSignInFailed, "The provider did not return an identity.", nil)
	}
	acct, err := s.repo.FindByProviderSubject(ctx, identity.Provider, identity.Subject)
	if err == nil {
		return s.refreshFederated(ctx, acct, identity)
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return nil, err
	}
	if identity.Email != "" {
		acct, err = s.repo.FindByEmail(ctx, identity.Email)
		if err == nil {
			if !identity.EmailVerified {
				return nil, shared.NewError(shared.KindFederatedSignInFailed, "The provider has not verified this email address.", nil)
			}
			acct.ProviderSubject = identity.Subject
			if acct.PasswordHash == "" {
				acct.Provider = identity.Provider
			}
			return s.refreshFederated(ctx, acct, identity)
		}
		if !errors.Is(err, shared.ErrNotFound) {
			return nil, err
		}
	}
	acct = &Account{
		UID:             uuid.NewString(),
		Email:           identity.Email,
		DisplayName:     identity.DisplayName,
		Provider:        identity.Provider,
		ProviderSubject: identity.Subject,
		EmailVerified:   identity.EmailVerified,
		Claims:          map[string]any{},
	}
	if acct.DisplayName == "" {
		acct.DisplayName = displayNameFromEmail(identity.Email)
	}
	if err := s.repo.Create(ctx, acct); err != nil {
		return nil, err
	}
	s.logger.Info("account created", slog.String("uid", acct.UID), slog.String("provider", acct.Provider))
	return acct, nil
}

func (s *Service) refreshFederated(ctx context.Context, acct *Account, identity session.FederatedIdentity) (*Account, error) {
	if identity.EmailVerified {
		acct.EmailVerified = true
	}
	if acct.DisplayName == "" {
		acct.DisplayName = identity.DisplayName
	}
	if err := s.repo.Save(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// SetAdmin grants or revokes the admin claim and tells every session of the
// account to refresh its token.
func (s *Service) SetAdmin(ctx context.Context, uid string, admin bool) (*Account, error) {
	acct, err := s.repo.FindByUID(ctx, uid)
	if err != nil {
		return nil, err
	}
	if acct.Claims == nil {
		acct.Claims = map[string]any{}
	}
	if admin {
		acct.Claims["admin"] = true
	} else {
		delete(acct.Claims, "admin")
	}
	if err := s.repo.Save(ctx, acct); err != nil {
		return nil, err
	}
	s.refresh(ctx, uid)
	return acct, nil
}

func (s *Service) refresh(ctx context.Context, uid string) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, uid); err != nil {
		s.logger.Warn("publish token refresh", slog.String("uid", uid), slog.Any("error", err))
	}
}

// Lookup fetches an account by uid.
func (s *Service) Lookup(ctx context.Context, uid string) (*Account, error) {
	return s.repo.FindByUID(ctx, uid)
}

// FindByEmail fetches an account by email.
func (s *Service) FindByEmail(ctx context.Context, email string) (*Account, error) {
	return s.repo.FindByEmail(ctx, strings.TrimSpace(email))
}

// List returns all accounts.
func (s *Service) List(ctx context.Context) ([]Account, error) {
	return s.repo.List(ctx)
}
