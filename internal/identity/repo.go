package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatherly/eventsite/internal/shared"
)

// Repository defines persistence operations for accounts. Lookups return
// shared.ErrNotFound when nothing matches.
type Repository interface {
	Create(ctx context.Context, acct *Account) error
	Save(ctx context.Context, acct *Account) error
	FindByUID(ctx context.Context, uid string) (*Account, error)
	FindByEmail(ctx context.Context, email string) (*Account, error)
	FindByProviderSubject(ctx context.Context, provider, subject string) (*Account, error)
	List(ctx context.Context) ([]Account, error)
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const accountColumns = `uid, COALESCE(email, ''), display_name, password_hash, provider, provider_subject, email_verified, claims, created_at, updated_at`

// Create inserts a new account.
func (r *PGRepository) Create(ctx context.Context, acct *Account) error {
	claims, err := json.Marshal(nonNilClaims(acct.Claims))
	if err != nil {
		return err
	}
	err = r.pool.QueryRow(ctx, `INSERT INTO accounts (uid, email, display_name, password_hash, provider, provider_subject, email_verified, claims)
VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8)
RETURNING created_at, updated_at`,
		acct.UID, acct.Email, acct.DisplayName, acct.PasswordHash, acct.Provider, acct.ProviderSubject, acct.EmailVerified, claims,
	).Scan(&acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrEmailTaken
		}
		return fmt.Errorf("identity: create account: %w", err)
	}
	return nil
}

// Save updates the mutable account fields.
func (r *PGRepository) Save(ctx context.Context, acct *Account) error {
	claims, err := json.Marshal(nonNilClaims(acct.Claims))
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `UPDATE accounts SET email = NULLIF($2, ''), display_name = $3, password_hash = $4, provider = $5,
provider_subject = $6, email_verified = $7, claims = $8, updated_at = NOW() WHERE uid = $1`,
		acct.UID, acct.Email, acct.DisplayName, acct.PasswordHash, acct.Provider, acct.ProviderSubject, acct.EmailVerified, claims)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrEmailTaken
		}
		return fmt.Errorf("identity: save account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// FindByUID fetches an account by uid.
func (r *PGRepository) FindByUID(ctx context.Context, uid string) (*Account, error) {
	return r.findOne(ctx, `SELECT `+accountColumns+` FROM accounts WHERE uid = $1`, uid)
}

// FindByEmail fetches an account by case-insensitive email.
func (r *PGRepository) FindByEmail(ctx context.Context, email string) (*Account, error) {
	return r.findOne(ctx, `SELECT `+accountColumns+` FROM accounts WHERE lower(email) = lower($1)`, email)
}

// FindByProviderSubject fetches a federated account.
func (r *PGRepository) FindByProviderSubject(ctx context.Context, provider, subject string) (*Account, error) {
	return r.findOne(ctx, `SELECT `+accountColumns+` FROM accounts WHERE provider = $1 AND provider_subject = $2`, provider, subject)
}

// List returns every account ordered by creation time.
func (r *PGRepository) List(ctx context.Context) ([]Account, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at, uid`)
	if err != nil {
		return nil, fmt.Errorf("identity: list accounts: %w", err)
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *acct)
	}
	return out, rows.Err()
}

func (r *PGRepository) findOne(ctx context.Context, sql string, args ...any) (*Account, error) {
	acct, err := scanAccount(r.pool.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("identity: find account: %w", err)
	}
	return acct, nil
}

func scanAccount(row pgx.Row) (*Account, error) {
	var (
		acct   Account
		claims []byte
	)
	if err := row.Scan(&acct.UID, &acct.Email, &acct.DisplayName, &acct.PasswordHash, &acct.Provider,
		&acct.ProviderSubject, &acct.EmailVerified, &claims, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
		return nil, err
	}
	if len(claims) > 0 {
		if err := json.Unmarshal(claims, &acct.Claims); err != nil {
			return nil, fmt.Errorf("identity: decode claims: %w", err)
		}
	}
	return &acct, nil
}

func nonNilClaims(c map[string]any) map[string]any {
	if c == nil {
		return map[string]any{}
	}
	return c
}

// MemoryRepository keeps accounts in process memory for development mode and tests.
type MemoryRepository struct {
	mu       sync.Mutex
	accounts map[string]Account
	now      func() time.Time
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{accounts: make(map[string]Account), now: time.Now}
}

// Create implements Repository.
func (m *MemoryRepository) Create(_ context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acct.Email != "" {
		if _, ok := m.byEmailLocked(acct.Email); ok {
			return ErrEmailTaken
		}
	}
	now := m.now().UTC()
	acct.CreatedAt, acct.UpdatedAt = now, now
	m.accounts[acct.UID] = copyAccount(*acct)
	return nil
}

// Save implements Repository.
func (m *MemoryRepository) Save(_ context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[acct.UID]; !ok {
		return shared.ErrNotFound
	}
	if acct.Email != "" {
		if other, ok := m.byEmailLocked(acct.Email); ok && other.UID != acct.UID {
			return ErrEmailTaken
		}
	}
	acct.UpdatedAt = m.now().UTC()
	m.accounts[acct.UID] = copyAccount(*acct)
	return nil
}

// FindByUID implements Repository.
func (m *MemoryRepository) FindByUID(_ context.Context, uid string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[uid]
	if !ok {
		return nil, shared.ErrNotFound
	}
	cp := copyAccount(acct)
	return &cp, nil
}

// FindByEmail implements Repository.
func (m *MemoryRepository) FindByEmail(_ context.Context, email string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.byEmailLocked(email)
	if !ok {
		return nil, shared.ErrNotFound
	}
	cp := copyAccount(acct)
	return &cp, nil
}

// FindByProviderSubject implements Repository.
func (m *MemoryRepository) FindByProviderSubject(_ context.Context, provider, subject string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acct := range m.accounts {
		if acct.Provider == provider && acct.ProviderSubject == subject {
			cp := copyAccount(acct)
			return &cp, nil
		}
	}
	return nil, shared.ErrNotFound
}

// List implements Repository.
func (m *MemoryRepository) List(_ context.Context) ([]Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Account, 0, len(m.accounts))
	for _, acct := range m.accounts {
		out = append(out, copyAccount(acct))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].UID < out[j].UID
	})
	return out, nil
}

func (m *MemoryRepository) byEmailLocked(email string) (Account, bool) {
	for _, acct := range m.accounts {
		if acct.Email != "" && strings.EqualFold(acct.Email, email) {
			return acct, true
		}
	}
	return Account{}, false
}

func copyAccount(a Account) Account {
	if a.Claims != nil {
		claims := make(map[string]any, len(a.Claims))
		for k, v := range a.Claims {
			claims[k] = v
		}
		a.Claims = claims
	}
	return a
}

var (
	_ Repository = (*PGRepository)(nil)
	_ Repository = (*MemoryRepository)(nil)
)
