package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/filmforge/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new account with a zero credit balance.
func (r *Repository) Create(ctx context.Context, email, passwordHash, displayName, role string) (*models.Account, error) {
	a := &models.Account{
		Email:       email,
		DisplayName: displayName,
		Role:        role,
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO accounts (email, password_hash, display_name, role)
		VALUES ($1, $2, $3, $4)
		RETURNING id, credit_balance, created_at, updated_at
	`, email, passwordHash, displayName, role)
	if err := row.Scan(&a.ID, &a.CreditBalance, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return a, nil
}

// GetByEmail returns the account and password hash for login. Returns nil
// without error when the email is unknown.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*models.Account, string, error) {
	var a models.Account
	var passwordHash string
	row := r.pool.QueryRow(ctx, `
		SELECT id, email, display_name, role, credit_balance, password_hash, created_at, updated_at
		FROM accounts WHERE email = $1
	`, email)
	err := row.Scan(&a.ID, &a.Email, &a.DisplayName, &a.Role, &a.CreditBalance,
		&passwordHash, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	return &a, passwordHash, nil
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	var a models.Account
	row := r.pool.QueryRow(ctx, `
		SELECT id, email, display_name, role, credit_balance, created_at, updated_at
		FROM accounts WHERE id = $1
	`, id)
	err := row.Scan(&a.ID, &a.Email, &a.DisplayName, &a.Role, &a.CreditBalance,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ---------------------------------------------------------------------------
// Provider credentials
// ---------------------------------------------------------------------------

// UpsertProviderCredential stores or replaces the caller's own API key for a
// provider. One credential per account and media type.
func (r *Repository) UpsertProviderCredential(ctx context.Context, c *models.ProviderCredential) error {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO provider_credentials (account_id, media_type, provider, api_key)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id, media_type)
		DO UPDATE SET provider = EXCLUDED.provider, api_key = EXCLUDED.api_key
		RETURNING id, created_at
	`, c.AccountID, c.MediaType, c.Provider, c.APIKey)
	return row.Scan(&c.ID, &c.CreatedAt)
}

// GetProviderCredential returns the caller's stored credential for a media
// type, or nil when none is stored. Satisfies registry.CredentialStore.
func (r *Repository) GetProviderCredential(ctx context.Context, accountID uuid.UUID, media models.MediaType) (*models.ProviderCredential, error) {
	var c models.ProviderCredential
	row := r.pool.QueryRow(ctx, `
		SELECT id, account_id, media_type, provider, api_key, created_at
		FROM provider_credentials
		WHERE account_id = $1 AND media_type = $2
	`, accountID, media)
	err := row.Scan(&c.ID, &c.AccountID, &c.MediaType, &c.Provider, &c.APIKey, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repository) DeleteProviderCredential(ctx context.Context, accountID uuid.UUID, media models.MediaType) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM provider_credentials WHERE account_id = $1 AND media_type = $2`,
		accountID, media)
	return err
}

// ---------------------------------------------------------------------------
// API keys
// ---------------------------------------------------------------------------

func (r *Repository) InsertAPIKey(ctx context.Context, k *models.APIKey) error {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO api_keys (account_id, key_hash, label)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, k.AccountID, k.KeyHash, k.Label)
	return row.Scan(&k.ID, &k.CreatedAt)
}

// GetAccountByAPIKeyHash resolves a hashed bearer key to its account and
// stamps last_used_at. Returns nil without error for an unknown hash.
func (r *Repository) GetAccountByAPIKeyHash(ctx context.Context, keyHash string) (*models.Account, error) {
	var accountID uuid.UUID
	row := r.pool.QueryRow(ctx, `
		UPDATE api_keys SET last_used_at = $1
		WHERE key_hash = $2
		RETURNING account_id
	`, time.Now().UTC(), keyHash)
	if err := row.Scan(&accountID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return r.GetByID(ctx, accountID)
}
