package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"github.com/filmforge/backend/internal/models"
)

// ErrDuplicateEmail is returned when registering with an email that already exists.
var ErrDuplicateEmail = errors.New("email already registered")

// ErrInvalidCredentials covers unknown emails and wrong passwords alike.
var ErrInvalidCredentials = errors.New("invalid credentials")

type Service interface {
	Register(ctx context.Context, email, password, displayName, role string) (*models.Account, error)
	Login(ctx context.Context, email, password string) (string, error)
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
	GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)

	// SetProviderCredential stores the caller's own provider API key; while
	// present, matching generations bypass credit charging.
	SetProviderCredential(ctx context.Context, accountID uuid.UUID, media models.MediaType, provider, apiKey string) (*models.ProviderCredential, error)
	RemoveProviderCredential(ctx context.Context, accountID uuid.UUID, media models.MediaType) error

	// IssueAPIKey mints a programmatic key; the plaintext is returned once
	// and only its hash is stored.
	IssueAPIKey(ctx context.Context, accountID uuid.UUID, label string) (plaintext string, key *models.APIKey, err error)
	AccountForAPIKey(ctx context.Context, plaintext string) (*models.Account, error)
}

type service struct {
	repo   *Repository
	secret []byte
}

func NewService(repo *Repository, jwtSecret string) *service {
	return &service{repo: repo, secret: []byte(jwtSecret)}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

func (s *service) Register(ctx context.Context, email, password, displayName, role string) (*models.Account, error) {
	if role != models.RoleMember && role != models.RoleApprover {
		return nil, errors.New("invalid role")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	acc, err := s.repo.Create(ctx, email, string(hash), displayName, role)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}
	return acc, nil
}

func (s *service) Login(ctx context.Context, email, password string) (string, error) {
	acc, hash, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	if acc == nil {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.issueToken(acc.ID, acc.Role)
}

func (s *service) issueToken(accountID uuid.UUID, role string) (string, error) {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Role: role,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return uuid.Nil, "", err
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return uuid.Nil, "", errors.New("invalid token")
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, "", err
	}
	return id, c.Role, nil
}

func (s *service) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *service) SetProviderCredential(ctx context.Context, accountID uuid.UUID, media models.MediaType, provider, apiKey string) (*models.ProviderCredential, error) {
	if !media.Valid() {
		return nil, fmt.Errorf("unknown media type %q", media)
	}
	c := &models.ProviderCredential{
		AccountID: accountID,
		MediaType: media,
		Provider:  provider,
		APIKey:    apiKey,
	}
	if err := s.repo.UpsertProviderCredential(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *service) RemoveProviderCredential(ctx context.Context, accountID uuid.UUID, media models.MediaType) error {
	return s.repo.DeleteProviderCredential(ctx, accountID, media)
}

func (s *service) IssueAPIKey(ctx context.Context, accountID uuid.UUID, label string) (string, *models.APIKey, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}
	plaintext := "ffk_" + hex.EncodeToString(raw)
	key := &models.APIKey{
		AccountID: accountID,
		KeyHash:   HashKey(plaintext),
		Label:     label,
	}
	if err := s.repo.InsertAPIKey(ctx, key); err != nil {
		return "", nil, err
	}
	return plaintext, key, nil
}

func (s *service) AccountForAPIKey(ctx context.Context, plaintext string) (*models.Account, error) {
	return s.repo.GetAccountByAPIKeyHash(ctx, HashKey(plaintext))
}

// HashKey is the stored form of an API key.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
