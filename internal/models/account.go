package models

import (
	"time"

	"github.com/google/uuid"
)

// Account roles. Approvers can review regeneration requests on shared projects.
const (
	RoleMember   = "member"
	RoleApprover = "approver"
)

type Account struct {
	ID            uuid.UUID `json:"id"`
	Email         string    `json:"email"`
	DisplayName   string    `json:"display_name"`
	PasswordHash  string    `json:"-"`
	Role          string    `json:"role"`
	CreditBalance int64     `json:"credit_balance"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ProviderCredential is a caller-stored API key for a third-party generation
// provider. Its presence suppresses credit charging for matching requests.
type ProviderCredential struct {
	ID        uuid.UUID `json:"id"`
	AccountID uuid.UUID `json:"account_id"`
	MediaType MediaType `json:"media_type"`
	Provider  string    `json:"provider"`
	APIKey    string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}
