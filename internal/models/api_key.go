package models

import (
	"time"

	"github.com/google/uuid"
)

// APIKey authenticates programmatic callers of the /v1 generation API.
// Only the SHA-256 hash of the key is stored.
type APIKey struct {
	ID         uuid.UUID  `json:"id"`
	AccountID  uuid.UUID  `json:"account_id"`
	KeyHash    string     `json:"-"`
	Label      string     `json:"label"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
