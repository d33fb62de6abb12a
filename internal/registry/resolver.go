package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/filmforge/backend/internal/models"
	"github.com/filmforge/backend/internal/providers"
)

// ErrNoProviderConfigured means no provider could serve the request. This is
// a hard stop: resolution never falls back to an unconfigured provider.
var ErrNoProviderConfigured = errors.New("no provider configured")

// CredentialStore looks up caller-stored provider API keys.
type CredentialStore interface {
	// GetProviderCredential returns the caller's stored credential for a
	// media type, or nil when none is stored.
	GetProviderCredential(ctx context.Context, accountID uuid.UUID, media models.MediaType) (*models.ProviderCredential, error)
}

// ProjectOverrides pin a project to a specific provider/model. They take
// precedence over account defaults but never over an explicit per-request
// provider.
type ProjectOverrides struct {
	Provider string
	Model    string
}

// Resolution is the outcome of resolving one request.
type Resolution struct {
	Config  models.ProviderConfig
	Adapter providers.Adapter
}

type Resolver struct {
	registry *Registry
	creds    CredentialStore
}

func NewResolver(registry *Registry, creds CredentialStore) *Resolver {
	return &Resolver{registry: registry, creds: creds}
}

// Resolve picks one concrete provider for a request:
//  1. caller-stored credentials compatible with the media type win and set
//     CallerOwnsCredentials, which suppresses billing;
//  2. an explicit per-request provider is used with system credentials;
//  3. project overrides apply next;
//  4. otherwise auto-selection picks the first healthy provider ordered by
//     the priority key (cost ascending by default, or a fixed speed rank).
func (r *Resolver) Resolve(ctx context.Context, accountID uuid.UUID, media models.MediaType, explicitProvider string, overrides *ProjectOverrides, priority string) (*Resolution, error) {
	if !media.Valid() {
		return nil, fmt.Errorf("unknown media type %q", media)
	}

	if r.creds != nil {
		cred, err := r.creds.GetProviderCredential(ctx, accountID, media)
		if err != nil {
			return nil, fmt.Errorf("load stored credentials: %w", err)
		}
		if cred != nil {
			if res, ok := r.withCallerKey(media, cred); ok {
				return res, nil
			}
			// A stored key for a provider no longer in the catalog falls
			// through to normal resolution.
		}
	}

	if explicitProvider != "" {
		return r.systemResolution(media, explicitProvider, "")
	}

	if overrides != nil && overrides.Provider != "" {
		return r.systemResolution(media, overrides.Provider, overrides.Model)
	}

	return r.autoSelect(ctx, media, priority)
}

func (r *Resolver) withCallerKey(media models.MediaType, cred *models.ProviderCredential) (*Resolution, bool) {
	e, ok := r.registry.get(media, cred.Provider)
	if !ok {
		return nil, false
	}
	cfg := e.systemCfg
	cfg.APIKey = cred.APIKey
	cfg.CallerOwnsCredentials = true
	return &Resolution{Config: cfg, Adapter: e.adapter}, true
}

func (r *Resolver) systemResolution(media models.MediaType, providerID, model string) (*Resolution, error) {
	e, ok := r.registry.get(media, providerID)
	if !ok {
		return nil, fmt.Errorf("%w: provider %q does not serve %s", ErrNoProviderConfigured, providerID, media)
	}
	cfg := e.systemCfg
	if model != "" {
		cfg.Model = model
	}
	return &Resolution{Config: cfg, Adapter: e.adapter}, nil
}

func (r *Resolver) autoSelect(ctx context.Context, media models.MediaType, priority string) (*Resolution, error) {
	candidates := r.registry.ListByMediaType(media)
	healthy := candidates[:0]
	for _, d := range candidates {
		if r.registry.Healthy(ctx, media, d.ID) {
			healthy = append(healthy, d)
		}
	}
	if len(healthy) == 0 {
		return nil, fmt.Errorf("%w: no healthy provider for %s", ErrNoProviderConfigured, media)
	}
	if priority == models.PrioritySpeed {
		sort.Slice(healthy, func(i, j int) bool {
			if healthy[i].SpeedRank != healthy[j].SpeedRank {
				return healthy[i].SpeedRank < healthy[j].SpeedRank
			}
			return healthy[i].ID < healthy[j].ID
		})
	}
	// Default ordering is ascending cost, which ListByMediaType provides.
	return r.systemResolution(media, healthy[0].ID, "")
}
