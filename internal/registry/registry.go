// Package registry holds the provider catalog and resolves which concrete
// provider, model and credentials serve a generation request.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/filmforge/backend/internal/models"
	"github.com/filmforge/backend/internal/providers"
)

// healthTTL bounds how stale a cached health verdict may be.
const healthTTL = 5 * time.Minute

// probeInterval rate-limits on-demand credential probes per provider so a
// burst of requests against an unhealthy provider cannot hammer its endpoint.
const probeInterval = 10 * time.Second

type key struct {
	media models.MediaType
	id    string
}

type entry struct {
	desc      models.ProviderDescriptor
	adapter   providers.Adapter
	systemCfg models.ProviderConfig
}

type healthStatus struct {
	healthy   bool
	checkedAt time.Time
}

// Registry is the in-memory catalog keyed by (mediaType, providerID). The
// descriptor set is fixed at startup; only the health cache mutates, and it
// is read-mostly with last-writer-wins refresh.
type Registry struct {
	mu      sync.RWMutex
	entries map[key]*entry
	health  map[key]healthStatus
	probes  map[key]*rate.Limiter
}

func New() *Registry {
	return &Registry{
		entries: make(map[key]*entry),
		health:  make(map[key]healthStatus),
		probes:  make(map[key]*rate.Limiter),
	}
}

// Register adds a provider with its adapter and system-held credentials.
func (r *Registry) Register(desc models.ProviderDescriptor, adapter providers.Adapter, systemCfg models.ProviderConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{media: desc.MediaType, id: desc.ID}
	systemCfg.Provider = desc.ID
	systemCfg.MediaType = desc.MediaType
	r.entries[k] = &entry{desc: desc, adapter: adapter, systemCfg: systemCfg}
	r.probes[k] = rate.NewLimiter(rate.Every(probeInterval), 1)
}

func (r *Registry) get(media models.MediaType, id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key{media: media, id: id}]
	return e, ok
}

// Adapter returns the adapter registered for (media, id).
func (r *Registry) Adapter(media models.MediaType, id string) (providers.Adapter, bool) {
	e, ok := r.get(media, id)
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// SystemConfig returns the system-held config for (media, id).
func (r *Registry) SystemConfig(media models.MediaType, id string) (models.ProviderConfig, bool) {
	e, ok := r.get(media, id)
	if !ok {
		return models.ProviderConfig{}, false
	}
	return e.systemCfg, true
}

// ListByMediaType returns all descriptors for a media type sorted by
// ascending base cost.
func (r *Registry) ListByMediaType(media models.MediaType) []models.ProviderDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.ProviderDescriptor
	for k, e := range r.entries {
		if k.media == media {
			out = append(out, e.desc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BaseCostCredits != out[j].BaseCostCredits {
			return out[i].BaseCostCredits < out[j].BaseCostCredits
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// EstimateAttemptCost prices one generation attempt for a media type using
// the cheapest configured provider's base cost.
func (r *Registry) EstimateAttemptCost(_ context.Context, media models.MediaType) (int64, error) {
	descs := r.ListByMediaType(media)
	if len(descs) == 0 {
		return 0, ErrNoProviderConfigured
	}
	return descs[0].BaseCostCredits, nil
}

// Healthy reports whether a provider is believed available. A cached verdict
// within healthTTL is served as-is; otherwise the provider is re-probed via
// ValidateCredentials. A provider whose probe is rate-limited keeps its last
// verdict, and an unknown provider with no verdict yet counts as healthy so
// a cold cache does not block resolution.
func (r *Registry) Healthy(ctx context.Context, media models.MediaType, id string) bool {
	k := key{media: media, id: id}

	r.mu.RLock()
	e, ok := r.entries[k]
	st, hasVerdict := r.health[k]
	limiter := r.probes[k]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if hasVerdict && time.Since(st.checkedAt) < healthTTL {
		return st.healthy
	}
	if limiter != nil && !limiter.Allow() {
		if hasVerdict {
			return st.healthy
		}
		return true
	}

	healthy := e.adapter.ValidateCredentials(ctx, e.systemCfg)

	r.mu.Lock()
	r.health[k] = healthStatus{healthy: healthy, checkedAt: time.Now()}
	r.mu.Unlock()
	return healthy
}

// HealthMap probes every provider of a media type and returns id -> healthy.
func (r *Registry) HealthMap(ctx context.Context, media models.MediaType) map[string]bool {
	out := make(map[string]bool)
	for _, d := range r.ListByMediaType(media) {
		out[d.ID] = r.Healthy(ctx, media, d.ID)
	}
	return out
}

// MarkHealth overrides the cached verdict. Used by tests and by operators
// forcing a provider out of rotation.
func (r *Registry) MarkHealth(media models.MediaType, id string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health[key{media: media, id: id}] = healthStatus{healthy: healthy, checkedAt: time.Now()}
}
