// Package modalvideo drives the Modal-hosted video generation endpoint.
// Video renders take minutes, so the endpoint is asynchronous: submit returns
// a render id which is polled until the clip is ready.
package modalvideo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/filmforge/backend/internal/models"
	"github.com/filmforge/backend/internal/providers"
)

const (
	ProviderName = "modal-video"

	defaultModel = "wan-2.2-t2v"

	submitTimeout    = 30 * time.Second
	pollInterval     = 5 * time.Second
	maxRenderWait    = 15 * time.Minute
	creditsPerSecond = 12
	centsPerSecond   = 10
)

type Adapter struct {
	httpClient *http.Client
}

func New() *Adapter {
	return &Adapter{httpClient: &http.Client{Timeout: submitTimeout}}
}

var _ providers.Adapter = (*Adapter)(nil)

func (a *Adapter) Name() string { return ProviderName }

// EstimateCost is pure: credits scale linearly with clip duration.
func (a *Adapter) EstimateCost(p providers.Params) (int64, error) {
	vid, ok := p.(providers.VideoParams)
	if !ok {
		return 0, fmt.Errorf("modalvideo: expected video params, got %s", p.MediaType())
	}
	secs := int64(vid.DurationSeconds)
	if secs < 1 {
		secs = 5
	}
	return secs * creditsPerSecond, nil
}

type submitRequest struct {
	Prompt          string `json:"prompt"`
	AspectRatio     string `json:"aspect_ratio,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

type submitResponse struct {
	RenderID string `json:"render_id"`
}

type statusResponse struct {
	Status   string `json:"status"` // queued | running | completed | failed
	VideoURL string `json:"video_url,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (a *Adapter) Generate(ctx context.Context, cfg models.ProviderConfig, p providers.Params) (*providers.Result, error) {
	vid, ok := p.(providers.VideoParams)
	if !ok {
		return nil, fmt.Errorf("modalvideo: expected video params, got %s", p.MediaType())
	}
	if vid.Prompt == "" {
		return nil, &providers.AdapterError{Provider: ProviderName, Err: fmt.Errorf("prompt is required")}
	}
	if vid.DurationSeconds == 0 {
		vid.DurationSeconds = 5
	}

	renderID, err := a.submit(ctx, cfg, vid)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(maxRenderWait)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
		if time.Now().After(deadline) {
			return nil, &providers.AdapterError{Provider: ProviderName, Transient: true, Err: fmt.Errorf("render %s timed out after %s", renderID, maxRenderWait)}
		}

		st, err := a.status(ctx, cfg, renderID)
		if err != nil {
			// A single failed poll is not fatal; the render keeps running.
			continue
		}
		switch st.Status {
		case "completed":
			credits, _ := a.EstimateCost(vid)
			meta, _ := json.Marshal(map[string]any{"render_id": renderID, "model": defaultModel})
			return &providers.Result{
				OutputRef:     st.VideoURL,
				CreditsUsed:   credits,
				RealCostCents: int64(vid.DurationSeconds) * centsPerSecond,
				Metadata:      meta,
			}, nil
		case "failed":
			return nil, &providers.AdapterError{Provider: ProviderName, Err: fmt.Errorf("render failed: %s", st.Error)}
		}
	}
}

func (a *Adapter) ValidateCredentials(ctx context.Context, cfg models.ProviderConfig) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Endpoint+"/health", nil)
	if err != nil {
		return false
	}
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (a *Adapter) submit(ctx context.Context, cfg models.ProviderConfig, vid providers.VideoParams) (string, error) {
	payload, err := json.Marshal(submitRequest{
		Prompt:          vid.Prompt,
		AspectRatio:     vid.AspectRatio,
		DurationSeconds: vid.DurationSeconds,
	})
	if err != nil {
		return "", fmt.Errorf("modalvideo: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint+"/render", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("modalvideo: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", &providers.AdapterError{Provider: ProviderName, Transient: true, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &providers.AdapterError{
			Provider:  ProviderName,
			Status:    resp.StatusCode,
			Transient: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
			Err:       fmt.Errorf("submit returned non-2xx"),
		}
	}
	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &providers.AdapterError{Provider: ProviderName, Err: fmt.Errorf("invalid submit response: %w", err)}
	}
	if out.RenderID == "" {
		return "", &providers.AdapterError{Provider: ProviderName, Err: fmt.Errorf("submit response missing render_id")}
	}
	return out.RenderID, nil
}

func (a *Adapter) status(ctx context.Context, cfg models.ProviderConfig, renderID string) (*statusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Endpoint+"/render/"+renderID, nil)
	if err != nil {
		return nil, err
	}
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status returned %d", resp.StatusCode)
	}
	var st statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Descriptor returns the registry metadata for this provider.
func Descriptor() models.ProviderDescriptor {
	return models.ProviderDescriptor{
		ID:              ProviderName,
		MediaType:       models.MediaVideo,
		Models:          []string{defaultModel},
		BaseCostCredits: creditsPerSecond,
		SpeedRank:       3,
		MaxInputChars:   2000,
	}
}
