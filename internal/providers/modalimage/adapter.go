// Package modalimage talks to the Modal-hosted Qwen-Image endpoints: one for
// text-to-image and one for reference-image edits. Both return a base64
// encoded PNG which is persisted through the file store.
package modalimage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/filmforge/backend/internal/models"
	"github.com/filmforge/backend/internal/providers"
	"github.com/filmforge/backend/internal/storage"
)

const (
	// ProviderName is the registry identifier for this adapter.
	ProviderName = "modal-qwen-image"

	defaultModel   = "qwen-image-20b"
	requestTimeout = 10 * time.Minute
)

// Per-image credit cost by resolution tier.
const (
	costHD      = 5
	cost2K      = 10
	cost4K      = 20
	costEditAdd = 5 // reference-image edits run the heavier edit pipeline
)

// Real third-party cost per image in cents, by resolution tier (H100 time).
var realCostCents = map[string]int64{"hd": 4, "2k": 8, "4k": 18}

// qwenDimensions maps aspect ratios to the model's optimal pixel dimensions.
var qwenDimensions = map[string][2]int{
	"1:1":  {1328, 1328},
	"16:9": {1664, 928},
	"9:16": {928, 1664},
	"4:3":  {1472, 1140},
	"3:4":  {1140, 1472},
	"3:2":  {1584, 1056},
	"2:3":  {1056, 1584},
}

// Dimensions returns the generation dimensions for an aspect ratio,
// defaulting to square.
func Dimensions(aspectRatio string) (width, height int) {
	if d, ok := qwenDimensions[aspectRatio]; ok {
		return d[0], d[1]
	}
	return 1328, 1328
}

// ThumbnailSize scales the generation dimensions down to a bounded preview,
// preserving aspect ratio with a 320px long edge.
func ThumbnailSize(aspectRatio string) (width, height int) {
	w, h := Dimensions(aspectRatio)
	const longEdge = 320
	if w >= h {
		return longEdge, h * longEdge / w
	}
	return w * longEdge / h, longEdge
}

type Adapter struct {
	httpClient *http.Client
	store      *storage.FileStore
}

func New(store *storage.FileStore) *Adapter {
	return &Adapter{
		httpClient: &http.Client{Timeout: requestTimeout},
		store:      store,
	}
}

var _ providers.Adapter = (*Adapter)(nil)

func (a *Adapter) Name() string { return ProviderName }

// EstimateCost is pure: resolution tier times quantity, plus the edit
// surcharge when a source image is supplied. The realized cost equals the
// estimate for this provider.
func (a *Adapter) EstimateCost(p providers.Params) (int64, error) {
	img, ok := p.(providers.ImageParams)
	if !ok {
		return 0, fmt.Errorf("modalimage: expected image params, got %s", p.MediaType())
	}
	perImage := int64(cost2K)
	switch img.Resolution {
	case "hd":
		perImage = costHD
	case "4k":
		perImage = cost4K
	}
	if img.SourceRef != nil {
		perImage += costEditAdd
	}
	qty := int64(img.Quantity)
	if qty < 1 {
		qty = 1
	}
	return perImage * qty, nil
}

// generateRequest is the endpoint's JSON body (text-to-image).
type generateRequest struct {
	Prompt            string  `json:"prompt"`
	AspectRatio       string  `json:"aspect_ratio,omitempty"`
	Resolution        string  `json:"resolution,omitempty"`
	NegativePrompt    string  `json:"negative_prompt,omitempty"`
	NumInferenceSteps int     `json:"num_inference_steps,omitempty"`
	GuidanceScale     float64 `json:"guidance_scale,omitempty"`
	ImageSource       string  `json:"image_source,omitempty"`
}

type generateResponse struct {
	Image  string `json:"image"` // base64 encoded PNG
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (a *Adapter) Generate(ctx context.Context, cfg models.ProviderConfig, p providers.Params) (*providers.Result, error) {
	img, ok := p.(providers.ImageParams)
	if !ok {
		return nil, fmt.Errorf("modalimage: expected image params, got %s", p.MediaType())
	}
	if img.Prompt == "" {
		return nil, &providers.AdapterError{Provider: ProviderName, Err: fmt.Errorf("prompt is required")}
	}

	reqBody := generateRequest{
		Prompt:         img.Prompt,
		AspectRatio:    img.AspectRatio,
		Resolution:     img.Resolution,
		NegativePrompt: img.NegativePrompt,
	}
	if img.SourceRef != nil {
		reqBody.ImageSource = *img.SourceRef
		reqBody.NumInferenceSteps = 40
	}

	resp, err := a.post(ctx, cfg, "/generate", reqBody)
	if err != nil {
		return nil, err
	}

	data, err := base64.StdEncoding.DecodeString(resp.Image)
	if err != nil {
		return nil, &providers.AdapterError{Provider: ProviderName, Err: fmt.Errorf("decode image payload: %w", err)}
	}
	key := fmt.Sprintf("images/%s.png", uuid.New())
	if key, err = a.store.Write(ctx, key, data); err != nil {
		return nil, fmt.Errorf("modalimage: persist output: %w", err)
	}

	credits, _ := a.EstimateCost(img)
	tier := img.Resolution
	if _, ok := realCostCents[tier]; !ok {
		tier = "2k"
	}
	meta, _ := json.Marshal(map[string]any{"width": resp.Width, "height": resp.Height, "model": defaultModel})
	return &providers.Result{
		OutputRef:     key,
		CreditsUsed:   credits,
		RealCostCents: realCostCents[tier],
		Metadata:      meta,
	}, nil
}

// ValidateCredentials probes the endpoint's health route.
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

func (a *Adapter) post(ctx context.Context, cfg models.ProviderConfig, path string, body any) (*generateResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("modalimage: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("modalimage: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, &providers.AdapterError{Provider: ProviderName, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &providers.AdapterError{
			Provider:  ProviderName,
			Status:    resp.StatusCode,
			Transient: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
			Err:       fmt.Errorf("endpoint returned non-2xx"),
		}
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &providers.AdapterError{Provider: ProviderName, Err: fmt.Errorf("invalid JSON response: %w", err)}
	}
	if out.Image == "" {
		return nil, &providers.AdapterError{Provider: ProviderName, Err: fmt.Errorf("response missing image payload")}
	}
	return &out, nil
}

// Descriptor returns the registry metadata for this provider.
func Descriptor() models.ProviderDescriptor {
	return models.ProviderDescriptor{
		ID:                     ProviderName,
		MediaType:              models.MediaImage,
		Models:                 []string{defaultModel, "qwen-image-edit-2511"},
		BaseCostCredits:        costHD,
		SpeedRank:              2,
		SupportsReferenceImage: true,
		MaxInputChars:          4000,
	}
}
