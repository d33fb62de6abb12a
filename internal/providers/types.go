package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/filmforge/backend/internal/models"
)

// Params is the per-media-type request union. Each variant carries only the
// fields meaningful for its media type.
type Params interface {
	MediaType() models.MediaType
}

type ImageParams struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	AspectRatio    string  `json:"aspect_ratio,omitempty"`
	Resolution     string  `json:"resolution,omitempty"`
	Quantity       int     `json:"quantity,omitempty"`
	SourceRef      *string `json:"source_ref,omitempty"`
}

func (ImageParams) MediaType() models.MediaType { return models.MediaImage }

type VideoParams struct {
	Prompt          string `json:"prompt"`
	AspectRatio     string `json:"aspect_ratio,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

func (VideoParams) MediaType() models.MediaType { return models.MediaVideo }

type SpeechParams struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

func (SpeechParams) MediaType() models.MediaType { return models.MediaTTS }

type MusicParams struct {
	Prompt          string `json:"prompt"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

func (MusicParams) MediaType() models.MediaType { return models.MediaMusic }

type TextParams struct {
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

func (TextParams) MediaType() models.MediaType { return models.MediaText }

// DecodeParams unmarshals raw request params into the variant for mediaType.
func DecodeParams(mediaType models.MediaType, raw json.RawMessage) (Params, error) {
	var (
		p   Params
		err error
	)
	switch mediaType {
	case models.MediaImage:
		var v ImageParams
		err = json.Unmarshal(raw, &v)
		p = v
	case models.MediaVideo:
		var v VideoParams
		err = json.Unmarshal(raw, &v)
		p = v
	case models.MediaTTS:
		var v SpeechParams
		err = json.Unmarshal(raw, &v)
		p = v
	case models.MediaMusic:
		var v MusicParams
		err = json.Unmarshal(raw, &v)
		p = v
	case models.MediaText:
		var v TextParams
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown media type %q", mediaType)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s params: %w", mediaType, err)
	}
	return p, nil
}

// Result is the normalized outcome of one successful generation. CreditsUsed
// is the realized cost; it may be more precise than the upfront estimate but
// is never higher under single-threaded use.
type Result struct {
	OutputRef     string          `json:"output_ref"`
	CreditsUsed   int64           `json:"credits_used"`
	RealCostCents int64           `json:"real_cost_cents"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// Adapter is the uniform contract every provider implements. Implementations
// are stateless and safe for concurrent use.
type Adapter interface {
	// Name returns the provider identifier used in the registry.
	Name() string
	// EstimateCost returns the credit cost for the given params without any
	// network call. The estimate must never exceed the realized cost's
	// pre-check requirement: a passed check must not become insufficient at
	// commit time under single-threaded use.
	EstimateCost(p Params) (int64, error)
	// Generate performs the external call. It may run for minutes and must
	// honor ctx cancellation.
	Generate(ctx context.Context, cfg models.ProviderConfig, p Params) (*Result, error)
	// ValidateCredentials probes the provider with the given config. Used by
	// registry health checks.
	ValidateCredentials(ctx context.Context, cfg models.ProviderConfig) bool
}
