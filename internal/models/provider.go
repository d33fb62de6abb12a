package models

// MediaType identifies what kind of artifact a provider generates.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
	MediaTTS   MediaType = "tts"
	MediaMusic MediaType = "music"
	MediaText  MediaType = "text"
)

// AllMediaTypes lists the supported media types in display order.
var AllMediaTypes = []MediaType{MediaImage, MediaVideo, MediaTTS, MediaMusic, MediaText}

// Valid reports whether m is a known media type.
func (m MediaType) Valid() bool {
	switch m {
	case MediaImage, MediaVideo, MediaTTS, MediaMusic, MediaText:
		return true
	}
	return false
}

// TxCategory maps a media type to its ledger spend category.
func (m MediaType) TxCategory() string { return string(m) }

// Selection priorities for auto provider resolution.
const (
	PriorityCost  = "cost"
	PrioritySpeed = "speed"
)

// ProviderDescriptor is static catalog metadata for one generation provider.
// BaseCostCredits is the per-unit floor used for cost-sorted listings; the
// adapter's estimate is authoritative for a concrete request.
type ProviderDescriptor struct {
	ID                     string    `json:"id"`
	MediaType              MediaType `json:"media_type"`
	Models                 []string  `json:"models"`
	BaseCostCredits        int64     `json:"base_cost_credits"`
	SpeedRank              int       `json:"speed_rank"`
	SupportsReferenceImage bool      `json:"supports_reference_image"`
	MaxInputChars          int       `json:"max_input_chars"`
}

// ProviderConfig is the per-request resolution result: one concrete provider,
// model and credential. CallerOwnsCredentials is load-bearing: when set, the
// metered execution wrapper bypasses credit charging entirely.
type ProviderConfig struct {
	Provider              string    `json:"provider"`
	Model                 string    `json:"model"`
	MediaType             MediaType `json:"media_type"`
	APIKey                string    `json:"-"`
	Endpoint              string    `json:"endpoint,omitempty"`
	CallerOwnsCredentials bool      `json:"caller_owns_credentials"`
}
