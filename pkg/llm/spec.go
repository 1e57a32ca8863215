package llm

import (
	"sort"

	grindererrors "github.com/tombee/grinder/pkg/errors"
)

// Capability names one kind of work a provider can do.
type Capability string

const (
	// CapabilityGeneration is test-data generator writing.
	CapabilityGeneration Capability = "generation"
	// CapabilitySolution is solution code writing.
	CapabilitySolution Capability = "solution"
	// CapabilityOCR is image-to-text extraction.
	CapabilityOCR Capability = "ocr"
	// CapabilitySummary is text summarization.
	CapabilitySummary Capability = "summary"
)

// ProviderSpec is the static definition of a supported provider: defaults,
// capabilities and whether users may pick it for their tasks. Deployment
// secrets live in Config, never here.
type ProviderSpec struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`

	DefaultBaseURL string `json:"default_base_url"`
	DefaultModel   string `json:"default_model"`

	// DefaultSummaryModel is used for the summary capability when it
	// differs from the main model (reasoner models are wasteful there).
	DefaultSummaryModel string `json:"default_summary_model,omitempty"`

	Capabilities []Capability `json:"capabilities"`

	// UserSelectable providers appear in task submission choices. OCR-only
	// backends are wired internally and hidden from that list.
	UserSelectable bool `json:"user_selectable"`
}

// HasCapability reports whether the spec declares the capability.
func (s ProviderSpec) HasCapability(c Capability) bool {
	for _, got := range s.Capabilities {
		if got == c {
			return true
		}
	}
	return false
}

var specs = map[string]ProviderSpec{
	"deepseek": {
		ID:                  "deepseek",
		DisplayName:         "DeepSeek",
		Description:         "DeepSeek reasoner, strong on competitive programming",
		DefaultBaseURL:      "https://api.deepseek.com/v1",
		DefaultModel:        "deepseek-reasoner",
		DefaultSummaryModel: "deepseek-chat",
		Capabilities:        []Capability{CapabilityGeneration, CapabilitySolution, CapabilitySummary},
		UserSelectable:      true,
	},
	"openai": {
		ID:             "openai",
		DisplayName:    "OpenAI compatible",
		Description:    "Any service speaking the OpenAI chat completion API",
		DefaultBaseURL: "https://api.openai.com/v1",
		DefaultModel:   "gpt-4",
		Capabilities:   []Capability{CapabilityGeneration, CapabilitySolution, CapabilitySummary},
		UserSelectable: true,
	},
	"siliconflow": {
		ID:             "siliconflow",
		DisplayName:    "SiliconFlow",
		Description:    "SiliconFlow, used for statement OCR",
		DefaultBaseURL: "https://api.siliconflow.cn/v1",
		DefaultModel:   "deepseek-ai/DeepSeek-OCR",
		Capabilities:   []Capability{CapabilityOCR},
		UserSelectable: false,
	},
}

// Specs returns every provider spec, sorted by ID.
func Specs() []ProviderSpec {
	out := make([]ProviderSpec, 0, len(specs))
	for _, s := range specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SpecFor returns the spec for a provider ID.
func SpecFor(id string) (ProviderSpec, error) {
	s, ok := specs[id]
	if !ok {
		return ProviderSpec{}, &grindererrors.NotFoundError{Resource: "llm provider", ID: id}
	}
	return s, nil
}

// UserSelectable returns the specs users may choose for their tasks,
// sorted by ID.
func UserSelectable() []ProviderSpec {
	var out []ProviderSpec
	for _, s := range Specs() {
		if s.UserSelectable {
			out = append(out, s)
		}
	}
	return out
}

// SpecsByCapability returns the specs declaring a capability, sorted by ID.
func SpecsByCapability(c Capability) []ProviderSpec {
	var out []ProviderSpec
	for _, s := range Specs() {
		if s.HasCapability(c) {
			out = append(out, s)
		}
	}
	return out
}
