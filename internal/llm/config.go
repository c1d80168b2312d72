// Package llm wraps the language model used by the analysis, framework and content steps.
package llm

// ModelTier represents the capability level of a model
type ModelTier string

const (
	// TierLite is for short drafting: per-section content, summaries
	TierLite ModelTier = "lite"
	// TierStandard is for structured extraction: bid analysis
	TierStandard ModelTier = "standard"
	// TierAdvanced is for planning: bid strategy, document framework
	TierAdvanced ModelTier = "advanced"
)

// Provider represents an LLM provider
type Provider string

// Provider constants define supported LLM providers
const (
	// ProviderGemini is the Google Gemini provider
	ProviderGemini Provider = "gemini"
	// ProviderOffline produces deterministic drafts without network access
	ProviderOffline Provider = "offline"
)

// Config holds the model configuration for the application
type Config struct {
	Provider    Provider             `json:"provider" yaml:"provider"`
	Models      map[ModelTier]string `json:"models" yaml:"models"`
	Temperature float32              `json:"temperature" yaml:"temperature"`
}

// DefaultConfig returns the default configuration (currently Gemini)
func DefaultConfig() *Config {
	return DefaultGeminiConfig()
}

// DefaultGeminiConfig returns the default Gemini configuration
func DefaultGeminiConfig() *Config {
	return &Config{
		Provider: ProviderGemini,
		Models: map[ModelTier]string{
			TierLite:     "gemini-2.5-flash-lite",
			TierStandard: "gemini-2.5-flash",
			TierAdvanced: "gemini-2.5-pro",
		},
		Temperature: 0.2,
	}
}

// GetModel returns the model name for a given tier
func (c *Config) GetModel(tier ModelTier) string {
	if model, ok := c.Models[tier]; ok {
		return model
	}
	// Fallback chain: try standard, then lite
	if model, ok := c.Models[TierStandard]; ok {
		return model
	}
	if model, ok := c.Models[TierLite]; ok {
		return model
	}
	return ""
}

// WithModel returns a copy of c with model set for tier
func (c *Config) WithModel(tier ModelTier, model string) *Config {
	out := &Config{
		Provider:    c.Provider,
		Models:      make(map[ModelTier]string, len(c.Models)+1),
		Temperature: c.Temperature,
	}
	for k, v := range c.Models {
		out.Models[k] = v
	}
	out.Models[tier] = model
	return out
}
