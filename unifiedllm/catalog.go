package unifiedllm

// gollm provider identifiers.
const (
	ProviderGroq   = "groq"
	ProviderGoogle = "google-openai"
)

// ModelInfo describes a known model.
type ModelInfo struct {
	ID            string   `json:"id"`
	Provider      string   `json:"provider"`
	DisplayName   string   `json:"display_name"`
	ContextWindow int      `json:"context_window"`
	MaxOutput     int      `json:"max_output"`
	SupportsTools bool     `json:"supports_tools"`
	Default       bool     `json:"default"`
	Aliases       []string `json:"aliases,omitempty"`
}

// Models is the catalog of models fixflow has been run against.
var Models = []ModelInfo{
	{
		ID: "moonshotai/kimi-k2-instruct-0905", Provider: ProviderGroq, DisplayName: "Kimi K2 Instruct",
		ContextWindow: 262144, MaxOutput: 16384, SupportsTools: true, Default: true,
		Aliases: []string{"kimi-k2"},
	},
	{
		ID: "llama-3.3-70b-versatile", Provider: ProviderGroq, DisplayName: "Llama 3.3 70B",
		ContextWindow: 131072, MaxOutput: 32768, SupportsTools: true,
		Aliases: []string{"llama-70b"},
	},
	{
		ID: "gemini-2.5-flash", Provider: ProviderGoogle, DisplayName: "Gemini 2.5 Flash",
		ContextWindow: 1048576, MaxOutput: 65536, SupportsTools: true, Default: true,
		Aliases: []string{"gemini-flash"},
	},
	{
		ID: "gemini-2.5-pro", Provider: ProviderGoogle, DisplayName: "Gemini 2.5 Pro",
		ContextWindow: 1048576, MaxOutput: 65536, SupportsTools: true,
		Aliases: []string{"gemini-pro"},
	},
}

// GetModelInfo returns the catalog entry for an id or alias, or nil.
func GetModelInfo(modelID string) *ModelInfo {
	for i := range Models {
		if Models[i].ID == modelID {
			return &Models[i]
		}
		for _, alias := range Models[i].Aliases {
			if alias == modelID {
				return &Models[i]
			}
		}
	}
	return nil
}

// ListModels returns the models for a provider, or all of them when
// provider is empty.
func ListModels(provider string) []ModelInfo {
	var result []ModelInfo
	for _, m := range Models {
		if provider == "" || m.Provider == provider {
			result = append(result, m)
		}
	}
	return result
}

// DefaultModel returns the default model id for a provider, or "".
func DefaultModel(provider string) string {
	for _, m := range Models {
		if m.Provider == provider && m.Default {
			return m.ID
		}
	}
	return ""
}

// ResolveModel maps an alias to its canonical id. Unknown names pass through.
func ResolveModel(name string) string {
	if info := GetModelInfo(name); info != nil {
		return info.ID
	}
	return name
}
