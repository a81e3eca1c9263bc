package providerauth

import (
	"strings"

	"golang.org/x/oauth2/google"
)

// Spec describes one upstream provider: its OpenAI-compatible base URL and,
// for OAuth providers, the token endpoints and device-flow parameters.
type Spec struct {
	Name    string
	BaseURL string

	// OAuth is true for providers authenticated with rotating token sets
	// rather than static API keys.
	OAuth bool

	TokenEndpoint  string
	DeviceEndpoint string
	ClientID       string
	Scope          string

	// PreferAPIKeyExtra selects the credential document's apiKey field over
	// the access token when present (iflow pairs both).
	PreferAPIKeyExtra bool
}

const (
	qwenTokenEndpoint  = "https://chat.qwen.ai/api/v1/oauth2/token"
	qwenDeviceEndpoint = "https://chat.qwen.ai/api/v1/oauth2/device/code"
	qwenClientID       = "f0304373b74a44d2b584a3fb70ca9e56"
	qwenScope          = "openid profile email model.completion"

	// deviceUserAgent matches what upstream device endpoints expect from CLI
	// clients.
	deviceUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"
)

var specs = map[string]Spec{
	"openai":     {Name: "openai", BaseURL: "https://api.openai.com/v1"},
	"anthropic":  {Name: "anthropic", BaseURL: "https://api.anthropic.com/v1"},
	"gemini":     {Name: "gemini", BaseURL: "https://generativelanguage.googleapis.com/v1beta"},
	"mistral":    {Name: "mistral", BaseURL: "https://api.mistral.ai/v1"},
	"cohere":     {Name: "cohere", BaseURL: "https://api.cohere.ai/compatibility/v1"},
	"openrouter": {Name: "openrouter", BaseURL: "https://openrouter.ai/api/v1"},
	"together":   {Name: "together", BaseURL: "https://api.together.xyz/v1"},
	"fireworks":  {Name: "fireworks", BaseURL: "https://api.fireworks.ai/inference/v1"},
	"perplexity": {Name: "perplexity", BaseURL: "https://api.perplexity.ai"},
	"groq":       {Name: "groq", BaseURL: "https://api.groq.com/openai/v1"},
	"deepinfra":  {Name: "deepinfra", BaseURL: "https://api.deepinfra.com/v1/openai"},
	"novita":     {Name: "novita", BaseURL: "https://api.novita.ai/v3/openai"},
	"ai21":       {Name: "ai21", BaseURL: "https://api.ai21.com/studio/v1"},

	"qwen_code": {
		Name:           "qwen_code",
		BaseURL:        "https://portal.qwen.ai/v1",
		OAuth:          true,
		TokenEndpoint:  qwenTokenEndpoint,
		DeviceEndpoint: qwenDeviceEndpoint,
		ClientID:       qwenClientID,
		Scope:          qwenScope,
	},
	// Google-style providers refresh against the Google token endpoint with
	// the client id/secret carried in the credential document itself.
	"gemini_cli": {
		Name:          "gemini_cli",
		BaseURL:       "https://generativelanguage.googleapis.com/v1beta",
		OAuth:         true,
		TokenEndpoint: google.Endpoint.TokenURL,
	},
	"antigravity": {
		Name:          "antigravity",
		BaseURL:       "https://generativelanguage.googleapis.com/v1beta",
		OAuth:         true,
		TokenEndpoint: google.Endpoint.TokenURL,
	},
	"iflow": {
		Name:              "iflow",
		BaseURL:           "https://api.kilocode.ai/v1",
		OAuth:             true,
		PreferAPIKeyExtra: true,
	},
}

// Lookup returns the spec for a provider. Unknown providers get a zero spec
// with ok=false; callers fall back to a base-URL override.
func Lookup(provider string) (Spec, bool) {
	spec, ok := specs[strings.ToLower(provider)]
	return spec, ok
}

// BaseURLFor resolves the effective base URL: explicit override, then the
// registry default. Unknown providers with no override return "".
func BaseURLFor(provider, override string) string {
	if override != "" {
		return strings.TrimRight(override, "/")
	}
	if spec, ok := Lookup(provider); ok {
		return spec.BaseURL
	}
	return ""
}

// Providers lists all registered provider names.
func Providers() []string {
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	return names
}
