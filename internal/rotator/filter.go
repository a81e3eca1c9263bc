package rotator

import (
	"path"
	"strings"
)

// ModelFilter applies per-provider ignore and whitelist rules to model ids.
// Whitelist wins when both are set for a provider. Patterns support shell
// wildcards (gpt-4*).
type ModelFilter struct {
	ignore    map[string][]string
	whitelist map[string][]string
}

// NewModelFilter builds a filter from the resolved config maps.
func NewModelFilter(ignore, whitelist map[string][]string) *ModelFilter {
	return &ModelFilter{ignore: ignore, whitelist: whitelist}
}

// Allowed reports whether a model may be served for a provider.
func (f *ModelFilter) Allowed(provider, model string) bool {
	provider = strings.ToLower(provider)
	if patterns, ok := f.whitelist[provider]; ok && len(patterns) > 0 {
		return matchAny(patterns, model)
	}
	if patterns, ok := f.ignore[provider]; ok && matchAny(patterns, model) {
		return false
	}
	return true
}

// Apply filters a model id list in place-order.
func (f *ModelFilter) Apply(provider string, models []string) []string {
	out := models[:0]
	for _, m := range models {
		if f.Allowed(provider, m) {
			out = append(out, m)
		}
	}
	return out
}

func matchAny(patterns []string, model string) bool {
	for _, p := range patterns {
		if p == model {
			return true
		}
		if ok, err := path.Match(p, model); err == nil && ok {
			return true
		}
	}
	return false
}
