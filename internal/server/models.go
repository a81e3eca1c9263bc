package server

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// ModelInfo describes a catalog entry: capabilities plus per-million-token
// pricing in USD. Zero pricing means unknown.
type ModelInfo struct {
	ID                string  `json:"id"`
	Provider          string  `json:"provider"`
	ContextWindow     int     `json:"context_window,omitempty"`
	MaxOutputTokens   int     `json:"max_output_tokens,omitempty"`
	SupportsStreaming bool    `json:"supports_streaming"`
	SupportsTools     bool    `json:"supports_tools"`
	SupportsVision    bool    `json:"supports_vision"`
	InputCostPerMTok  float64 `json:"input_cost_per_mtok,omitempty"`
	OutputCostPerMTok float64 `json:"output_cost_per_mtok,omitempty"`
}

// modelCatalog is the static capability and pricing table, keyed by the
// prefixed model id. Serving is not limited to this table; unknown models
// pass through with default capabilities.
var modelCatalog = map[string]ModelInfo{
	"openai/gpt-4o":                 {Provider: "openai", ContextWindow: 128000, MaxOutputTokens: 16384, SupportsStreaming: true, SupportsTools: true, SupportsVision: true, InputCostPerMTok: 2.5, OutputCostPerMTok: 10},
	"openai/gpt-4o-mini":            {Provider: "openai", ContextWindow: 128000, MaxOutputTokens: 16384, SupportsStreaming: true, SupportsTools: true, SupportsVision: true, InputCostPerMTok: 0.15, OutputCostPerMTok: 0.6},
	"openai/gpt-4.1":                {Provider: "openai", ContextWindow: 1047576, MaxOutputTokens: 32768, SupportsStreaming: true, SupportsTools: true, SupportsVision: true, InputCostPerMTok: 2, OutputCostPerMTok: 8},
	"openai/o3-mini":                {Provider: "openai", ContextWindow: 200000, MaxOutputTokens: 100000, SupportsStreaming: true, SupportsTools: true, InputCostPerMTok: 1.1, OutputCostPerMTok: 4.4},
	"openai/text-embedding-3-small": {Provider: "openai", ContextWindow: 8191, InputCostPerMTok: 0.02},
	"anthropic/claude-sonnet-4":     {Provider: "anthropic", ContextWindow: 200000, MaxOutputTokens: 64000, SupportsStreaming: true, SupportsTools: true, SupportsVision: true, InputCostPerMTok: 3, OutputCostPerMTok: 15},
	"gemini/gemini-2.5-pro":         {Provider: "gemini", ContextWindow: 1048576, MaxOutputTokens: 65536, SupportsStreaming: true, SupportsTools: true, SupportsVision: true, InputCostPerMTok: 1.25, OutputCostPerMTok: 10},
	"gemini/gemini-2.5-flash":       {Provider: "gemini", ContextWindow: 1048576, MaxOutputTokens: 65536, SupportsStreaming: true, SupportsTools: true, SupportsVision: true, InputCostPerMTok: 0.3, OutputCostPerMTok: 2.5},
	"gemini_cli/gemini-2.5-pro":     {Provider: "gemini_cli", ContextWindow: 1048576, MaxOutputTokens: 65536, SupportsStreaming: true, SupportsTools: true, SupportsVision: true},
	"gemini_cli/gemini-2.5-flash":   {Provider: "gemini_cli", ContextWindow: 1048576, MaxOutputTokens: 65536, SupportsStreaming: true, SupportsTools: true, SupportsVision: true},
	"qwen_code/qwen3-coder-plus":    {Provider: "qwen_code", ContextWindow: 1000000, MaxOutputTokens: 65536, SupportsStreaming: true, SupportsTools: true},
	"qwen_code/qwen3-coder-flash":   {Provider: "qwen_code", ContextWindow: 1000000, MaxOutputTokens: 65536, SupportsStreaming: true, SupportsTools: true},
	"groq/llama-3.3-70b-versatile":  {Provider: "groq", ContextWindow: 131072, MaxOutputTokens: 32768, SupportsStreaming: true, SupportsTools: true, InputCostPerMTok: 0.59, OutputCostPerMTok: 0.79},
	"mistral/mistral-large-latest":  {Provider: "mistral", ContextWindow: 131072, SupportsStreaming: true, SupportsTools: true, InputCostPerMTok: 2, OutputCostPerMTok: 6},
	"openrouter/auto":               {Provider: "openrouter", SupportsStreaming: true},
}

func lookupModelInfo(id string) (ModelInfo, bool) {
	info, ok := modelCatalog[id]
	if ok {
		info.ID = id
	}
	return info, ok
}

// listModelIDs aggregates model ids: live upstream listings per registered
// provider, with the static catalog as fallback for providers that cannot be
// queried. All ids carry the provider prefix and pass the model filter.
func (s *Server) listModelIDs(c *gin.Context) []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(provider, bare string) {
		id := provider + "/" + bare
		if seen[id] || !s.filter.Allowed(provider, bare) {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	for _, provider := range s.client.Providers() {
		listed := false
		if out, err := s.client.ListModels(ctx, provider); err == nil {
			for _, m := range gjson.GetBytes(out, "data.#.id").Array() {
				if bare := m.String(); bare != "" {
					add(provider, bare)
					listed = true
				}
			}
		} else {
			log.WithError(err).Debugf("Model listing failed for %s, using catalog", provider)
		}
		if !listed {
			for id, info := range modelCatalog {
				if info.Provider == provider {
					add(provider, strings.TrimPrefix(id, provider+"/"))
				}
			}
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *Server) handleModels(c *gin.Context) {
	ids := s.listModelIDs(c)
	data := make([]gin.H, 0, len(ids))
	for _, id := range ids {
		data = append(data, gin.H{
			"id":       id,
			"object":   "model",
			"owned_by": strings.SplitN(id, "/", 2)[0],
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

func (s *Server) handleModelsEnriched(c *gin.Context) {
	ids := s.listModelIDs(c)
	data := make([]ModelInfo, 0, len(ids))
	for _, id := range ids {
		info, ok := lookupModelInfo(id)
		if !ok {
			info = ModelInfo{
				ID:                id,
				Provider:          strings.SplitN(id, "/", 2)[0],
				SupportsStreaming: true,
			}
		}
		data = append(data, info)
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

func (s *Server) handleModelInfo(c *gin.Context) {
	id := strings.TrimPrefix(c.Param("id"), "/")
	info, ok := lookupModelInfo(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{
				"message": "model not found in catalog: " + id,
				"type":    "invalid_request_error",
				"code":    "model_not_found",
			},
		})
		return
	}
	c.JSON(http.StatusOK, info)
}
