package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/berthojoris/LLM-API-Key-Proxy/internal/credential"
)

// tokenCountRequest accepts either chat messages or raw text.
type tokenCountRequest struct {
	Model    string `json:"model"`
	Text     string `json:"text"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// estimateTokens uses the ~4 characters per token heuristic. Deterministic
// and tokenizer-free; close enough for budgeting.
func estimateTokens(text string) int {
	n := len(strings.TrimSpace(text))
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

func (s *Server) handleTokenCount(c *gin.Context) {
	var req tokenCountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"message": "invalid request body", "type": "invalid_request_error"},
		})
		return
	}

	total := estimateTokens(req.Text)
	for _, m := range req.Messages {
		// Per-message framing overhead mirrors the OpenAI chat format.
		total += estimateTokens(m.Content) + 4
	}
	c.JSON(http.StatusOK, gin.H{
		"model":        req.Model,
		"token_count":  total,
		"approximated": true,
	})
}

type costEstimateRequest struct {
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

func (s *Server) handleCostEstimate(c *gin.Context) {
	var req costEstimateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Model == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"message": "model, prompt_tokens and completion_tokens are required", "type": "invalid_request_error"},
		})
		return
	}

	info, known := lookupModelInfo(req.Model)
	inputCost := float64(req.PromptTokens) / 1e6 * info.InputCostPerMTok
	outputCost := float64(req.CompletionTokens) / 1e6 * info.OutputCostPerMTok
	c.JSON(http.StatusOK, gin.H{
		"model":             req.Model,
		"known_pricing":     known && (info.InputCostPerMTok > 0 || info.OutputCostPerMTok > 0),
		"prompt_tokens":     req.PromptTokens,
		"completion_tokens": req.CompletionTokens,
		"input_cost_usd":    inputCost,
		"output_cost_usd":   outputCost,
		"total_cost_usd":    inputCost + outputCost,
	})
}

func (s *Server) handleProviders(c *gin.Context) {
	type providerSummary struct {
		Name        string `json:"name"`
		Credentials int    `json:"credentials"`
		APIKeys     int    `json:"api_keys"`
		OAuth       int    `json:"oauth"`
	}
	var out []providerSummary
	for _, provider := range s.client.Providers() {
		summary := providerSummary{Name: provider}
		for _, cred := range s.client.Credentials(provider) {
			summary.Credentials++
			if cred.Kind == credential.KindOAuth {
				summary.OAuth++
			} else {
				summary.APIKeys++
			}
		}
		out = append(out, summary)
	}
	c.JSON(http.StatusOK, gin.H{"providers": out})
}
