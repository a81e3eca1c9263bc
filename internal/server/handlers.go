package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/berthojoris/LLM-API-Key-Proxy/internal/apperrors"
)

// splitModel separates the provider prefix from a prefixed model id
// ("openai/gpt-x" -> "openai", "gpt-x").
func splitModel(model string) (provider, bare string, err error) {
	idx := strings.Index(model, "/")
	if idx <= 0 || idx == len(model)-1 {
		return "", "", fmt.Errorf("model %q must be prefixed with a provider (provider/model)", model)
	}
	return strings.ToLower(model[:idx]), model[idx+1:], nil
}

func (s *Server) respondError(c *gin.Context, err error) {
	apiErr := apperrors.FromError(err)
	if apiErr.HTTPStatus >= 500 {
		log.WithError(err).Error("Request failed")
	}
	c.Data(apiErr.HTTPStatus, "application/json", apiErr.ToJSON())
}

// prepareProxyBody validates the model field, applies filtering, and rewrites
// the model to its bare upstream name.
func (s *Server) prepareProxyBody(c *gin.Context) (provider string, body []byte, ok bool) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.respondError(c, apperrors.New(http.StatusBadRequest, "invalid_body", "invalid_request_error", "failed to read request body"))
		return "", nil, false
	}
	model := gjson.GetBytes(raw, "model").String()
	if model == "" {
		s.respondError(c, apperrors.New(http.StatusBadRequest, "missing_model", "invalid_request_error", "model field is required"))
		return "", nil, false
	}
	provider, bare, err := splitModel(model)
	if err != nil {
		s.respondError(c, apperrors.New(http.StatusBadRequest, "invalid_model", "invalid_request_error", err.Error()))
		return "", nil, false
	}
	if !s.filter.Allowed(provider, bare) {
		s.respondError(c, apperrors.New(http.StatusNotFound, "model_filtered", "invalid_request_error",
			fmt.Sprintf("model %q is not served by this proxy", model)))
		return "", nil, false
	}
	c.Set("provider", provider)
	c.Set("model", model)

	body, err = sjson.SetBytes(raw, "model", bare)
	if err != nil {
		s.respondError(c, fmt.Errorf("rewrite model field: %w", err))
		return "", nil, false
	}
	return provider, body, true
}

func (s *Server) handleChatCompletions(c *gin.Context) {
	provider, body, ok := s.prepareProxyBody(c)
	if !ok {
		return
	}
	if gjson.GetBytes(body, "stream").Bool() {
		s.streamChatCompletions(c, provider, body)
		return
	}
	out, err := s.client.Completion(c.Request.Context(), provider, body)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", out)
}

// streamChatCompletions passes the upstream SSE byte stream through
// unmodified. The credential slot is held for the stream's full lifetime.
// A failure after the first byte emits an error frame and [DONE] rather
// than a late status change.
func (s *Server) streamChatCompletions(c *gin.Context, provider string, body []byte) {
	stream, release, err := s.client.CompletionStream(c.Request.Context(), provider, body)
	if err != nil {
		s.respondError(c, err)
		return
	}
	defer release()
	defer stream.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, canFlush := c.Writer.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := stream.Read(buf)
		if n > 0 {
			if _, writeErr := c.Writer.Write(buf[:n]); writeErr != nil {
				// Client went away; the deferred release frees the slot.
				log.Debug("Client disconnected mid-stream")
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				log.WithError(readErr).Warn("Upstream stream interrupted")
				errFrame := apperrors.New(http.StatusBadGateway, "stream_interrupted", "upstream_error", "upstream stream interrupted")
				fmt.Fprintf(c.Writer, "data: %s\n\n", errFrame.ToJSON())
				fmt.Fprint(c.Writer, "data: [DONE]\n\n")
				if canFlush {
					flusher.Flush()
				}
			}
			return
		}
	}
}

func (s *Server) handleEmbeddings(c *gin.Context) {
	provider, body, ok := s.prepareProxyBody(c)
	if !ok {
		return
	}
	out, err := s.client.Embeddings(c.Request.Context(), provider, body)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", out)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"providers": len(s.client.Providers()),
	})
}
