package apperrors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// APIError is the standardized error returned on the proxy surface.
type APIError struct {
	HTTPStatus int
	Code       string
	Type       string
	Message    string
}

// New constructs an APIError.
func New(status int, code, errType, message string) *APIError {
	return &APIError{HTTPStatus: status, Code: code, Type: errType, Message: message}
}

func (e *APIError) Error() string { return e.Message }

// openAIEnvelope mirrors OpenAI's error body shape.
type openAIEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

// ToJSON renders the OpenAI-compatible error envelope.
func (e *APIError) ToJSON() []byte {
	var env openAIEnvelope
	env.Error.Message = e.Message
	env.Error.Type = e.Type
	env.Error.Code = e.Code
	data, err := json.Marshal(env)
	if err != nil {
		return []byte(`{"error":{"message":"internal error","type":"proxy_internal_error"}}`)
	}
	return data
}

// FromError maps any core error onto the HTTP surface per the taxonomy:
// NoAvailableCredential -> 503, UpstreamError -> 502 with provider body,
// everything unclassified -> 500.
func FromError(err error) *APIError {
	var noCred *NoAvailableCredentialError
	if errors.As(err, &noCred) {
		return New(http.StatusServiceUnavailable, "no_available_credential", "proxy_capacity_error", noCred.Error())
	}
	var up *UpstreamError
	if errors.As(err, &up) {
		msg := string(up.Body)
		if msg == "" {
			msg = up.Error()
		}
		return New(http.StatusBadGateway, "upstream_error", "upstream_error", msg)
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return New(http.StatusInternalServerError, "internal_error", "proxy_internal_error", err.Error())
}
