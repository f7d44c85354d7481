package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/models"
)

const maxBodyBytes = 1 << 20

// errorBody is the envelope every failed request returns.
type errorBody struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
	Retryable  bool   `json:"retryable"`
}

func statusFor(kind models.Kind) int {
	switch kind {
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindInvalidTransition:
		return http.StatusConflict
	case models.KindCapacityExceeded:
		return http.StatusTooManyRequests
	case models.KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func envelope(err error) (int, errorBody) {
	kind := models.KindOf(err)
	body := errorBody{
		Code:       string(kind),
		Suggestion: models.SuggestionOf(err),
	}
	var e *models.Error
	if errors.As(err, &e) {
		body.Message = e.Message
		body.Retryable = e.Retryable()
	}
	if kind == models.KindInternal || body.Message == "" {
		// causes can carry driver details
		body.Message = "internal error"
	}
	return statusFor(kind), body
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err in the error envelope. extra fields (for example the action a
// capacity error left approved) are merged into the top level of the body.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, extra map[string]interface{}) {
	status, body := envelope(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	out := map[string]interface{}{"error": body}
	for k, v := range extra {
		out[k] = v
	}
	if body.Retryable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, out)
}

// decode reads a JSON body into v. An empty body leaves v untouched when optional is set.
func decode(r *http.Request, v interface{}, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && optional {
			return nil
		}
		return &models.Error{
			Kind:       models.KindValidation,
			Message:    "invalid JSON body: " + err.Error(),
			Suggestion: "send a JSON object with the documented fields",
		}
	}
	return nil
}
