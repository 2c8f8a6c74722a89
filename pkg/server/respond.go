package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/davel-ai/gateway/pkg/relay"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

// respondError writes err as an error frame with the matching status.
func respondError(w http.ResponseWriter, err *relay.Error, sessionID string) {
	if err.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(err.RetryAfter, 10))
	}
	respondJSON(w, statusFor(err.Code), relay.NewErrorFrame(err, sessionID, time.Now()))
}

func statusFor(code relay.Code) int {
	switch code {
	case relay.CodeValidation:
		return http.StatusBadRequest
	case relay.CodeRateLimited, relay.CodeTooManySessions:
		return http.StatusTooManyRequests
	case relay.CodeInvalidSession:
		return http.StatusForbidden
	case relay.CodeSessionNotFound:
		return http.StatusNotFound
	case relay.CodeInferenceFailed:
		return http.StatusBadGateway
	case relay.CodeInferenceTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
