package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/transitive-bullshit/agentic-gateway/internal/domain"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError renders any pipeline error as the gateway's flat error shape,
// carrying the error's headers (rate-limit headers) onto the response.
func writeError(w http.ResponseWriter, err error) {
	gwErr := domain.AsError(err)
	for k, v := range gwErr.Headers {
		w.Header().Set(k, v)
	}
	status := gwErr.Status()
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "kind", gwErr.Kind, "error", err)
	} else {
		slog.Debug("request rejected", "kind", gwErr.Kind, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: gwErr.Message})
}
