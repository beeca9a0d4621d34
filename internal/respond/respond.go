// Package respond writes JSON HTTP responses.
package respond

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// JSON writes v as a JSON body with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "err", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, message string, status int) {
	JSON(w, status, map[string]string{"error": message})
}

// Decode reads a JSON request body into v.
func Decode(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// AccountID parses the {id} URL parameter, writing a 400 on failure.
func AccountID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		Error(w, "invalid user id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}
