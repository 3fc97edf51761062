// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ManuGH/plexcached/internal/pipeline"
	"github.com/ManuGH/plexcached/internal/store"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

// writeTaskError maps pipeline failures to the API error envelope.
func writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "path is not tracked")
	case errors.Is(err, pipeline.ErrProtected):
		writeError(w, http.StatusConflict, "protected", "path is in active playback")
	case errors.Is(err, pipeline.ErrNoSpace):
		writeError(w, http.StatusInsufficientStorage, "no_space", "not enough space on target tier")
	case errors.Is(err, pipeline.ErrCoolingDown):
		writeError(w, http.StatusConflict, "cooldown", "path failed recently, cooling down")
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
