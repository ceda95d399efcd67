package api

import (
	"encoding/json"
	"net/http"
)

// respondJSON writes payload as status, adapted from
// dplaned/internal/handlers's respondJSON/respondOK/respondError trio.
func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondOK(w http.ResponseWriter, payload interface{}) {
	respondJSON(w, http.StatusOK, payload)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	body := map[string]interface{}{
		"error":  message,
		"status": status,
	}
	if err != nil {
		body["details"] = err.Error()
	}
	respondJSON(w, status, body)
}
