package handlers

import (
	"net/http"
	"time"
)

var startedAt = time.Now()

// Health is the unauthenticated liveness endpoint.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(startedAt).Round(time.Second).String(),
	})
}
