package handlers

import (
	"net/http"
	"strconv"

	"github.com/gamgui/gamgui/internal/logging"
)

// ServerLogs returns the tail of the server log file. Admin only; routed
// behind the RequireAdmin middleware.
func ServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 5000 {
			writeError(w, http.StatusBadRequest, "lines must be between 1 and 5000")
			return
		}
		lines = n
	}

	tail, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read server logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"lines": tail})
}
