package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/controlroom/internal/audit"
)

// handleListCommands returns a page of the command log, newest first.
//
// Query parameters:
//   - kind: frame.routed, frame.dropped or command.sent
//   - target: target module
//   - source: originating module or "api"
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	if s.commandLog == nil {
		writeNotFound(w, "command log is not enabled")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Kind:   q.Get("kind"),
		Target: q.Get("target"),
		Source: q.Get("source"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	result, err := s.commandLog.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing command log", "error", err)
		writeInternalError(w, "failed to list command log")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
