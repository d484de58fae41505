package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/sunpilot/sunpilot/pkg/log"
	"github.com/sunpilot/sunpilot/pkg/types"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.engine.Settings()); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req types.Settings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode settings", slog.Any("error", err))
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := req.Validate(); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Validation passed, so a Reconfigure failure is the store or the derived
	// config, not the request.
	if err := s.engine.Reconfigure(ctx, req); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to apply settings", slog.Any("error", err))
		writeJSONError(w, "failed to apply settings", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}
