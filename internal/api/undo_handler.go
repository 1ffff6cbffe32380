package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ordercraft/patchline/internal/common"
	"github.com/ordercraft/patchline/internal/session"
)

type undoRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	logger := common.Logger()
	var req undoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("api: undo decode failed", "error", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("session_id required"))
		return
	}
	result, err := s.engine.Undo(r.Context(), req.SessionID)
	if err != nil {
		// The grid distinguishes "nothing to undo" from "already undone";
		// both get a display-ready message, never a silent no-op.
		switch {
		case errors.Is(err, session.ErrNotFound):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, session.ErrAlreadyUndone):
			writeError(w, http.StatusConflict, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	logger.Info("api: undo succeeded", "session_id", req.SessionID, "reverted", result.RevertedCount)
	writeJSON(w, http.StatusOK, result)
}
