package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ordercraft/patchline/internal/common"
	"github.com/ordercraft/patchline/internal/engine"
)

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	logger := common.Logger()
	var req engine.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("api: turn decode failed", "error", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.ProfileID) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("profile_id required"))
		return
	}
	if strings.TrimSpace(req.Instruction) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("instruction required"))
		return
	}
	logger.Info("api: turn received", "profile_id", req.ProfileID, "instruction_length", len(req.Instruction), "selection", len(req.RecordIDs))
	result, err := s.engine.Turn(r.Context(), req)
	if err != nil {
		var parseErr *engine.GenerationParseError
		switch {
		case errors.Is(err, engine.ErrEmptyInstruction):
			writeError(w, http.StatusBadRequest, err)
		case errors.As(err, &parseErr):
			// The backend returned something unusable; the caller retries
			// rather than the engine guessing patches.
			writeError(w, http.StatusBadGateway, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}
