package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/ordercraft/patchline/internal/common"
)

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	profileID := strings.TrimSpace(r.URL.Query().Get("profile"))
	if profileID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("profile required"))
		return
	}
	sch, err := s.schemas.FetchSchema(r.Context(), profileID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"profile": profileID,
		"fields":  sch.Fields(),
	})
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	logger := common.Logger()
	profileID := strings.TrimSpace(r.URL.Query().Get("profile"))
	if profileID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("profile required"))
		return
	}
	var ids []string
	if raw := strings.TrimSpace(r.URL.Query().Get("ids")); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(id); trimmed != "" {
				ids = append(ids, trimmed)
			}
		}
	}
	records, err := s.records.FetchRecords(r.Context(), profileID, ids)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	logger.Debug("api: records fetched", "profile_id", profileID, "count", len(records))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"profile": profileID,
		"records": records,
	})
}
