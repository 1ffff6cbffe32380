// Package api exposes the patch engine over HTTP for the review grid.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	chi "github.com/go-chi/chi/v5"

	"github.com/ordercraft/patchline/internal/common"
	"github.com/ordercraft/patchline/internal/engine"
)

type Server struct {
	router  chi.Router
	engine  *engine.Engine
	records engine.RecordStore
	schemas engine.SchemaSource
}

func NewServer(eng *engine.Engine, records engine.RecordStore, schemas engine.SchemaSource) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine required")
	}
	if records == nil {
		return nil, fmt.Errorf("record store required")
	}
	if schemas == nil {
		return nil, fmt.Errorf("schema source required")
	}
	srv := &Server{
		router:  chi.NewRouter(),
		engine:  eng,
		records: records,
		schemas: schemas,
	}
	srv.routes()
	common.Logger().Info("api: server ready")
	return srv, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	logger := common.Logger()
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("request", "method", r.Method, "path", r.URL.Path, "dur", time.Since(start), "remote", r.RemoteAddr)
		})
	})

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.router.Post("/v1/turn", s.handleTurn)
	s.router.Post("/v1/undo", s.handleUndo)
	s.router.Get("/v1/schema", s.handleSchema)
	s.router.Get("/v1/records", s.handleRecords)
	s.router.Get("/v1/logs", s.handleLogs)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": common.LogEntries()})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	logger := common.Logger()
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "error", err)
	} else {
		logger.Warn("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
