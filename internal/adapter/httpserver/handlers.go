package httpserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/llm-manager/internal/adapter/device"
	"github.com/fairyhunter13/llm-manager/internal/config"
	"github.com/fairyhunter13/llm-manager/internal/domain"
)

// Server carries the dependencies of the operator API handlers.
type Server struct {
	cfgMgr  *config.Manager
	ctrl    domain.Controller
	devices *device.Registry
	started time.Time
}

// NewServer wires the operator API handlers.
func NewServer(cfgMgr *config.Manager, ctrl domain.Controller, devices *device.Registry) *Server {
	return &Server{cfgMgr: cfgMgr, ctrl: ctrl, devices: devices, started: time.Now()}
}

type modelEntry struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	OwnedBy string   `json:"owned_by"`
	Aliases []string `json:"aliases"`
	Mode    string   `json:"mode"`
}

// ListModels serves the OpenAI-compatible model list: one entry per
// configured model, with its aliases and mode alongside the standard fields.
func (s *Server) ListModels(w http.ResponseWriter, r *http.Request) {
	created := s.started.Unix()
	var entries []modelEntry
	for _, name := range s.cfgMgr.ModelNames() {
		mc, ok := s.cfgMgr.Model(name)
		if !ok {
			continue
		}
		entries = append(entries, modelEntry{
			ID:      name,
			Object:  "model",
			Created: created,
			OwnedBy: "organization",
			Aliases: mc.Aliases,
			Mode:    string(mc.Mode),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   entries,
	})
}

// Health reports orchestrator liveness and the number of routing models.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	running := 0
	for _, info := range s.ctrl.ListStatus() {
		if info.Status == domain.StatusRouting {
			running++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"models_running": running,
		"uptime_sec":     int64(time.Since(s.started).Seconds()),
	})
}

// ModelsStatus returns the full per-model status list.
func (s *Server) ModelsStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"models": s.ctrl.ListStatus(),
	})
}

func (s *Server) resolveAlias(w http.ResponseWriter, r *http.Request) (string, bool) {
	alias := chi.URLParam(r, "alias")
	primary, ok := s.cfgMgr.ResolvePrimary(alias)
	if !ok {
		writeDetail(w, http.StatusNotFound, fmt.Sprintf("unknown model %q", alias))
		return "", false
	}
	return primary, true
}

// StartModel triggers a load and waits for the outcome.
func (s *Server) StartModel(w http.ResponseWriter, r *http.Request) {
	primary, ok := s.resolveAlias(w, r)
	if !ok {
		return
	}
	if ok, why := s.ctrl.StartModel(r.Context(), primary); !ok {
		writeDetail(w, http.StatusServiceUnavailable, why)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "model": primary})
}

// StopModel stops a running model. Stopping a stopped model succeeds.
func (s *Server) StopModel(w http.ResponseWriter, r *http.Request) {
	primary, ok := s.resolveAlias(w, r)
	if !ok {
		return
	}
	if ok, why := s.ctrl.StopModel(primary); !ok {
		writeDetail(w, http.StatusConflict, why)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "model": primary})
}

// ModelLogs returns the retained output lines of a model's child process.
func (s *Server) ModelLogs(w http.ResponseWriter, r *http.Request) {
	primary, ok := s.resolveAlias(w, r)
	if !ok {
		return
	}
	entries, found := s.ctrl.GetLog(primary)
	if !found {
		writeDetail(w, http.StatusNotFound, fmt.Sprintf("unknown model %q", primary))
		return
	}
	if entries == nil {
		entries = []domain.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"model": primary,
		"logs":  entries,
	})
}

// DevicesInfo returns a live snapshot of every device plugin.
func (s *Server) DevicesInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": s.devices.Snapshot(),
	})
}
