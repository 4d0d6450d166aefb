package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/banshee-data/pulsebed/internal/config"
	"github.com/banshee-data/pulsebed/internal/db"
	"github.com/banshee-data/pulsebed/internal/httputil"
)

// PresetRequest is the body of POST /api/presets. Without settings the
// settings in effect are saved.
type PresetRequest struct {
	Name     string          `json:"name"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

func (s *Server) listPresets(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	presets, err := s.db.GetPresets()
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if presets == nil {
		presets = []db.Preset{}
	}
	httputil.WriteJSONOK(w, presets)
}

func (s *Server) savePreset(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	var req PresetRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Name == "" {
		httputil.BadRequest(w, "name is required")
		return
	}

	settings := s.Settings()
	if len(req.Settings) > 0 {
		parsed, err := config.ParseSettings(req.Settings)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		settings = parsed
	}
	if err := s.db.SavePreset(req.Name, settings); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	p, err := s.db.GetPreset(req.Name)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, p)
}

func (s *Server) applyPreset(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	p, err := s.db.ActivatePreset(r.PathValue("name"))
	if errors.Is(err, db.ErrPresetNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, s.ApplySettings(p.Settings))
}

func (s *Server) deletePreset(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	err := s.db.DeletePreset(r.PathValue("name"))
	if errors.Is(err, db.ErrPresetNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
