package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/banshee-data/pulsebed/internal/companion"
	"github.com/banshee-data/pulsebed/internal/config"
	"github.com/banshee-data/pulsebed/internal/db"
	"github.com/banshee-data/pulsebed/internal/engine"
	"github.com/banshee-data/pulsebed/internal/httputil"
	"github.com/banshee-data/pulsebed/internal/monitoring"
	"github.com/banshee-data/pulsebed/internal/ring"
	"github.com/banshee-data/pulsebed/internal/state"
)

// RingStatus is the ring part of a status response.
type RingStatus struct {
	Connected    bool       `json:"connected"`
	Streaming    bool       `json:"streaming"`
	LastDirectHR *time.Time `json:"last_direct_hr,omitempty"`
	Stats        ring.Stats `json:"stats"`
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Engine    engine.Status     `json:"engine"`
	Vitals    *state.Snapshot   `json:"vitals,omitempty"`
	Ring      *RingStatus       `json:"ring,omitempty"`
	Companion *companion.Status `json:"companion,omitempty"`
}

func (s *Server) status() StatusResponse {
	resp := StatusResponse{Engine: s.engine.Status()}
	if s.vitals != nil {
		snap := s.vitals.Snapshot()
		resp.Vitals = &snap
	}
	if s.ring != nil {
		rs := &RingStatus{
			Connected: s.ring.Connected(),
			Streaming: s.ring.Streaming(),
			Stats:     s.ring.Stats(),
		}
		if t := s.ring.LastDirectHeartRate(); !t.IsZero() {
			rs.LastDirectHR = &t
		}
		resp.Ring = rs
	}
	if s.companion != nil {
		cs := s.companion.Status()
		resp.Companion = &cs
	}
	return resp
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.status())
}

func (s *Server) startEngine(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Start(); err != nil {
		if errors.Is(err, engine.ErrNoTracks) {
			httputil.Conflict(w, err.Error())
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, s.engine.Status())
}

func (s *Server) stopEngine(w http.ResponseWriter, r *http.Request) {
	s.engine.Stop()
	httputil.WriteJSONOK(w, s.engine.Status())
}

func (s *Server) showSettings(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.Settings())
}

func readSettings(w http.ResponseWriter, r *http.Request) (*config.Settings, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if len(data) == 0 {
		return config.EmptySettings(), nil
	}
	return config.ParseSettings(data)
}

func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	patch, err := readSettings(w, r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, s.ApplySettings(patch))
}

func (s *Server) requestHeartRate(w http.ResponseWriter, r *http.Request) {
	if s.ring == nil || !s.ring.Connected() {
		httputil.ServiceUnavailable(w, "ring not connected")
		return
	}
	if err := s.ring.SendHeartRateRequest(); err != nil {
		httputil.WriteJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]bool{"requested": true})
}

// CompanionRequest is the body of POST /api/companion/mode. Only the fields
// present are written, mode first.
type CompanionRequest struct {
	Mode     *int  `json:"mode,omitempty"`
	Strength *byte `json:"strength,omitempty"`
	Interval *byte `json:"interval,omitempty"`
}

func (s *Server) setCompanionMode(w http.ResponseWriter, r *http.Request) {
	if s.companion == nil {
		httputil.ServiceUnavailable(w, companion.ErrNotConnected.Error())
		return
	}
	var req CompanionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Mode == nil && req.Strength == nil && req.Interval == nil {
		httputil.BadRequest(w, "mode, strength or interval is required")
		return
	}

	ctx := r.Context()
	var err error
	if req.Mode != nil {
		err = s.companion.SetMode(ctx, *req.Mode)
	}
	if err == nil && req.Strength != nil {
		err = s.companion.SetStrength(ctx, *req.Strength)
	}
	if err == nil && req.Interval != nil {
		err = s.companion.SetInterval(ctx, *req.Interval)
	}
	switch {
	case errors.Is(err, companion.ErrInvalidMode):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, companion.ErrNotConnected):
		httputil.ServiceUnavailable(w, err.Error())
	case err != nil:
		httputil.WriteJSONError(w, http.StatusBadGateway, err.Error())
	default:
		httputil.WriteJSONOK(w, s.companion.Status())
	}
}

func (s *Server) streamNarration(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		httputil.ServiceUnavailable(w, "narration disabled")
		return
	}
	id, lines := s.feed.Subscribe()
	defer s.feed.Unsubscribe(id)
	httputil.StreamEvents(w, r, lines, func(l monitoring.Line) string {
		b, err := json.Marshal(l)
		if err != nil {
			return l.String()
		}
		return string(b)
	})
}

func (s *Server) recentNarration(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		httputil.WriteJSONOK(w, []monitoring.Line{})
		return
	}
	httputil.WriteJSONOK(w, s.feed.Recent(0))
}

func (s *Server) requireDB(w http.ResponseWriter) bool {
	if s.db == nil {
		httputil.ServiceUnavailable(w, "storage disabled")
		return false
	}
	return true
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	devices, err := s.db.GetDevices()
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if devices == nil {
		devices = []db.Device{}
	}
	httputil.WriteJSONOK(w, devices)
}

func (s *Server) deleteDevice(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	err := s.db.DeleteDevice(r.PathValue("id"))
	if errors.Is(err, db.ErrDeviceNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
