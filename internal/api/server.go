// Package api serves the HTTP control surface: status, engine start and
// stop, runtime settings, presets, device commands and the narration feed.
package api

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/pulsebed/internal/companion"
	"github.com/banshee-data/pulsebed/internal/config"
	"github.com/banshee-data/pulsebed/internal/db"
	"github.com/banshee-data/pulsebed/internal/engine"
	"github.com/banshee-data/pulsebed/internal/monitoring"
	"github.com/banshee-data/pulsebed/internal/ring"
	"github.com/banshee-data/pulsebed/internal/state"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const maxBodySize = 1 << 20

// Engine is the scheduler surface the API drives. *engine.Engine
// satisfies it.
type Engine interface {
	Start() error
	Stop()
	Status() engine.Status
	Apply(engine.Settings)
}

// Vitals exposes the aggregated physiological state.
type Vitals interface {
	Snapshot() state.Snapshot
}

// Ring is the connected ring session. *ring.Session satisfies it.
type Ring interface {
	Connected() bool
	Streaming() bool
	Stats() ring.Stats
	LastDirectHeartRate() time.Time
	SendHeartRateRequest() error
}

// Companion is the vibration companion. *companion.Controller satisfies it.
type Companion interface {
	SetMode(ctx context.Context, mode int) error
	SetStrength(ctx context.Context, v byte) error
	SetInterval(ctx context.Context, v byte) error
	Status() companion.Status
}

// Options wires a Server. Only Engine is required; routes backed by a nil
// dependency answer 503.
type Options struct {
	Engine    Engine
	Vitals    Vitals
	Ring      Ring
	Companion Companion
	DB        *db.DB
	Feed      *monitoring.Feed

	// Settings are the settings in effect at startup.
	Settings *config.Settings
	// OnSettings runs after settings change through the API.
	OnSettings func(*config.Settings)
}

type Server struct {
	engine     Engine
	vitals     Vitals
	ring       Ring
	companion  Companion
	db         *db.DB
	feed       *monitoring.Feed
	onSettings func(*config.Settings)

	mu       sync.Mutex
	settings *config.Settings
}

func NewServer(opts Options) *Server {
	settings := config.DefaultSettings().Merge(opts.Settings)
	return &Server{
		engine:     opts.Engine,
		vitals:     opts.Vitals,
		ring:       opts.Ring,
		companion:  opts.Companion,
		db:         opts.DB,
		feed:       opts.Feed,
		onSettings: opts.OnSettings,
		settings:   settings,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.showStatus)
	mux.HandleFunc("POST /api/engine/start", s.startEngine)
	mux.HandleFunc("POST /api/engine/stop", s.stopEngine)
	mux.HandleFunc("GET /api/settings", s.showSettings)
	mux.HandleFunc("PUT /api/settings", s.updateSettings)
	mux.HandleFunc("GET /api/presets", s.listPresets)
	mux.HandleFunc("POST /api/presets", s.savePreset)
	mux.HandleFunc("POST /api/presets/{name}/apply", s.applyPreset)
	mux.HandleFunc("DELETE /api/presets/{name}", s.deletePreset)
	mux.HandleFunc("GET /api/devices", s.listDevices)
	mux.HandleFunc("DELETE /api/devices/{id}", s.deleteDevice)
	mux.HandleFunc("POST /api/ring/hr-request", s.requestHeartRate)
	mux.HandleFunc("POST /api/companion/mode", s.setCompanionMode)
	mux.HandleFunc("GET /api/narration", s.streamNarration)
	mux.HandleFunc("GET /api/narration/recent", s.recentNarration)
	return mux
}

// Settings returns the settings in effect.
func (s *Server) Settings() *config.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// ApplySettings merges patch into the settings in effect and pushes the
// engine controls to the engine. It is also the hook for file reloads.
func (s *Server) ApplySettings(patch *config.Settings) *config.Settings {
	s.mu.Lock()
	merged := s.settings.Merge(patch)
	s.settings = merged
	s.mu.Unlock()

	s.engine.Apply(merged.Engine())
	if s.onSettings != nil {
		s.onSettings(merged)
	}
	return merged
}
