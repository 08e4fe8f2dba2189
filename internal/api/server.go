// Package api serves the engine's admin HTTP surface: status, routing
// and lighting control, the capture index, and prometheus metrics.
package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/corazonn/amor/internal/processor"
	"github.com/corazonn/amor/internal/store"
)

// ChannelSource exposes the processor's per-channel state.
type ChannelSource interface {
	Status() []processor.ChannelStatus
}

// RouteController exposes the audio routing table.
type RouteController interface {
	SetRoute(channel, sample int) bool
	Routing() [8]int
}

// LoopController exposes ambient loop control.
type LoopController interface {
	Start(loopID int) (int, error)
	Stop(loopID int) error
	ActiveSet() []int
}

// LightingController exposes the lighting program runtime.
type LightingController interface {
	ProgramName() string
	SwitchProgram(name string) error
}

// EffectsController exposes the per-channel effect chains.
type EffectsController interface {
	Toggle(channel int, name string) error
	ActiveEffects(channel int) []string
}

// Deps are the server's collaborators. Any may be nil when its subsystem
// is disabled. Routes backed by a nil Routes, Loops, Lighting, Effects or
// Store answer 503; a nil Registry leaves /metrics unregistered, and a nil
// collaborator only omits its key from /api/status.
type Deps struct {
	Channels ChannelSource
	Routes   RouteController
	Loops    LoopController
	Lighting LightingController
	Effects  EffectsController
	Store    *store.Store
	Registry *prometheus.Registry
}

// Server is the admin HTTP handler.
type Server struct {
	deps       Deps
	logger     *slog.Logger
	adminToken string
	jwtSecret  []byte

	now func() time.Time
}

// NewServer builds the chi router. adminToken empty disables auth.
func NewServer(deps Deps, adminToken string, jwtSecret []byte, logger *slog.Logger) http.Handler {
	s := &Server{
		deps:       deps,
		logger:     logger.With("subsystem", "admin-api"),
		adminToken: adminToken,
		jwtSecret:  jwtSecret,
		now:        time.Now,
	}
	return s.router()
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.deps.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{}))
	}
	r.Post("/api/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/api/status", s.handleStatus)
		r.Get("/api/routing", s.handleRouting)
		r.Post("/api/route/{channel}", s.handleSetRoute)
		r.Get("/api/loops", s.handleLoops)
		r.Post("/api/loops/{id}/start", s.handleLoopStart)
		r.Post("/api/loops/{id}/stop", s.handleLoopStop)
		r.Get("/api/lighting/program", s.handleGetProgram)
		r.Post("/api/lighting/program", s.handleSetProgram)
		r.Get("/api/effects/{channel}", s.handleGetEffects)
		r.Post("/api/effects/{channel}/toggle", s.handleToggleEffect)
		r.Get("/api/captures", s.handleCaptures)
	})

	return r
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.adminToken == "" {
		writeError(w, http.StatusNotFound, "authentication disabled")
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Token), []byte(s.adminToken)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := issueToken(s.jwtSecret, s.now())
	if err != nil {
		s.logger.Error("issuing token", "error", err)
		writeError(w, http.StatusInternalServerError, "token issuance failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}
	if s.deps.Channels != nil {
		resp["channels"] = s.deps.Channels.Status()
	}
	if s.deps.Lighting != nil {
		resp["lighting_program"] = s.deps.Lighting.ProgramName()
	}
	if s.deps.Loops != nil {
		resp["active_loops"] = s.deps.Loops.ActiveSet()
	}
	if s.deps.Routes != nil {
		resp["routing"] = s.deps.Routes.Routing()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRouting(w http.ResponseWriter, r *http.Request) {
	if s.deps.Routes == nil {
		writeError(w, http.StatusServiceUnavailable, "audio engine disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"routing": s.deps.Routes.Routing()})
}

func (s *Server) handleSetRoute(w http.ResponseWriter, r *http.Request) {
	if s.deps.Routes == nil {
		writeError(w, http.StatusServiceUnavailable, "audio engine disabled")
		return
	}
	channel, err := strconv.Atoi(chi.URLParam(r, "channel"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid channel")
		return
	}
	var req struct {
		Sample int `json:"sample"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.deps.Routes.SetRoute(channel, req.Sample) {
		writeError(w, http.StatusBadRequest, "route rejected")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": channel, "sample": req.Sample})
}

func (s *Server) handleLoops(w http.ResponseWriter, r *http.Request) {
	if s.deps.Loops == nil {
		writeError(w, http.StatusServiceUnavailable, "audio engine disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": s.deps.Loops.ActiveSet()})
}

func (s *Server) handleLoopStart(w http.ResponseWriter, r *http.Request) {
	if s.deps.Loops == nil {
		writeError(w, http.StatusServiceUnavailable, "audio engine disabled")
		return
	}
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid loop id")
		return
	}
	ejected, err := s.deps.Loops.Start(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp := map[string]any{"started": id}
	if ejected >= 0 {
		resp["ejected"] = ejected
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLoopStop(w http.ResponseWriter, r *http.Request) {
	if s.deps.Loops == nil {
		writeError(w, http.StatusServiceUnavailable, "audio engine disabled")
		return
	}
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid loop id")
		return
	}
	if err := s.deps.Loops.Stop(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": id})
}

func (s *Server) handleGetProgram(w http.ResponseWriter, r *http.Request) {
	if s.deps.Lighting == nil {
		writeError(w, http.StatusServiceUnavailable, "lighting engine disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"program": s.deps.Lighting.ProgramName()})
}

func (s *Server) handleSetProgram(w http.ResponseWriter, r *http.Request) {
	if s.deps.Lighting == nil {
		writeError(w, http.StatusServiceUnavailable, "lighting engine disabled")
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.deps.Lighting.SwitchProgram(req.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"program": req.Name})
}

func (s *Server) handleGetEffects(w http.ResponseWriter, r *http.Request) {
	if s.deps.Effects == nil {
		writeError(w, http.StatusServiceUnavailable, "effects disabled")
		return
	}
	channel, err := strconv.Atoi(chi.URLParam(r, "channel"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid channel")
		return
	}
	active := s.deps.Effects.ActiveEffects(channel)
	if active == nil {
		active = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": channel, "effects": active})
}

func (s *Server) handleToggleEffect(w http.ResponseWriter, r *http.Request) {
	if s.deps.Effects == nil {
		writeError(w, http.StatusServiceUnavailable, "effects disabled")
		return
	}
	channel, err := strconv.Atoi(chi.URLParam(r, "channel"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid channel")
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.deps.Effects.Toggle(channel, req.Name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	active := s.deps.Effects.ActiveEffects(channel)
	writeJSON(w, http.StatusOK, map[string]any{"channel": channel, "effects": active})
}

func (s *Server) handleCaptures(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "store disabled")
		return
	}
	captures, err := s.deps.Store.ListCaptures(r.Context())
	if err != nil {
		s.logger.Error("listing captures", "error", err)
		writeError(w, http.StatusInternalServerError, "listing captures failed")
		return
	}
	if captures == nil {
		captures = []store.Capture{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"captures": captures})
}
