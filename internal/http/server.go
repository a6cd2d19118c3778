package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ulule/limiter/v3"
	"go.uber.org/zap"

	"github.com/example/emergency-dispatch/internal/auth"
	"github.com/example/emergency-dispatch/internal/dispatch"
	"github.com/example/emergency-dispatch/internal/geo"
	"github.com/example/emergency-dispatch/internal/logging"
	"github.com/example/emergency-dispatch/internal/models"
	"github.com/example/emergency-dispatch/internal/notify"
	"github.com/example/emergency-dispatch/internal/storage"
)

// LocationPublisher forwards location fixes and withdrawals to the shared
// stream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, kind geo.Kind, s models.LocationSample) error
	RemoveLocation(ctx context.Context, kind geo.Kind, userID string) error
}

// ReadyCheck reports whether a backend is reachable.
type ReadyCheck func(ctx context.Context) error

// Options carries the server's collaborators. Engine, Profiles, Geo, Hub and
// Verifier are required; Locations, Limiter and Checks are optional.
type Options struct {
	Engine    *dispatch.Engine
	Profiles  storage.ProfileStore
	Geo       geo.Index
	Hub       *notify.Hub
	Locations LocationPublisher
	Verifier  *auth.Verifier
	Limiter   *limiter.Limiter
	Checks    map[string]ReadyCheck
	Logger    *zap.SugaredLogger

	DefaultRadiusMeters float64
	SSEKeepalive        time.Duration
	Now                 func() time.Time
}

type Server struct {
	engine    *dispatch.Engine
	profiles  storage.ProfileStore
	geo       geo.Index
	hub       *notify.Hub
	locations LocationPublisher
	verifier  *auth.Verifier
	limiter   *limiter.Limiter
	checks    map[string]ReadyCheck
	logger    *zap.SugaredLogger

	defaultRadius float64
	sseKeepalive  time.Duration
	now           func() time.Time
	mux           *mux.Router
}

func NewServer(opts Options) *Server {
	s := &Server{
		engine:        opts.Engine,
		profiles:      opts.Profiles,
		geo:           opts.Geo,
		hub:           opts.Hub,
		locations:     opts.Locations,
		verifier:      opts.Verifier,
		limiter:       opts.Limiter,
		checks:        opts.Checks,
		logger:        opts.Logger,
		defaultRadius: opts.DefaultRadiusMeters,
		sseKeepalive:  opts.SSEKeepalive,
		now:           opts.Now,
		mux:           mux.NewRouter(),
	}
	if s.logger == nil {
		s.logger = logging.Nop()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.defaultRadius <= 0 {
		s.defaultRadius = dispatch.DefaultRadiusMeters
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)

	api.Handle("/emergencies", s.rateLimited("emergencies", http.HandlerFunc(s.handleCreateEmergency))).Methods("POST")
	api.HandleFunc("/emergencies", s.handleListEmergencies).Methods("GET")
	api.HandleFunc("/emergencies/{id}", s.handleGetEmergency).Methods("GET")
	api.HandleFunc("/emergencies/{id}", s.handleUpdateEmergency).Methods("PATCH")

	api.HandleFunc("/responders", s.handleNearbyResponders).Methods("GET")
	api.HandleFunc("/hospitals", s.handleNearbyHospitals).Methods("GET")
	api.HandleFunc("/hospitals", s.handleRegisterHospital).Methods("POST")
	api.HandleFunc("/hospitals/{id}/capacity", s.handleAdjustCapacity).Methods("PATCH")

	api.HandleFunc("/users", s.handleCreateUser).Methods("POST")
	api.HandleFunc("/users/me", s.handleGetMe).Methods("GET")
	api.HandleFunc("/users/me/medical-profile", s.handlePutMedicalProfile).Methods("PUT")
	api.HandleFunc("/users/me/location", s.handlePutLocation).Methods("PUT")
	api.HandleFunc("/users/me/location", s.handleDeleteLocation).Methods("DELETE")

	api.HandleFunc("/subscribe/ws", s.handleSubscribeWS).Methods("GET")
	api.HandleFunc("/subscribe/sse", s.handleSubscribeSSE).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		s.logger.Warnw("readiness check failed", "failed", failed)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
