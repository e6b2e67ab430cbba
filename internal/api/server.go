package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/tutor/internal/pipeline"
	"github.com/MikeSquared-Agency/tutor/internal/store"
)

// RunTrigger starts finetune runs. Satisfied by *pipeline.Runner.
type RunTrigger interface {
	Trigger(ctx context.Context, req pipeline.RunRequest) (uuid.UUID, error)
	Active() bool
}

type Server struct {
	router   *chi.Mux
	port     int
	apiToken string
	store    *store.Store
	runner   RunTrigger
}

func NewServer(port int, apiToken string, db *store.Store, runner RunTrigger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:   router,
		port:     port,
		apiToken: apiToken,
		store:    db,
		runner:   runner,
	}

	router.Get("/health", s.health)
	router.Get("/api/v1/tutor/status", s.status)
	router.Route("/api/v1/tutor/runs", func(r chi.Router) {
		r.Get("/", s.listRuns)
		r.Get("/{id}", s.getRun)
		r.With(BearerAuthMiddleware(apiToken)).Post("/", s.createRun)
	})

	return s
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	slog.Info("API server starting", "addr", addr)
	return http.ListenAndServe(addr, s.router)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	state := "standby"
	if s.runner != nil && s.runner.Active() {
		state = "training"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"agent":  "tutor",
		"status": state,
	})
}

// BearerAuthMiddleware rejects requests without the configured bearer
// token. An empty token disables the check.
func BearerAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			if r.Header.Get("Authorization") != "Bearer "+token {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
