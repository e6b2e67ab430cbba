package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/tutor/internal/pipeline"
)

// createRun handles POST /api/v1/tutor/runs. An empty body starts a run
// with the configured defaults.
func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req pipeline.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, fmt.Sprintf(`{"error":"invalid JSON: %v"}`, err), http.StatusBadRequest)
		return
	}

	// The run outlives this request; it is cancelled only by shutdown.
	runID, err := s.runner.Trigger(context.Background(), req)
	if err != nil {
		if errors.Is(err, pipeline.ErrRunInProgress) {
			http.Error(w, `{"error":"a run is already in progress"}`, http.StatusConflict)
			return
		}
		http.Error(w, fmt.Sprintf(`{"error":"trigger failed: %v"}`, err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"run_id": runID.String(),
		"status": "accepted",
	})
}

// getRun handles GET /api/v1/tutor/runs/{id}.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error":"invalid run id"}`, http.StatusBadRequest)
		return
	}

	if s.store == nil {
		http.Error(w, `{"error":"store not configured"}`, http.StatusServiceUnavailable)
		return
	}

	rec, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		http.Error(w, `{"error":"run not found"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

// listRuns handles GET /api/v1/tutor/runs.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, `{"error":"store not configured"}`, http.StatusServiceUnavailable)
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
			return
		}
		if n > 100 {
			n = 100
		}
		limit = n
	}

	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error":"list runs: %v"}`, err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}
