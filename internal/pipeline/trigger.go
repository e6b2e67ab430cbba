package pipeline

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

// ErrRunInProgress is returned while another run is active. Runs are
// strictly sequential; the trainer handles one job at a time.
var ErrRunInProgress = errors.New("a run is already in progress")

// Active reports whether a run is currently executing.
func (r *Runner) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Runner) tryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return false
	}
	r.active = true
	return true
}

func (r *Runner) release() {
	r.mu.Lock()
	r.active = false
	r.mu.Unlock()
}

// Trigger starts a run in the background and returns its id immediately.
func (r *Runner) Trigger(ctx context.Context, req RunRequest) (uuid.UUID, error) {
	if !r.tryAcquire() {
		return uuid.Nil, ErrRunInProgress
	}

	runID := uuid.New()
	go func() {
		defer r.release()
		if _, err := r.run(ctx, runID, req); err != nil {
			r.logger.Error("finetune run failed", "run_id", runID, "error", err)
		}
	}()

	return runID, nil
}

// HandleRunRequested is the NATS handler for run requests from other
// swarm agents.
func (r *Runner) HandleRunRequested(subject string, data []byte) {
	var req RunRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			r.logger.Error("failed to parse run request", "error", err)
			return
		}
	}

	runID, err := r.Trigger(context.Background(), req)
	if err != nil {
		r.logger.Warn("run request rejected", "error", err)
		return
	}
	r.logger.Info("run requested via hermes", "run_id", runID, "dry_run", req.DryRun)
}
