package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
)

func TestTrigger_OnlyOneRunAtATime(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})

	// Hub that blocks until released, holding the run active.
	hubSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release

		json.NewEncoder(w).Encode(map[string]any{
			"rows":           []any{},
			"num_rows_total": 0,
		})
	}))
	defer hubSrv.Close()
	ft := newFakeTrainer(t)

	r := newTestRunner(hubSrv.URL, ft.server.URL)

	runID, err := r.Trigger(context.Background(), RunRequest{DryRun: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runID == uuid.Nil {
		t.Fatal("expected a run id")
	}

	<-started
	if !r.Active() {
		t.Error("expected runner active while run in flight")
	}

	_, err = r.Trigger(context.Background(), RunRequest{})
	if !errors.Is(err, ErrRunInProgress) {
		t.Errorf("expected ErrRunInProgress, got %v", err)
	}

	close(release)
	waitInactive(t, r)
}

func TestRun_RejectedWhileActive(t *testing.T) {
	r := newTestRunner("http://unused", "http://unused")
	if !r.tryAcquire() {
		t.Fatal("expected to acquire idle runner")
	}
	defer r.release()

	_, err := r.Run(context.Background(), RunRequest{})
	if !errors.Is(err, ErrRunInProgress) {
		t.Errorf("expected ErrRunInProgress, got %v", err)
	}
}

func TestHandleRunRequested(t *testing.T) {
	var hubRequests atomic.Int32
	hubSrv := newFakeHub(t, testDatasets(), &hubRequests)
	defer hubSrv.Close()
	ft := newFakeTrainer(t)

	r := newTestRunner(hubSrv.URL, ft.server.URL)

	payload, _ := json.Marshal(RunRequest{DryRun: true})
	r.HandleRunRequested("swarm.tutor.run.requested", payload)

	waitInactive(t, r)
	if hubRequests.Load() == 0 {
		t.Error("expected the handler to start a run")
	}
	if ft.submits.Load() != 0 {
		t.Errorf("submits = %d, want 0 for dry-run request", ft.submits.Load())
	}
}

func TestHandleRunRequested_BadPayload(t *testing.T) {
	var hubRequests atomic.Int32
	hubSrv := newFakeHub(t, testDatasets(), &hubRequests)
	defer hubSrv.Close()
	ft := newFakeTrainer(t)

	r := newTestRunner(hubSrv.URL, ft.server.URL)
	r.HandleRunRequested("swarm.tutor.run.requested", []byte("{not json"))

	if r.Active() {
		t.Error("expected no run for malformed payload")
	}
	if hubRequests.Load() != 0 {
		t.Errorf("hub requests = %d, want 0", hubRequests.Load())
	}
}
