package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/tutor/internal/dataset"
	"github.com/MikeSquared-Agency/tutor/internal/hub"
	"github.com/MikeSquared-Agency/tutor/internal/tokens"
	"github.com/MikeSquared-Agency/tutor/internal/trainer"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubCounter counts whitespace-separated words instead of BPE tokens.
type stubCounter struct{}

func (stubCounter) Encoding() string { return "words" }

func (stubCounter) Measure(examples []dataset.Example, format dataset.FormatFunc, limit int) tokens.Stats {
	s := tokens.Stats{Examples: len(examples)}
	for _, ex := range examples {
		n := len(strings.Fields(format(ex)))
		s.Total += n
		if n > s.Max {
			s.Max = n
		}
		if limit > 0 && n > limit {
			s.OverLimit++
		}
	}
	if s.Examples > 0 {
		s.Mean = float64(s.Total) / float64(s.Examples)
	}
	return s
}

type hubDataset struct {
	examples      []dataset.Example
	conversations []string
}

// newFakeHub serves /rows for the named datasets and counts requests.
func newFakeHub(t *testing.T, datasets map[string]hubDataset, requests *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests != nil {
			requests.Add(1)
		}

		name := r.URL.Query().Get("dataset")
		ds, ok := datasets[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "dataset not found"})
			return
		}

		type hubRow struct {
			RowIdx int            `json:"row_idx"`
			Row    map[string]any `json:"row"`
		}
		var rows []hubRow
		for i, ex := range ds.examples {
			rows = append(rows, hubRow{RowIdx: i, Row: map[string]any{"prompt": ex.Prompt, "response": ex.Response}})
		}
		for i, text := range ds.conversations {
			rows = append(rows, hubRow{RowIdx: i, Row: map[string]any{"text": text}})
		}

		json.NewEncoder(w).Encode(map[string]any{
			"rows":           rows,
			"num_rows_total": len(rows),
		})
	}))
}

type submittedJob struct {
	Model        string   `json:"model"`
	Tokenizer    string   `json:"tokenizer"`
	MaxSeqLength int      `json:"max_seq_length"`
	Texts        []string `json:"texts"`
	Args         struct {
		OutputDir      string `json:"output_dir"`
		NumTrainEpochs int    `json:"num_train_epochs"`
		Optim          string `json:"optim"`
	} `json:"args"`
}

type fakeTrainer struct {
	server    *httptest.Server
	submits   atomic.Int32
	polls     atomic.Int32
	submitted submittedJob
	failJob   bool
}

func newFakeTrainer(t *testing.T) *fakeTrainer {
	t.Helper()
	ft := &fakeTrainer{}
	ft.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/devices":
			json.NewEncoder(w).Encode([]map[string]any{
				{"index": 0, "name": "NVIDIA A100", "memory_total_mb": 40960, "memory_free_mb": 39000},
			})

		case r.URL.Path == "/v1/jobs" && r.Method == http.MethodPost:
			ft.submits.Add(1)
			if err := json.NewDecoder(r.Body).Decode(&ft.submitted); err != nil {
				t.Errorf("decode submit: %v", err)
			}
			json.NewEncoder(w).Encode(map[string]string{"job_id": "job-1", "status": "queued"})

		case strings.HasPrefix(r.URL.Path, "/v1/jobs/") && r.Method == http.MethodGet:
			n := ft.polls.Add(1)
			job := map[string]string{"job_id": "job-1", "status": "running"}
			if n >= 2 {
				if ft.failJob {
					job["status"] = "failed"
					job["error"] = "CUDA out of memory"
				} else {
					job["status"] = "succeeded"
					job["checkpoint_dir"] = "./results/checkpoint-1230"
				}
			}
			json.NewEncoder(w).Encode(job)

		default:
			t.Errorf("unexpected trainer request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(ft.server.Close)
	return ft
}

func testDatasets() map[string]hubDataset {
	return map[string]hubDataset{
		"unit/instructions": {examples: []dataset.Example{
			{Prompt: "P1", Response: "R1"},
			{Prompt: "P2", Response: "R2"},
		}},
		"unit/chats": {conversations: []string{
			"### Human: Q1 ### Assistant: A1 ### Human: Q2",
		}},
	}
}

func newTestRunner(hubURL, trainerURL string) *Runner {
	cfg := Config{
		BaseModel:             "mosaicml/mpt-7b",
		PrimaryDataset:        "unit/instructions",
		ConversationalDataset: "unit/chats",
		Split:                 "train",
		OutputDir:             "./results",
		MaxSeqLength:          8,
		PollInterval:          time.Millisecond,
	}
	return New(cfg, hub.NewClient(hubURL), trainer.NewClient(trainerURL), nil, nil, stubCounter{}, discardLogger())
}

func waitInactive(t *testing.T, r *Runner) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !r.Active() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("runner still active")
}

func TestRun_FullPass(t *testing.T) {
	hubSrv := newFakeHub(t, testDatasets(), nil)
	defer hubSrv.Close()
	ft := newFakeTrainer(t)

	r := newTestRunner(hubSrv.URL, ft.server.URL)
	result, err := r.Run(context.Background(), RunRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Status != "succeeded" {
		t.Errorf("status = %q, want succeeded", result.Status)
	}
	if result.JobID != "job-1" {
		t.Errorf("job id = %q, want job-1", result.JobID)
	}
	if result.CheckpointDir != "./results/checkpoint-1230" {
		t.Errorf("checkpoint dir = %q", result.CheckpointDir)
	}
	if result.PrimaryCount != 2 || result.ConversationalCount != 1 || result.ExampleCount != 3 {
		t.Errorf("counts = %d/%d/%d, want 2/1/3",
			result.PrimaryCount, result.ConversationalCount, result.ExampleCount)
	}
	if result.Stats.Examples != 3 {
		t.Errorf("stats examples = %d, want 3", result.Stats.Examples)
	}
	if result.Duration <= 0 {
		t.Error("expected positive duration")
	}

	if ft.submits.Load() != 1 {
		t.Fatalf("submits = %d, want 1", ft.submits.Load())
	}
	sub := ft.submitted
	if sub.Model != "mosaicml/mpt-7b" {
		t.Errorf("model = %q", sub.Model)
	}
	if sub.Tokenizer != "mosaicml/mpt-7b" {
		t.Errorf("tokenizer = %q, want base model fallback", sub.Tokenizer)
	}
	if sub.MaxSeqLength != 8 {
		t.Errorf("max_seq_length = %d, want 8", sub.MaxSeqLength)
	}
	if sub.Args.NumTrainEpochs != 6 || sub.Args.Optim != "adamw_torch" || sub.Args.OutputDir != "./results" {
		t.Errorf("args = %+v", sub.Args)
	}

	if len(sub.Texts) != 3 {
		t.Fatalf("len(texts) = %d, want 3", len(sub.Texts))
	}
	if sub.Texts[0] != "P1\nR1" || sub.Texts[1] != "P2\nR2" {
		t.Errorf("primary texts = %q", sub.Texts[:2])
	}
	if !strings.HasPrefix(sub.Texts[2], "Below is an instruction") {
		t.Errorf("normalized text missing template: %q", sub.Texts[2])
	}
	if !strings.HasSuffix(sub.Texts[2], "### Response: \nA1 ") {
		t.Errorf("normalized text tail = %q", sub.Texts[2])
	}
}

func TestRun_DryRun(t *testing.T) {
	hubSrv := newFakeHub(t, testDatasets(), nil)
	defer hubSrv.Close()
	ft := newFakeTrainer(t)

	r := newTestRunner(hubSrv.URL, ft.server.URL)
	result, err := r.Run(context.Background(), RunRequest{DryRun: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Status != StatusPrepared {
		t.Errorf("status = %q, want %q", result.Status, StatusPrepared)
	}
	if result.JobID != "" {
		t.Errorf("job id = %q, want empty", result.JobID)
	}
	if result.ExampleCount != 3 {
		t.Errorf("example count = %d, want 3", result.ExampleCount)
	}
	if ft.submits.Load() != 0 {
		t.Errorf("submits = %d, want 0 for dry run", ft.submits.Load())
	}
}

func TestRun_MalformedConversationFails(t *testing.T) {
	datasets := testDatasets()
	datasets["unit/chats"] = hubDataset{conversations: []string{"### Human: no answer here"}}
	hubSrv := newFakeHub(t, datasets, nil)
	defer hubSrv.Close()
	ft := newFakeTrainer(t)

	r := newTestRunner(hubSrv.URL, ft.server.URL)
	_, err := r.Run(context.Background(), RunRequest{})
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	if !strings.Contains(err.Error(), "mix datasets") {
		t.Errorf("error does not name the stage: %v", err)
	}
	var malformed *dataset.MalformedRecordError
	if !errors.As(err, &malformed) {
		t.Errorf("expected MalformedRecordError in chain, got %v", err)
	}
	if ft.submits.Load() != 0 {
		t.Errorf("submits = %d, want 0 after failed mix", ft.submits.Load())
	}
}

func TestRun_TrainingFailure(t *testing.T) {
	hubSrv := newFakeHub(t, testDatasets(), nil)
	defer hubSrv.Close()
	ft := newFakeTrainer(t)
	ft.failJob = true

	r := newTestRunner(hubSrv.URL, ft.server.URL)
	_, err := r.Run(context.Background(), RunRequest{})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "training failed") {
		t.Errorf("unexpected error: %v", err)
	}
	if !strings.Contains(err.Error(), "CUDA out of memory") {
		t.Errorf("error lost the trainer message: %v", err)
	}
}

func TestRun_HubError(t *testing.T) {
	hubSrv := newFakeHub(t, map[string]hubDataset{}, nil)
	defer hubSrv.Close()
	ft := newFakeTrainer(t)

	r := newTestRunner(hubSrv.URL, ft.server.URL)
	_, err := r.Run(context.Background(), RunRequest{})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "fetch primary dataset") {
		t.Errorf("error does not name the stage: %v", err)
	}
}

func TestWithDefaults(t *testing.T) {
	r := newTestRunner("http://hub", "http://trainer")

	req := r.withDefaults(RunRequest{})
	if req.BaseModel != "mosaicml/mpt-7b" {
		t.Errorf("base model = %q", req.BaseModel)
	}
	if req.Tokenizer != "mosaicml/mpt-7b" {
		t.Errorf("tokenizer = %q, want base model fallback", req.Tokenizer)
	}
	if req.PrimaryDataset != "unit/instructions" || req.ConversationalDataset != "unit/chats" {
		t.Errorf("datasets = %q/%q", req.PrimaryDataset, req.ConversationalDataset)
	}
	if req.Split != "train" || req.MaxSeqLength != 8 {
		t.Errorf("split/max = %q/%d", req.Split, req.MaxSeqLength)
	}

	req = r.withDefaults(RunRequest{BaseModel: "custom/model", MaxSeqLength: 512})
	if req.BaseModel != "custom/model" {
		t.Errorf("base model = %q, want custom/model", req.BaseModel)
	}
	if req.Tokenizer != "custom/model" {
		t.Errorf("tokenizer = %q, want custom/model", req.Tokenizer)
	}
	if req.MaxSeqLength != 512 {
		t.Errorf("max seq length = %d, want 512", req.MaxSeqLength)
	}
}

func TestPreview(t *testing.T) {
	if got := preview("short\ntext"); got != "short text" {
		t.Errorf("preview = %q", got)
	}
	long := strings.Repeat("x", 250)
	if got := preview(long); len(got) != 100 {
		t.Errorf("len(preview) = %d, want 100", len(got))
	}
}
