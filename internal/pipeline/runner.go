package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/tutor/internal/dataset"
	"github.com/MikeSquared-Agency/tutor/internal/hermes"
	"github.com/MikeSquared-Agency/tutor/internal/hub"
	"github.com/MikeSquared-Agency/tutor/internal/slack"
	"github.com/MikeSquared-Agency/tutor/internal/store"
	"github.com/MikeSquared-Agency/tutor/internal/tokens"
	"github.com/MikeSquared-Agency/tutor/internal/trainer"
)

// Config holds the runner's defaults for new runs.
type Config struct {
	BaseModel             string
	PrimaryDataset        string
	ConversationalDataset string
	Split                 string
	OutputDir             string
	MaxSeqLength          int
	PollInterval          time.Duration
	SlackToken            string // optional: Slack bot token for run summaries
	SlackChannel          string // optional: Slack channel for run summaries
}

// TokenCounter measures formatted examples. Satisfied by *tokens.Counter.
type TokenCounter interface {
	Measure(examples []dataset.Example, format dataset.FormatFunc, limit int) tokens.Stats
	Encoding() string
}

// Runner orchestrates one finetune run at a time: fetch both datasets,
// normalize and mix them, persist the manifest, hand the texts to the
// trainer, and watch the job to its terminal state.
type Runner struct {
	cfg     Config
	hub     *hub.Client
	trainer *trainer.Client
	store   *store.Store   // optional; nil skips persistence
	hermes  *hermes.Client // optional; nil skips events
	slack   *slack.Poster
	counter TokenCounter
	logger  *slog.Logger

	mu     sync.Mutex
	active bool
}

// New creates a runner. hubClient, trainerClient, and counter are required;
// st and hc may be nil.
func New(cfg Config, hubClient *hub.Client, trainerClient *trainer.Client, st *store.Store, hc *hermes.Client, counter TokenCounter, logger *slog.Logger) *Runner {
	r := &Runner{
		cfg:     cfg,
		hub:     hubClient,
		trainer: trainerClient,
		store:   st,
		hermes:  hc,
		counter: counter,
		logger:  logger,
	}

	// Set up optional Slack poster for run summaries.
	if cfg.SlackToken != "" && cfg.SlackChannel != "" {
		r.slack = slack.NewPoster(cfg.SlackToken, cfg.SlackChannel, logger)
	}

	return r
}

// RunRequest selects what a run trains on. Zero fields fall back to the
// configured defaults; Tokenizer falls back to the base model.
type RunRequest struct {
	BaseModel             string `json:"base_model,omitempty"`
	Tokenizer             string `json:"tokenizer,omitempty"`
	PrimaryDataset        string `json:"primary_dataset,omitempty"`
	ConversationalDataset string `json:"conversational_dataset,omitempty"`
	Split                 string `json:"split,omitempty"`
	MaxSeqLength          int    `json:"max_seq_length,omitempty"`
	DryRun                bool   `json:"dry_run,omitempty"`
}

// StatusPrepared is the result status of a dry run: dataset built and
// measured, nothing submitted.
const StatusPrepared = "prepared"

// RunResult summarises a completed pass.
type RunResult struct {
	RunID               uuid.UUID
	Status              string
	JobID               string
	CheckpointDir       string
	PrimaryCount        int
	ConversationalCount int
	ExampleCount        int
	Duplicates          int
	Stats               tokens.Stats
	Duration            time.Duration
	DryRun              bool
}

func (r *Runner) withDefaults(req RunRequest) RunRequest {
	if req.BaseModel == "" {
		req.BaseModel = r.cfg.BaseModel
	}
	if req.Tokenizer == "" {
		req.Tokenizer = req.BaseModel
	}
	if req.PrimaryDataset == "" {
		req.PrimaryDataset = r.cfg.PrimaryDataset
	}
	if req.ConversationalDataset == "" {
		req.ConversationalDataset = r.cfg.ConversationalDataset
	}
	if req.Split == "" {
		req.Split = r.cfg.Split
	}
	if req.MaxSeqLength == 0 {
		req.MaxSeqLength = r.cfg.MaxSeqLength
	}
	return req
}

// Run executes one full pass synchronously. Only one run may be active at
// a time.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if !r.tryAcquire() {
		return nil, ErrRunInProgress
	}
	defer r.release()

	return r.run(ctx, uuid.New(), req)
}

func (r *Runner) run(ctx context.Context, runID uuid.UUID, req RunRequest) (*RunResult, error) {
	req = r.withDefaults(req)
	start := time.Now()

	r.logger.Info("finetune run starting",
		"run_id", runID,
		"base_model", req.BaseModel,
		"primary_dataset", req.PrimaryDataset,
		"conversational_dataset", req.ConversationalDataset,
		"split", req.Split,
		"dry_run", req.DryRun,
	)

	r.logDevices(ctx, "before training")

	if r.persisting(req) {
		rec := &store.RunRecord{
			ID:                    runID,
			BaseModel:             req.BaseModel,
			PrimaryDataset:        req.PrimaryDataset,
			ConversationalDataset: req.ConversationalDataset,
			MaxSeqLength:          req.MaxSeqLength,
		}
		if err := r.store.CreateRun(ctx, rec); err != nil {
			return nil, r.fail(ctx, runID, req, "", start, fmt.Errorf("create run: %w", err))
		}
	}

	// Fetch both sources in dataset order.
	primary, err := r.hub.FetchExamples(ctx, req.PrimaryDataset, req.Split)
	if err != nil {
		return nil, r.fail(ctx, runID, req, "", start, fmt.Errorf("fetch primary dataset: %w", err))
	}
	r.logger.Info("primary dataset fetched", "dataset", req.PrimaryDataset, "examples", len(primary))
	if len(primary) > 0 {
		r.logger.Info("primary head", "text", preview(dataset.Format(primary[0])))
	}

	conversations, err := r.hub.FetchConversations(ctx, req.ConversationalDataset, req.Split)
	if err != nil {
		return nil, r.fail(ctx, runID, req, "", start, fmt.Errorf("fetch conversational dataset: %w", err))
	}
	r.logger.Info("conversational dataset fetched", "dataset", req.ConversationalDataset, "conversations", len(conversations))
	if len(conversations) > 0 {
		r.logger.Info("conversational head", "text", preview(conversations[0]))
	}

	// Normalize and mix.
	mixed, err := dataset.Mix(primary, conversations)
	if err != nil {
		return nil, r.fail(ctx, runID, req, "", start, fmt.Errorf("mix datasets: %w", err))
	}

	dupes := dataset.Duplicates(mixed)
	stats := r.counter.Measure(mixed, dataset.Format, req.MaxSeqLength)

	r.logger.Info("dataset mixed",
		"primary", len(primary),
		"conversational", len(conversations),
		"total", len(mixed),
		"duplicates", dupes,
		"total_tokens", stats.Total,
		"max_tokens", stats.Max,
		"mean_tokens", stats.Mean,
		"encoding", r.counter.Encoding(),
	)
	if len(mixed) > 0 {
		r.logger.Info("mixed dataset sample",
			"first", preview(dataset.Format(mixed[0])),
			"last", preview(dataset.Format(mixed[len(mixed)-1])),
		)
	}
	if stats.OverLimit > 0 {
		r.logger.Warn("examples exceed sequence cap, trainer will truncate",
			"over_limit", stats.OverLimit,
			"max_seq_length", req.MaxSeqLength,
		)
	}

	r.publish(hermes.SubjectDatasetMixed, hermes.RunEvent{
		RunID:               runID.String(),
		BaseModel:           req.BaseModel,
		Status:              store.RunPreparing,
		PrimaryCount:        len(primary),
		ConversationalCount: len(conversations),
		ExampleCount:        len(mixed),
		TotalTokens:         stats.Total,
	})

	if r.persisting(req) {
		if err := r.store.WriteExamples(ctx, runID, mixed, len(primary)); err != nil {
			return nil, r.fail(ctx, runID, req, "", start, fmt.Errorf("persist examples: %w", err))
		}
		if err := r.store.MarkMixed(ctx, runID, len(primary), len(conversations), len(mixed), stats.Total, stats.OverLimit); err != nil {
			return nil, r.fail(ctx, runID, req, "", start, fmt.Errorf("mark mixed: %w", err))
		}
	}

	result := &RunResult{
		RunID:               runID,
		PrimaryCount:        len(primary),
		ConversationalCount: len(conversations),
		ExampleCount:        len(mixed),
		Duplicates:          dupes,
		Stats:               stats,
		DryRun:              req.DryRun,
	}

	if req.DryRun {
		result.Status = StatusPrepared
		result.Duration = time.Since(start)
		r.logger.Info("dry run complete",
			"run_id", runID,
			"examples", len(mixed),
			"duration", result.Duration.Round(time.Millisecond),
		)
		return result, nil
	}

	// Hand the formatted texts to the trainer.
	spec := trainer.JobSpec{
		BaseModel:    req.BaseModel,
		Tokenizer:    req.Tokenizer,
		MaxSeqLength: req.MaxSeqLength,
		Args:         trainer.DefaultArguments(r.cfg.OutputDir),
	}
	job, err := r.trainer.SubmitJob(ctx, spec, mixed, dataset.Format)
	if err != nil {
		return nil, r.fail(ctx, runID, req, "", start, fmt.Errorf("submit job: %w", err))
	}
	r.logger.Info("training job submitted", "run_id", runID, "job_id", job.ID, "status", job.Status)

	if r.persisting(req) {
		if err := r.store.SetRunJob(ctx, runID, job.ID); err != nil {
			return nil, r.fail(ctx, runID, req, job.ID, start, fmt.Errorf("record job: %w", err))
		}
	}

	r.publish(hermes.SubjectRunStarted, hermes.RunEvent{
		RunID:        runID.String(),
		BaseModel:    req.BaseModel,
		Status:       store.RunTraining,
		JobID:        job.ID,
		ExampleCount: len(mixed),
		TotalTokens:  stats.Total,
	})

	job, err = r.trainer.WaitJob(ctx, job.ID, r.cfg.PollInterval)
	if err != nil {
		return nil, r.fail(ctx, runID, req, job.ID, start, fmt.Errorf("wait for job: %w", err))
	}
	if job.Status == trainer.StatusFailed {
		return nil, r.fail(ctx, runID, req, job.ID, start, fmt.Errorf("training failed: %s", job.Error))
	}

	if r.persisting(req) {
		if err := r.store.FinishRun(ctx, runID, store.RunSucceeded, job.CheckpointDir, ""); err != nil {
			r.logger.Error("failed to record run success", "run_id", runID, "error", err)
		}
	}

	result.Status = store.RunSucceeded
	result.JobID = job.ID
	result.CheckpointDir = job.CheckpointDir
	result.Duration = time.Since(start)

	r.logDevices(ctx, "after training")

	evt := hermes.RunEvent{
		RunID:               runID.String(),
		BaseModel:           req.BaseModel,
		Status:              store.RunSucceeded,
		JobID:               job.ID,
		PrimaryCount:        len(primary),
		ConversationalCount: len(conversations),
		ExampleCount:        len(mixed),
		TotalTokens:         stats.Total,
		CheckpointDir:       job.CheckpointDir,
	}
	r.publish(hermes.SubjectRunCompleted, evt)
	r.postSummary(ctx, evt, result.Duration)

	r.logger.Info("finetune run complete",
		"run_id", runID,
		"job_id", job.ID,
		"checkpoint_dir", job.CheckpointDir,
		"examples", len(mixed),
		"duration", result.Duration.Round(time.Second),
	)

	return result, nil
}

// persisting reports whether this run writes to the store. Dry runs never
// persist.
func (r *Runner) persisting(req RunRequest) bool {
	return !req.DryRun && r.store != nil
}

// fail records a failed run consistently: store status, failure event,
// Slack summary. The original error is returned for the caller.
func (r *Runner) fail(ctx context.Context, runID uuid.UUID, req RunRequest, jobID string, start time.Time, err error) error {
	if r.persisting(req) {
		if serr := r.store.FinishRun(ctx, runID, store.RunFailed, "", err.Error()); serr != nil {
			r.logger.Error("failed to record run failure", "run_id", runID, "error", serr)
		}
	}

	evt := hermes.RunEvent{
		RunID:     runID.String(),
		BaseModel: req.BaseModel,
		Status:    store.RunFailed,
		JobID:     jobID,
		Error:     err.Error(),
	}
	r.publish(hermes.SubjectRunFailed, evt)
	r.postSummary(ctx, evt, time.Since(start))

	return err
}

func (r *Runner) publish(subject string, evt hermes.RunEvent) {
	if r.hermes == nil {
		return
	}
	if err := r.hermes.Publish(subject, evt); err != nil {
		r.logger.Warn("failed to publish event", "subject", subject, "error", err)
	}
}

func (r *Runner) postSummary(ctx context.Context, evt hermes.RunEvent, duration time.Duration) {
	if r.slack == nil {
		return
	}
	if err := r.slack.PostRunSummary(ctx, evt, duration.Round(time.Second).String()); err != nil {
		r.logger.Warn("failed to post run summary to slack", "error", err)
	}
}

// logDevices logs trainer accelerator memory. Diagnostic only; a trainer
// without a device endpoint does not block the run.
func (r *Runner) logDevices(ctx context.Context, stage string) {
	devices, err := r.trainer.Devices(ctx)
	if err != nil {
		r.logger.Warn("device query failed", "stage", stage, "error", err)
		return
	}
	for _, d := range devices {
		r.logger.Info("trainer device",
			"stage", stage,
			"index", d.Index,
			"name", d.Name,
			"memory_free_mb", d.MemoryFreeMB,
			"memory_total_mb", d.MemoryTotalMB,
		)
	}
}

func preview(text string) string {
	text = strings.ReplaceAll(text, "\n", " ")
	if len(text) > 100 {
		return text[:100]
	}
	return text
}
