package trainer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MikeSquared-Agency/tutor/internal/dataset"
)

// Job statuses reported by the trainer.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Client talks to the external finetuning service. The trainer owns the
// model weights, tokenizer, training loop, and checkpointing; this client
// only submits work and watches it.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

// JobSpec describes a finetuning job: which model and tokenizer the trainer
// loads, its sequence cap, and the opaque training arguments.
type JobSpec struct {
	BaseModel    string
	Tokenizer    string
	MaxSeqLength int
	Args         TrainingArguments
}

// Job is the trainer's view of submitted work.
type Job struct {
	ID            string `json:"job_id"`
	Status        string `json:"status"`
	CheckpointDir string `json:"checkpoint_dir,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Terminal reports whether the job has finished, successfully or not.
func (j *Job) Terminal() bool {
	return j.Status == StatusSucceeded || j.Status == StatusFailed
}

type submitRequest struct {
	Model        string            `json:"model"`
	Tokenizer    string            `json:"tokenizer"`
	MaxSeqLength int               `json:"max_seq_length"`
	Args         TrainingArguments `json:"args"`
	Texts        []string          `json:"texts"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// SubmitJob flattens every example with format and submits the job. Texts
// are sent whole; truncation to MaxSeqLength is the trainer's call.
func (c *Client) SubmitJob(ctx context.Context, spec JobSpec, examples []dataset.Example, format dataset.FormatFunc) (*Job, error) {
	texts := make([]string, len(examples))
	for i, ex := range examples {
		texts[i] = format(ex)
	}

	body, err := json.Marshal(submitRequest{
		Model:        spec.BaseModel,
		Tokenizer:    spec.Tokenizer,
		MaxSeqLength: spec.MaxSeqLength,
		Args:         spec.Args,
		Texts:        texts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit job: %w", err)
	}
	defer resp.Body.Close()

	return decodeJob(resp)
}

// GetJob fetches the current state of a job.
func (c *Client) GetJob(ctx context.Context, id string) (*Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/jobs/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	defer resp.Body.Close()

	return decodeJob(resp)
}

// WaitJob polls a job until it reaches a terminal state or ctx is done.
func (c *Client) WaitJob(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	for {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Terminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Device describes one accelerator reported by the trainer.
type Device struct {
	Index         int    `json:"index"`
	Name          string `json:"name"`
	MemoryTotalMB int    `json:"memory_total_mb"`
	MemoryFreeMB  int    `json:"memory_free_mb"`
}

// Devices lists the trainer's accelerators. Diagnostic only; device memory
// is managed entirely by the trainer.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/devices", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("trainer error %d: %s", resp.StatusCode, string(body))
	}

	var devices []Device
	if err := json.Unmarshal(body, &devices); err != nil {
		return nil, fmt.Errorf("parse devices: %w", err)
	}
	return devices, nil
}

func decodeJob(resp *http.Response) (*Job, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return nil, fmt.Errorf("trainer error %d: %s", resp.StatusCode, errResp.Error)
		}
		return nil, fmt.Errorf("trainer error %d: %s", resp.StatusCode, string(body))
	}

	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("parse job: %w", err)
	}
	if job.ID == "" {
		return nil, fmt.Errorf("trainer returned job without id")
	}
	return &job, nil
}
