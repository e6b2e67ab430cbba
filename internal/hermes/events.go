package hermes

// NATS subjects tutor consumes and publishes. Other swarm agents request
// runs on SubjectRunRequested; tutor announces lifecycle edges on the rest.
const (
	SubjectRunRequested = "swarm.tutor.run.requested"
	SubjectRunStarted   = "swarm.tutor.run.started"
	SubjectRunCompleted = "swarm.tutor.run.completed"
	SubjectRunFailed    = "swarm.tutor.run.failed"
	SubjectDatasetMixed = "swarm.tutor.dataset.mixed"
)

// RunEvent is published at every lifecycle edge of a finetune run.
type RunEvent struct {
	RunID               string `json:"run_id"`
	BaseModel           string `json:"base_model"`
	Status              string `json:"status"`
	JobID               string `json:"job_id,omitempty"`
	PrimaryCount        int    `json:"primary_count,omitempty"`
	ConversationalCount int    `json:"conversational_count,omitempty"`
	ExampleCount        int    `json:"example_count,omitempty"`
	TotalTokens         int    `json:"total_tokens,omitempty"`
	CheckpointDir       string `json:"checkpoint_dir,omitempty"`
	Error               string `json:"error,omitempty"`
}
