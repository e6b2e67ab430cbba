package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/tutor/internal/hermes"
)

const defaultPostMessageURL = "https://slack.com/api/chat.postMessage"

type Poster struct {
	token   string
	channel string
	client  *http.Client
	logger  *slog.Logger
	apiURL  string
}

func NewPoster(token, channel string, logger *slog.Logger) *Poster {
	return &Poster{
		token:   token,
		channel: channel,
		client:  &http.Client{Timeout: 10 * time.Second},
		apiURL:  defaultPostMessageURL,
		logger:  logger,
	}
}

// PostRunSummary posts a finetune run's outcome to the runs channel.
func (p *Poster) PostRunSummary(ctx context.Context, evt hermes.RunEvent, duration string) error {
	text := formatRunMessage(evt, duration)

	body, err := json.Marshal(map[string]any{
		"channel": p.channel,
		"text":    text,
		"blocks": []map[string]any{
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": text,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var slackResp struct {
		OK    bool   `json:"ok"`
		TS    string `json:"ts"`
		Error string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(respBody, &slackResp); err != nil {
		return fmt.Errorf("parse slack response: %w", err)
	}
	if !slackResp.OK {
		return fmt.Errorf("slack error: %s", slackResp.Error)
	}

	p.logger.Info("posted run summary to slack", "ts", slackResp.TS, "run_id", evt.RunID)
	return nil
}

func formatRunMessage(evt hermes.RunEvent, duration string) string {
	var sb strings.Builder

	switch evt.Status {
	case "succeeded":
		fmt.Fprintf(&sb, ":white_check_mark: *Finetune run succeeded* (%s)\n", duration)
	case "failed":
		fmt.Fprintf(&sb, ":x: *Finetune run failed* (%s)\n", duration)
	default:
		fmt.Fprintf(&sb, "*Finetune run %s* (%s)\n", evt.Status, duration)
	}

	fmt.Fprintf(&sb, "*Run:* %s\n", evt.RunID)
	fmt.Fprintf(&sb, "*Model:* %s\n", evt.BaseModel)

	if evt.ExampleCount > 0 {
		fmt.Fprintf(&sb, "*Dataset:* %d examples (%d primary, %d conversational)\n",
			evt.ExampleCount, evt.PrimaryCount, evt.ConversationalCount)
	}
	if evt.TotalTokens > 0 {
		fmt.Fprintf(&sb, "*Tokens:* %d\n", evt.TotalTokens)
	}
	if evt.JobID != "" {
		fmt.Fprintf(&sb, "*Job:* %s\n", evt.JobID)
	}
	if evt.CheckpointDir != "" {
		fmt.Fprintf(&sb, "*Checkpoint:* `%s`\n", evt.CheckpointDir)
	}
	if evt.Error != "" {
		fmt.Fprintf(&sb, "*Error:* %s\n", evt.Error)
	}

	return sb.String()
}
