package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/MikeSquared-Agency/tutor/internal/dataset"
)

const defaultPageSize = 100

// Client fetches dataset splits from a datasets-server rows API. Rows are
// always consumed in row_idx order so dataset order survives the transfer.
type Client struct {
	baseURL  string
	pageSize int
	client   *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:  baseURL,
		pageSize: defaultPageSize,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

type rowsResponse struct {
	Rows []struct {
		RowIdx int             `json:"row_idx"`
		Row    json.RawMessage `json:"row"`
	} `json:"rows"`
	NumRowsTotal int `json:"num_rows_total"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// FetchExamples fetches a prompt/response dataset split. Extra columns in
// the rows are dropped; a row missing either field fails the fetch.
func (c *Client) FetchExamples(ctx context.Context, name, split string) ([]dataset.Example, error) {
	var examples []dataset.Example
	err := c.fetchAll(ctx, name, split, func(idx int, row json.RawMessage) error {
		var ex dataset.Example
		if err := json.Unmarshal(row, &ex); err != nil {
			return fmt.Errorf("row %d: %w", idx, err)
		}
		if err := ex.Validate(); err != nil {
			return fmt.Errorf("row %d: %w", idx, err)
		}
		examples = append(examples, ex)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return examples, nil
}

// FetchConversations fetches a free-text conversation dataset split. Each
// row's text column is returned raw; normalization happens downstream.
func (c *Client) FetchConversations(ctx context.Context, name, split string) ([]string, error) {
	var conversations []string
	err := c.fetchAll(ctx, name, split, func(idx int, row json.RawMessage) error {
		var r struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(row, &r); err != nil {
			return fmt.Errorf("row %d: %w", idx, err)
		}
		if r.Text == "" {
			return fmt.Errorf("row %d: empty text column", idx)
		}
		conversations = append(conversations, r.Text)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conversations, nil
}

// fetchAll pages through an entire split, invoking fn once per row in order.
func (c *Client) fetchAll(ctx context.Context, name, split string, fn func(idx int, row json.RawMessage) error) error {
	offset := 0
	total := -1
	for {
		page, err := c.fetchPage(ctx, name, split, offset)
		if err != nil {
			return fmt.Errorf("dataset %s: %w", name, err)
		}
		if total < 0 {
			total = page.NumRowsTotal
		}
		if len(page.Rows) == 0 {
			if offset < total {
				return fmt.Errorf("dataset %s: empty page at offset %d of %d rows", name, offset, total)
			}
			return nil
		}
		for _, r := range page.Rows {
			if err := fn(r.RowIdx, r.Row); err != nil {
				return fmt.Errorf("dataset %s: %w", name, err)
			}
		}
		offset += len(page.Rows)
		if offset >= total {
			return nil
		}
	}
}

func (c *Client) fetchPage(ctx context.Context, name, split string, offset int) (*rowsResponse, error) {
	q := url.Values{}
	q.Set("dataset", name)
	q.Set("config", "default")
	q.Set("split", split)
	q.Set("offset", strconv.Itoa(offset))
	q.Set("length", strconv.Itoa(c.pageSize))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/rows?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hub request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return nil, fmt.Errorf("hub error %d: %s", resp.StatusCode, errResp.Error)
		}
		return nil, fmt.Errorf("hub error %d: %s", resp.StatusCode, string(body))
	}

	var page rowsResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("parse rows response: %w", err)
	}
	return &page, nil
}
