package tokens

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/MikeSquared-Agency/tutor/internal/dataset"
)

// DefaultEncoding is the BPE encoding used when none is configured.
const DefaultEncoding = "cl100k_base"

// Counter measures BPE token lengths of formatted training texts. Counts
// are diagnostics; the trainer's own tokenizer decides actual truncation.
type Counter struct {
	encoding string
	tke      *tiktoken.Tiktoken
}

func NewCounter(encoding string) (*Counter, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	tke, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("get encoding %q: %w", encoding, err)
	}
	return &Counter{encoding: encoding, tke: tke}, nil
}

// Encoding returns the name of the encoding in use.
func (c *Counter) Encoding() string {
	return c.encoding
}

// Count returns the token count of text.
func (c *Counter) Count(text string) int {
	return len(c.tke.Encode(text, nil, nil))
}

// Stats summarises token lengths across a dataset.
type Stats struct {
	Examples  int     `json:"examples"`
	Total     int     `json:"total_tokens"`
	Max       int     `json:"max_tokens"`
	Mean      float64 `json:"mean_tokens"`
	OverLimit int     `json:"over_limit"`
}

// Measure formats every example and accumulates token-length stats. limit
// is the trainer's max sequence length; OverLimit counts examples that
// would be truncated there. A limit of zero disables the check.
func (c *Counter) Measure(examples []dataset.Example, format dataset.FormatFunc, limit int) Stats {
	counts := make([]int, len(examples))
	for i, ex := range examples {
		counts[i] = c.Count(format(ex))
	}
	return measure(counts, limit)
}

func measure(counts []int, limit int) Stats {
	s := Stats{Examples: len(counts)}
	for _, n := range counts {
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
