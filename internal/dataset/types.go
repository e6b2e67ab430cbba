package dataset

import "fmt"

// Example is a single instruction-following training pair in the common
// schema shared by every source dataset. Prompt carries the full rendered
// instruction including the response delimiter; Response carries the
// expected answer with no markers.
type Example struct {
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
}

// Validate checks the fields the trainer relies on.
func (e Example) Validate() error {
	if e.Prompt == "" {
		return fmt.Errorf("empty prompt")
	}
	if e.Response == "" {
		return fmt.Errorf("empty response")
	}
	return nil
}

// FormatFunc renders an example into the flat text unit the trainer consumes.
type FormatFunc func(Example) string
