package dataset

import "fmt"

// Mix builds the unified training dataset: the primary examples in their
// original order, followed by the normalized form of each raw conversation
// in its original order. A malformed conversation fails the whole mix
// rather than being skipped.
func Mix(primary []Example, conversations []string) ([]Example, error) {
	mixed := make([]Example, 0, len(primary)+len(conversations))
	mixed = append(mixed, primary...)

	for i, raw := range conversations {
		ex, err := Normalize(raw)
		if err != nil {
			return nil, fmt.Errorf("conversation %d: %w", i, err)
		}
		mixed = append(mixed, ex)
	}

	return mixed, nil
}

// Format renders the exact text unit the trainer consumes: prompt, newline,
// response. No extra separators and no truncation.
func Format(e Example) string {
	return e.Prompt + "\n" + e.Response
}

// Duplicates counts examples whose formatted text already appeared earlier
// in the dataset. Diagnostic only; mixing never drops rows.
func Duplicates(examples []Example) int {
	seen := make(map[string]struct{}, len(examples))
	dupes := 0
	for _, e := range examples {
		text := Format(e)
		if _, ok := seen[text]; ok {
			dupes++
			continue
		}
		seen[text] = struct{}{}
	}
	return dupes
}
