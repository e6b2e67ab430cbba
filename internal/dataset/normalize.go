package dataset

import (
	"fmt"
	"strings"
)

// Turn markers used by guanaco-style conversation transcripts.
const (
	humanMarker     = "### Human: "
	assistantMarker = "### Assistant: "
)

// Instruction template wrapped around extracted conversation turns. Matches
// the prompt format the dolly_hhrlhf rows already carry, so both sources
// render identically for the trainer.
const (
	promptPreamble = "Below is an instruction that describes a task. Write a response that appropriately completes the request. ### Instruction: "
	responseCue    = " ### Response: "
)

// MalformedRecordError reports a raw conversation missing a required turn
// marker. Marker is the literal marker that was not found.
type MalformedRecordError struct {
	Marker string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record: marker %q not found", e.Marker)
}

// Normalize extracts the first human/assistant exchange from a raw
// conversation and reshapes it into the common schema. The instruction body
// is everything between the first human marker and the first assistant
// marker after it, wrapped verbatim in the instruction template. The
// response runs from the assistant marker to the next human marker, or to
// the end of the record for single-turn conversations. Later turns are
// dropped.
func Normalize(raw string) (Example, error) {
	h := strings.Index(raw, humanMarker)
	if h < 0 {
		return Example{}, &MalformedRecordError{Marker: humanMarker}
	}
	rest := raw[h+len(humanMarker):]

	a := strings.Index(rest, assistantMarker)
	if a < 0 {
		return Example{}, &MalformedRecordError{Marker: assistantMarker}
	}
	instruction := rest[:a]

	response := rest[a+len(assistantMarker):]
	if next := strings.Index(response, humanMarker); next >= 0 {
		response = response[:next]
	}

	return Example{
		Prompt:   promptPreamble + instruction + responseCue,
		Response: response,
	}, nil
}
