package dataset

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalize_SingleTurn(t *testing.T) {
	raw := "### Human: What is the capital of France? ### Assistant: The capital of France is Paris."

	ex, err := Normalize(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantPrompt := promptPreamble + "What is the capital of France? " + responseCue
	if ex.Prompt != wantPrompt {
		t.Errorf("prompt = %q, want %q", ex.Prompt, wantPrompt)
	}
	if ex.Response != "The capital of France is Paris." {
		t.Errorf("response = %q", ex.Response)
	}
}

func TestNormalize_MultiTurnKeepsFirstExchange(t *testing.T) {
	raw := "### Human: Q1 ### Assistant: A1 ### Human: Q2"

	ex, err := Normalize(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ex.Prompt != promptPreamble+"Q1 "+responseCue {
		t.Errorf("prompt = %q", ex.Prompt)
	}
	if ex.Response != "A1 " {
		t.Errorf("response = %q, want %q", ex.Response, "A1 ")
	}
	if strings.Contains(ex.Response, "Q2") {
		t.Errorf("response leaked later turn: %q", ex.Response)
	}
}

func TestNormalize_ResponseRunsToEnd(t *testing.T) {
	raw := "### Human: ping ### Assistant: pong"

	ex, err := Normalize(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ex.Response != "pong" {
		t.Errorf("response = %q, want %q", ex.Response, "pong")
	}
}

func TestNormalize_NoMarkersLeakIntoOutput(t *testing.T) {
	raw := "### Human: Q1 ### Assistant: A1 ### Human: Q2 ### Assistant: A2"

	ex, err := Normalize(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, marker := range []string{humanMarker, assistantMarker} {
		if strings.Contains(ex.Prompt, marker) {
			t.Errorf("prompt contains %q: %q", marker, ex.Prompt)
		}
		if strings.Contains(ex.Response, marker) {
			t.Errorf("response contains %q: %q", marker, ex.Response)
		}
	}
}

func TestNormalize_PreservesInstructionVerbatim(t *testing.T) {
	// Leading and trailing whitespace in the instruction body is kept as-is.
	raw := "### Human:  spaced out question \n### Assistant: answer"

	ex, err := Normalize(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ex.Prompt != promptPreamble+" spaced out question \n"+responseCue {
		t.Errorf("prompt = %q", ex.Prompt)
	}
}

func TestNormalize_MissingMarkers(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantMarker string
	}{
		{"empty string", "", humanMarker},
		{"no markers at all", "just some text", humanMarker},
		{"assistant only", "### Assistant: hello", humanMarker},
		{"human only", "### Human: a question with no answer", assistantMarker},
		{"assistant before human", "### Assistant: hi ### Human: hello", assistantMarker},
		{"marker without trailing space", "### Human:question ### Assistant:answer", humanMarker},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.raw)
			if err == nil {
				t.Fatal("expected error, got nil")
			}

			var malformed *MalformedRecordError
			if !errors.As(err, &malformed) {
				t.Fatalf("expected MalformedRecordError, got %T: %v", err, err)
			}
			if malformed.Marker != tt.wantMarker {
				t.Errorf("marker = %q, want %q", malformed.Marker, tt.wantMarker)
			}
		})
	}
}

func TestNormalize_MarkerMidRecord(t *testing.T) {
	// The first human marker does not have to open the record.
	raw := "guanaco prelude ### Human: Q ### Assistant: A"

	ex, err := Normalize(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ex.Prompt != promptPreamble+"Q "+responseCue {
		t.Errorf("prompt = %q", ex.Prompt)
	}
	if strings.Contains(ex.Prompt, "prelude") {
		t.Errorf("prompt kept text before the first human marker: %q", ex.Prompt)
	}
}
