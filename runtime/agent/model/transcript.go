package model

import (
	"encoding/json"
	"fmt"
)

// Transcript is the conversation state the model-backed loop checkpoints
// between turns.
type Transcript struct {
	Messages []Message `json:"messages"`
	// Steps counts completed model calls across all turns.
	Steps int `json:"steps"`
}

// Append adds a message, merging consecutive messages of the same role so
// the transcript always alternates.
func (t *Transcript) Append(role Role, content string) {
	if n := len(t.Messages); n > 0 && t.Messages[n-1].Role == role {
		t.Messages[n-1].Content += content
		return
	}
	t.Messages = append(t.Messages, Message{Role: role, Content: content})
}

// Encode returns the checkpoint blob.
func (t *Transcript) Encode() ([]byte, error) {
	return json.Marshal(t)
}

// DecodeTranscript parses a blob produced by Encode.
func DecodeTranscript(blob []byte) (*Transcript, error) {
	var t Transcript
	if err := json.Unmarshal(blob, &t); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	return &t, nil
}
