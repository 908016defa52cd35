package stream

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is the push-callback body: one event tagged with its session.
type Envelope struct {
	SessionID string `json:"session_id"`
	Event     Event  `json:"event"`
}

// UnmarshalJSON decodes the event through Decode.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw struct {
		SessionID string          `json:"session_id"`
		Event     json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.Event) == 0 {
		return errors.New("envelope has no event")
	}
	ev, err := Decode(raw.Event)
	if err != nil {
		return fmt.Errorf("envelope: %w", err)
	}
	e.SessionID = raw.SessionID
	e.Event = ev
	return nil
}
