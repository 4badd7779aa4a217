package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimestampLayout is fixed width so that the text order of persisted
// timestamps matches their chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z"

// Timestamp is a UTC instant persisted with TimestampLayout.
type Timestamp struct {
	time.Time
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}

func (t Timestamp) String() string {
	return t.UTC().Format(TimestampLayout)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return fmt.Errorf("parse timestamp: %w", err)
	}
	t.Time = parsed.UTC()
	return nil
}
