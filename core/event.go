package core

import (
	"encoding/json"
	"time"
)

// Event is one immutable entry of a stream. EventId is the zero based position
// of the event within its stream.
type Event struct {
	StreamId  string          `json:"streamId"`
	EventId   int64           `json:"eventId"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

type Metadata map[string]string

// Attribute keys set on transport messages.
const (
	AttrStreamId = "streamId"
	AttrType     = "type"
)
