package eventlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gehhilfe/eventlog/core"
)

// EventMessage is an event as it travels on the transport. Data holds the
// serialized payload.
type EventMessage struct {
	StreamId string `json:"streamId"`
	EventId  int64  `json:"eventId"`
	Type     string `json:"type"`
	Data     string `json:"data"`
}

func FromEvent(e core.Event) EventMessage {
	return EventMessage{
		StreamId: e.StreamId,
		EventId:  e.EventId,
		Type:     e.Type,
		Data:     string(e.Data),
	}
}

// Event converts the message back. The timestamp is not carried.
func (m EventMessage) Event() core.Event {
	return core.Event{
		StreamId: m.StreamId,
		EventId:  m.EventId,
		Type:     m.Type,
		Data:     json.RawMessage(m.Data),
	}
}

// Submission is an event handed to the ingress before it has an id.
type Submission struct {
	StreamId string          `json:"streamId"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
}

// ReplayRequest asks for the events of StreamId starting at FromEventId to be
// published to the Target subject.
type ReplayRequest struct {
	StreamId    string `json:"streamId"`
	FromEventId int64  `json:"fromEventId"`
	Target      string `json:"target"`
}

func hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// DedupKey is the transport dedup key of the live publication of an event.
func DedupKey(streamId string, eventId int64) string {
	return hash(fmt.Sprintf("%s-%d", streamId, eventId))
}

// ReplayDedupKey is the dedup key of a replayed event. It differs from
// DedupKey so a replay is not swallowed by the window of the live publication,
// and it is equal across replays of the same event.
func ReplayDedupKey(streamId string, eventId int64) string {
	return hash(fmt.Sprintf("%s-%d-Replay", streamId, eventId))
}
