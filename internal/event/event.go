package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ProcessStage targets: where an event was headed when the stage was stamped.
const (
	TargetBuffer   = "buffer"
	TargetExternal = "external"
)

// ProcessStage records one hop in an event's processing history. Stages are
// immutable once appended.
type ProcessStage struct {
	NodeID     string    `json:"node_id"`
	Time       time.Time `json:"time"`
	PluginID   string    `json:"plugin_id"`
	PluginType string    `json:"plugin_type"`
	Target     string    `json:"target"`
}

// Event is one structured log record. Payload holds arbitrary JSON-compatible
// values keyed by unique strings. Attachments maps an attachment id to the
// path of a binary blob on disk; the event owns those files until a buffer
// takes them over. History is the append-only list of ProcessStages the event
// passed through.
//
// All three containers are always non-nil; New and Deserialize normalize.
type Event struct {
	Payload     map[string]interface{}
	Attachments map[string]string
	History     []ProcessStage
}

// New returns an Event with the given payload and attachments. Nil maps are
// replaced with empty ones.
func New(payload map[string]interface{}, attachments map[string]string) *Event {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	if attachments == nil {
		attachments = map[string]string{}
	}
	return &Event{
		Payload:     payload,
		Attachments: attachments,
		History:     []ProcessStage{},
	}
}

// PriorityLevels is the number of priority levels an event can carry.
// Level 0 is the most urgent.
const PriorityLevels = 4

// Priority returns the event's priority level: the integer "priority"
// payload value when within [0, PriorityLevels), otherwise the last (least
// urgent) level. Fractional values count as out of range.
func (e *Event) Priority() int {
	v, ok := e.Payload["priority"]
	if !ok {
		return PriorityLevels - 1
	}
	var n int
	switch p := v.(type) {
	case int:
		n = p
	case int64:
		n = int(p)
	case float64:
		if p != float64(int(p)) {
			return PriorityLevels - 1
		}
		n = int(p)
	default:
		return PriorityLevels - 1
	}
	if n < 0 || n >= PriorityLevels {
		return PriorityLevels - 1
	}
	return n
}

// Get returns the payload value for key, or nil.
func (e *Event) Get(key string) interface{} { return e.Payload[key] }

// Has reports whether the payload contains key.
func (e *Event) Has(key string) bool {
	_, ok := e.Payload[key]
	return ok
}

// Set stores a payload value.
func (e *Event) Set(key string, value interface{}) { e.Payload[key] = value }

// AppendStage appends one stage to the event's history.
func (e *Event) AppendStage(stage ProcessStage) {
	e.History = append(e.History, stage)
}

// Clone returns a deep copy of the event. Attachment files are shared, not
// copied; only the reference map is duplicated.
func (e *Event) Clone() *Event {
	payload := make(map[string]interface{}, len(e.Payload))
	for k, v := range e.Payload {
		payload[k] = v
	}
	attachments := make(map[string]string, len(e.Attachments))
	for k, v := range e.Attachments {
		attachments[k] = v
	}
	history := make([]ProcessStage, len(e.History))
	copy(history, e.History)
	return &Event{Payload: payload, Attachments: attachments, History: history}
}

// Serialize encodes the event as a [payload, attachments, history] JSON array.
func (e *Event) Serialize() ([]byte, error) {
	return json.Marshal([]interface{}{e.Payload, e.Attachments, e.History})
}

// Deserialize decodes an event previously encoded by Serialize.
func Deserialize(data []byte) (*Event, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("event: decode: %w", err)
	}
	if len(parts) != 3 {
		return nil, fmt.Errorf("event: decode: want 3 elements, got %d", len(parts))
	}
	ev := New(nil, nil)
	if err := json.Unmarshal(parts[0], &ev.Payload); err != nil {
		return nil, fmt.Errorf("event: decode payload: %w", err)
	}
	if err := json.Unmarshal(parts[1], &ev.Attachments); err != nil {
		return nil, fmt.Errorf("event: decode attachments: %w", err)
	}
	if err := json.Unmarshal(parts[2], &ev.History); err != nil {
		return nil, fmt.Errorf("event: decode history: %w", err)
	}
	if ev.Payload == nil {
		ev.Payload = map[string]interface{}{}
	}
	if ev.Attachments == nil {
		ev.Attachments = map[string]string{}
	}
	if ev.History == nil {
		ev.History = []ProcessStage{}
	}
	return ev, nil
}

// Equal compares two events by payload value, attachment count, and
// attachment byte content. Paths and history are intentionally ignored: a
// buffer relocates attachment files, and history grows per hop.
func (e *Event) Equal(other *Event) bool {
	if other == nil {
		return false
	}
	if !payloadEqual(e.Payload, other.Payload) {
		return false
	}
	if len(e.Attachments) != len(other.Attachments) {
		return false
	}
	for id, path := range e.Attachments {
		otherPath, ok := other.Attachments[id]
		if !ok {
			return false
		}
		if path == otherPath {
			continue
		}
		a, errA := os.ReadFile(path)
		b, errB := os.ReadFile(otherPath)
		if errA != nil || errB != nil || !bytes.Equal(a, b) {
			return false
		}
	}
	return true
}

// payloadEqual compares payloads by canonical JSON encoding, so int and float
// representations of the same number compare equal across a round-trip.
func payloadEqual(a, b map[string]interface{}) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}
