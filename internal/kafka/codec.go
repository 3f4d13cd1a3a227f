package kafka

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"github.com/jittakal/stagebuf/pkg/entry"
)

// CloudEvent types carried on the wire.
const (
	EventTypeSet   = "stagebuf.entry.set"
	EventTypeMerge = "stagebuf.entry.merge"
	EventTypeErase = "stagebuf.entry.erase"
	EventTypeClear = "stagebuf.entry.clear"

	DefaultEventSource = "/stagebuf"
	ContentTypeJSON    = "application/json"

	batchIDExtension = "batchid"
)

// OpType is the buffer mutation a message asks for.
type OpType int

const (
	OpSet OpType = iota
	OpErase
	OpClear
)

func (o OpType) String() string {
	switch o {
	case OpSet:
		return "set"
	case OpErase:
		return "erase"
	case OpClear:
		return "clear"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Operation is a decoded buffer mutation.
type Operation struct {
	Type  OpType
	Key   string
	Entry entry.Entry
}

type entryPayload struct {
	Key                string          `json:"key,omitempty"`
	Value              json.RawMessage `json:"value,omitempty"`
	ReplaceNullPatches json.RawMessage `json:"replaceNullPatches,omitempty"`
}

// NewEntryEvent wraps a drained pair in a CloudEvent. The value and patches
// are embedded as JSON, so they must be valid JSON text.
func NewEntryEvent(source, batchID string, at time.Time, p entry.Pair) (cloudevents.Event, error) {
	eventType := EventTypeSet
	if p.Entry.Kind == entry.KindMerge {
		eventType = EventTypeMerge
	}

	payload := entryPayload{Key: p.Key, Value: json.RawMessage(p.Entry.Value)}
	if p.Entry.ReplaceNullPatches != "" {
		payload.ReplaceNullPatches = json.RawMessage(p.Entry.ReplaceNullPatches)
	}

	return newEvent(source, eventType, batchID, p.Key, at, payload)
}

// NewEraseEvent builds the event that removes key from a staging buffer.
func NewEraseEvent(source, key string, at time.Time) (cloudevents.Event, error) {
	return newEvent(source, EventTypeErase, "", key, at, entryPayload{Key: key})
}

// NewClearEvent builds the event that empties a staging buffer.
func NewClearEvent(source string, at time.Time) (cloudevents.Event, error) {
	return newEvent(source, EventTypeClear, "", "", at, nil)
}

func newEvent(source, eventType, batchID, subject string, at time.Time, payload any) (cloudevents.Event, error) {
	if source == "" {
		source = DefaultEventSource
	}

	ev := cloudevents.NewEvent()
	ev.SetSpecVersion(cloudevents.VersionV1)
	ev.SetID(uuid.New().String())
	ev.SetType(eventType)
	ev.SetSource(source)
	ev.SetTime(at)
	if subject != "" {
		ev.SetSubject(subject)
	}
	if batchID != "" {
		ev.SetExtension(batchIDExtension, batchID)
	}
	if payload != nil {
		if err := ev.SetData(ContentTypeJSON, payload); err != nil {
			return ev, fmt.Errorf("failed to set event data: %w", err)
		}
	}
	return ev, nil
}

// DecodeOperation parses a structured-mode CloudEvent. messageKey is used
// when the payload carries no key.
func DecodeOperation(data, messageKey []byte) (Operation, error) {
	var ev cloudevents.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Operation{}, fmt.Errorf("failed to unmarshal cloud event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return Operation{}, fmt.Errorf("invalid cloud event: %w", err)
	}

	var payload entryPayload
	if len(ev.Data()) > 0 {
		if err := ev.DataAs(&payload); err != nil {
			return Operation{}, fmt.Errorf("failed to decode event data: %w", err)
		}
	}

	key := payload.Key
	if key == "" {
		key = string(messageKey)
	}

	eventType := ev.Type()
	switch {
	case strings.HasSuffix(eventType, ".clear"):
		return Operation{Type: OpClear}, nil

	case strings.HasSuffix(eventType, ".erase"):
		if key == "" {
			return Operation{}, fmt.Errorf("erase event %s has no key", ev.ID())
		}
		return Operation{Type: OpErase, Key: key}, nil

	case strings.HasSuffix(eventType, ".set"):
		if key == "" {
			return Operation{}, fmt.Errorf("set event %s has no key", ev.ID())
		}
		if len(payload.ReplaceNullPatches) > 0 {
			return Operation{}, fmt.Errorf("set event %s carries replaceNullPatches", ev.ID())
		}
		return Operation{Type: OpSet, Key: key, Entry: entry.NewSet(key, string(payload.Value))}, nil

	case strings.HasSuffix(eventType, ".merge"):
		if key == "" {
			return Operation{}, fmt.Errorf("merge event %s has no key", ev.ID())
		}
		return Operation{
			Type:  OpSet,
			Key:   key,
			Entry: entry.NewMerge(key, string(payload.Value), string(payload.ReplaceNullPatches)),
		}, nil

	default:
		return Operation{}, fmt.Errorf("unsupported event type: %s", eventType)
	}
}
