package realtime

import (
	"errors"
	"fmt"
	"maps"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
)

type EventType string

// Server event types
const (
	ServerEventTypeError                        EventType = "error"
	ServerEventTypeSessionCreated               EventType = "session.created"
	ServerEventTypeSessionUpdated               EventType = "session.updated"
	ServerEventTypeResponseCreated              EventType = "response.created"
	ServerEventTypeResponseDone                 EventType = "response.done"
	ServerEventTypeResponseAudioTranscriptDelta EventType = "response.audio_transcript.delta"
	ServerEventTypeResponseAudioTranscriptDone  EventType = "response.audio_transcript.done"
	// GA name of the transcript completion event.
	ServerEventTypeResponseOutputAudioTranscriptDone EventType = "response.output_audio_transcript.done"
)

// Client event types
const (
	ClientEventTypeSessionUpdate  EventType = "session.update"
	ClientEventTypeMessageCreate  EventType = "message.create"
	ClientEventTypeResponseCreate EventType = "response.create"
)

// Event is a tagged control channel frame: {"type": ..., ...fields}.
// EventID is optional on the wire; outbound events get one when sent.
type Event struct {
	Type    EventType
	EventID string
	Fields  map[string]any
}

func (e *Event) MarshalJSON() ([]byte, error) {
	m, err := e.wire()
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(m)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	return e.fromWire(raw)
}

func (e *Event) MarshalYAML() ([]byte, error) {
	m, err := e.wire()
	if err != nil {
		return nil, err
	}
	return yaml.MarshalWithOptions(m, yaml.UseJSONMarshaler())
}

func (e *Event) UnmarshalYAML(data []byte) error {
	var raw map[string]any
	if err := yaml.UnmarshalWithOptions(data, &raw, yaml.UseJSONUnmarshaler()); err != nil {
		return err
	}
	return e.fromWire(raw)
}

func (e *Event) wire() (map[string]any, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	m := make(map[string]any, len(e.Fields)+2)
	maps.Copy(m, e.Fields)
	m["type"] = string(e.Type)
	if e.EventID != "" {
		m["event_id"] = e.EventID
	}
	return m, nil
}

func (e *Event) fromWire(raw map[string]any) error {
	if raw == nil {
		return errors.New("event is not an object")
	}
	v, ok := raw["type"].(string)
	if !ok || v == "" {
		return errors.New("missing type")
	}
	e.Type = EventType(v)
	delete(raw, "type")
	if id, ok := raw["event_id"].(string); ok {
		e.EventID = id
		delete(raw, "event_id")
	}
	e.Fields = raw
	return nil
}

// Transcript returns the completed transcript carried by a transcript
// completion event.
func (e *Event) Transcript() (string, bool) {
	switch e.Type {
	case ServerEventTypeResponseAudioTranscriptDone, ServerEventTypeResponseOutputAudioTranscriptDone:
	default:
		return "", false
	}
	v, ok := e.Fields["transcript"].(string)
	return v, ok
}

// ErrorMessage returns the message of an "error" server event.
func (e *Event) ErrorMessage() (string, bool) {
	if e.Type != ServerEventTypeError {
		return "", false
	}
	if errObj, ok := e.Fields["error"].(map[string]any); ok {
		if v, ok := errObj["message"].(string); ok {
			return v, true
		}
	}
	if v, ok := e.Fields["message"].(string); ok {
		return v, true
	}
	return "", false
}

func (e *Event) ensureID() {
	if e.EventID == "" {
		e.EventID = "evt_" + uuid.NewString()
	}
}

func (e *Event) String() string {
	return fmt.Sprintf("%s(%s)", e.Type, e.EventID)
}

// SessionConfig is what the client declares to the remote agent once the
// control channel opens.
type SessionConfig struct {
	Modalities   []string
	Instructions string
}

func NewSessionUpdate(cfg SessionConfig) *Event {
	modalities := make([]any, 0, len(cfg.Modalities))
	for _, m := range cfg.Modalities {
		modalities = append(modalities, m)
	}
	return &Event{
		Type: ClientEventTypeSessionUpdate,
		Fields: map[string]any{
			"session": map[string]any{
				"modalities":   modalities,
				"instructions": cfg.Instructions,
			},
		},
	}
}

func NewMessageCreate(content, role string) *Event {
	return &Event{
		Type: ClientEventTypeMessageCreate,
		Fields: map[string]any{
			"message": map[string]any{
				"content": content,
				"role":    role,
			},
		},
	}
}

// NewResponseCreate asks the remote agent to speak, optionally with one-off
// instructions.
func NewResponseCreate(instructions string) *Event {
	fields := map[string]any{}
	if instructions != "" {
		fields["response"] = map[string]any{"instructions": instructions}
	}
	return &Event{Type: ClientEventTypeResponseCreate, Fields: fields}
}
