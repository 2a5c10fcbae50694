package plugin

import (
	"encoding/json"
	"errors"
	"fmt"

	"acople/pkg/message"
)

// Invocation is one line written to a worker's stdin.
type Invocation struct {
	Message     *message.UniversalMessage `json:"message"`
	Args        string                    `json:"args"`
	FullContext *message.UniversalMessage `json:"fullContext"`
}

// WorkerEvent is one line read from a worker's stdout: a LogEvent, a
// ResponseEvent or an ErrorEvent.
type WorkerEvent interface {
	workerEvent()
}

type LogEvent struct {
	Message string
}

// ResponseEvent completes a turn with text to publish.
type ResponseEvent struct {
	Original    *message.UniversalMessage
	Text        string
	Attachments []message.Attachment
}

// ErrorEvent completes a turn with a failure. Original is optional.
type ErrorEvent struct {
	Message  string
	Original *message.UniversalMessage
}

func (LogEvent) workerEvent()      {}
func (ResponseEvent) workerEvent() {}
func (ErrorEvent) workerEvent()    {}

const (
	eventLog      = "log"
	eventResponse = "response"
	eventError    = "error"
)

type wireEvent struct {
	Type     string                    `json:"type"`
	Message  string                    `json:"message,omitempty"`
	Original *message.UniversalMessage `json:"originalMessage,omitempty"`
	Response *wireResponse             `json:"response,omitempty"`
}

type wireResponse struct {
	Text        string               `json:"text"`
	Attachments []message.Attachment `json:"attachments,omitempty"`
}

// DecodeEvent parses one worker output line. Unknown types are errors.
func DecodeEvent(line []byte) (WorkerEvent, error) {
	var wire wireEvent
	if err := json.Unmarshal(line, &wire); err != nil {
		return nil, fmt.Errorf("decode worker event: %w", err)
	}

	switch wire.Type {
	case eventLog:
		return LogEvent{Message: wire.Message}, nil
	case eventResponse:
		if wire.Response == nil {
			return nil, errors.New("decode worker event: response without payload")
		}
		return ResponseEvent{
			Original:    wire.Original,
			Text:        wire.Response.Text,
			Attachments: wire.Response.Attachments,
		}, nil
	case eventError:
		return ErrorEvent{Message: wire.Message, Original: wire.Original}, nil
	default:
		return nil, fmt.Errorf("decode worker event: unknown type %q", wire.Type)
	}
}

// EncodeEvent renders an event as one JSON line without the trailing newline.
func EncodeEvent(event WorkerEvent) ([]byte, error) {
	var wire wireEvent
	switch ev := event.(type) {
	case LogEvent:
		wire = wireEvent{Type: eventLog, Message: ev.Message}
	case ResponseEvent:
		wire = wireEvent{
			Type:     eventResponse,
			Original: ev.Original,
			Response: &wireResponse{Text: ev.Text, Attachments: ev.Attachments},
		}
	case ErrorEvent:
		wire = wireEvent{Type: eventError, Message: ev.Message, Original: ev.Original}
	default:
		return nil, fmt.Errorf("encode worker event: unsupported %T", event)
	}

	return json.Marshal(wire)
}
