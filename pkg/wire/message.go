// Package wire defines the JSON message protocol spoken with catalog
// providers. One message per WebSocket text frame.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	stockerrors "github.com/buildsource/stockyard/pkg/errors"
)

// Version is the protocol version tag stamped on outbound messages.
const Version = "1.0"

// Type tags every message with its kind.
type Type string

const (
	TypeHello            Type = "HELLO"
	TypeSearchResources  Type = "SEARCH_RESOURCES"
	TypeSearchResult     Type = "SEARCH_RESULT"
	TypeGetResource      Type = "GET_RESOURCE"
	TypeResource         Type = "RESOURCE"
	TypeInvokeCapability Type = "INVOKE_CAPABILITY"
	TypeCapabilityResult Type = "CAPABILITY_RESULT"
	TypeSubscribe        Type = "SUBSCRIBE"
	TypeSubscribed       Type = "SUBSCRIBED"
	TypeUnsubscribe      Type = "UNSUBSCRIBE"
	TypeUnsubscribed     Type = "UNSUBSCRIBED"
	TypeEvent            Type = "EVENT"
	TypePing             Type = "PING"
	TypePong             Type = "PONG"
	TypeError            Type = "ERROR"
)

// Status marks a response as success or error.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// ErrorDetail is the structured error carried by error responses.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Message is the unit exchanged over a provider connection.
type Message struct {
	ID            string          `json:"id"`
	Version       string          `json:"version"`
	Type          Type            `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        string          `json:"source"`
	Destination   string          `json:"destination,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Status        Status          `json:"status,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         *ErrorDetail    `json:"error,omitempty"`
}

// NewRequest builds an outbound request with a fresh id and marshaled payload.
func NewRequest(source, destination string, t Type, payload any) (*Message, error) {
	m := &Message{
		ID:          uuid.New().String(),
		Version:     Version,
		Type:        t,
		Timestamp:   time.Now().UTC(),
		Source:      source,
		Destination: destination,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		m.Payload = raw
	}
	return m, nil
}

// NewResponse builds a success response correlated to req.
func NewResponse(req *Message, source string, t Type, payload any) (*Message, error) {
	m, err := NewRequest(source, req.Source, t, payload)
	if err != nil {
		return nil, err
	}
	m.CorrelationID = req.ID
	m.Status = StatusSuccess
	return m, nil
}

// NewErrorResponse builds an error response correlated to req.
func NewErrorResponse(req *Message, source, code, message string) *Message {
	return &Message{
		ID:            uuid.New().String(),
		Version:       Version,
		Type:          TypeError,
		Timestamp:     time.Now().UTC(),
		Source:        source,
		Destination:   req.Source,
		CorrelationID: req.ID,
		Status:        StatusError,
		Error:         &ErrorDetail{Code: code, Message: message},
	}
}

// IsResponse reports whether the message correlates to an earlier request.
func (m *Message) IsResponse() bool { return m.CorrelationID != "" }

// DecodePayload unmarshals the payload into v.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", stockerrors.ErrParse)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", stockerrors.ErrParse, err)
	}
	return nil
}

// Encode serializes the message to a single JSON frame.
func Encode(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Decode parses a single JSON frame.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", stockerrors.ErrParse, err)
	}
	if m.ID == "" || m.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", stockerrors.ErrParse)
	}
	return &m, nil
}
