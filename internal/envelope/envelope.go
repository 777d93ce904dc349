// Package envelope is the canonical wire format for every message exchanged
// between clients, the gateway, and the modelservice. An Envelope carries a
// type-tagged, opaque payload so components above never need to see a raw
// byte blob without knowing how to interpret it.
//
// Envelopes are immutable after creation except for the hop-tracking fields,
// which are appended to as the message is relayed.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const Version = "1"

// Envelope is the record `{message_id, timestamp, source, message_type,
// version, correlation_id?, payload_type_url, payload_bytes}` plus routing
// and tracing metadata carried alongside it on the wire.
type Envelope struct {
	ID            string `json:"message_id"`
	CorrelationID string `json:"correlation_id,omitempty"`

	Source      string `json:"source"`
	Destination string `json:"destination,omitempty"`
	MessageType string `json:"message_type"`
	Version     string `json:"version"`

	Timestamp time.Time `json:"timestamp"`
	TTL       int64     `json:"ttl,omitempty"`
	Sequence  int64     `json:"sequence,omitempty"`

	PayloadTypeURL string          `json:"payload_type_url"`
	Payload        json.RawMessage `json:"payload_bytes"`

	Headers    map[string]string      `json:"headers,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`

	TraceID  string   `json:"trace_id,omitempty"`
	SpanID   string   `json:"span_id,omitempty"`
	HopCount int      `json:"hop_count,omitempty"`
	Route    []string `json:"route,omitempty"`
}

// New creates an envelope from a typed payload value using the pack_payload
// registry, stamping a fresh message id and UTC millisecond timestamp.
func New(source, destination, messageType string, payload interface{}) (*Envelope, error) {
	typeURL, raw, err := packPayload(payload)
	if err != nil {
		return nil, &EncodingError{Field: "payload", Message: err.Error()}
	}

	return &Envelope{
		ID:             uuid.New().String(),
		Source:         source,
		Destination:    destination,
		MessageType:    messageType,
		Version:        Version,
		Timestamp:      time.Now().UTC().Truncate(time.Millisecond),
		PayloadTypeURL: typeURL,
		Payload:        raw,
		Headers:        make(map[string]string),
		Properties:     make(map[string]interface{}),
		Route:          make([]string, 0),
	}, nil
}

// NewReply builds a response envelope linked to req via CorrelationID,
// preserving the trace id and starting a new span.
func NewReply(req *Envelope, source string, payload interface{}) (*Envelope, error) {
	reply, err := New(source, req.Source, req.MessageType+"/response", payload)
	if err != nil {
		return nil, err
	}
	reply.CorrelationID = req.ID
	reply.TraceID = req.TraceID
	reply.SpanID = uuid.New().String()
	return reply, nil
}

// AddHop records that agentID processed this envelope.
func (e *Envelope) AddHop(agentID string) {
	e.HopCount++
	e.Route = append(e.Route, agentID)
}

func (e *Envelope) SetHeader(key, value string) {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[key] = value
}

func (e *Envelope) GetHeader(key string) (string, bool) {
	if e.Headers == nil {
		return "", false
	}
	v, ok := e.Headers[key]
	return v, ok
}

func (e *Envelope) SetProperty(key string, value interface{}) {
	if e.Properties == nil {
		e.Properties = make(map[string]interface{})
	}
	e.Properties[key] = value
}

func (e *Envelope) GetProperty(key string) (interface{}, bool) {
	if e.Properties == nil {
		return nil, false
	}
	v, ok := e.Properties[key]
	return v, ok
}

// Unpack decodes the envelope's payload into dst, verifying the type tag
// matches what dst expects. See pack_payload/unpack_payload in registry.go.
func (e *Envelope) Unpack(dst interface{}) error {
	return unpackPayload(e.PayloadTypeURL, e.Payload, dst)
}

// IsExpired reports whether the envelope has exceeded its TTL.
func (e *Envelope) IsExpired() bool {
	if e.TTL <= 0 {
		return false
	}
	return time.Now().UTC().Unix() > e.Timestamp.Unix()+e.TTL
}

// Clone returns a deep copy.
func (e *Envelope) Clone() *Envelope {
	clone := *e

	if e.Headers != nil {
		clone.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			clone.Headers[k] = v
		}
	}
	if e.Properties != nil {
		clone.Properties = make(map[string]interface{}, len(e.Properties))
		for k, v := range e.Properties {
			clone.Properties[k] = v
		}
	}
	if e.Route != nil {
		clone.Route = make([]string, len(e.Route))
		copy(clone.Route, e.Route)
	}
	if e.Payload != nil {
		clone.Payload = make(json.RawMessage, len(e.Payload))
		copy(clone.Payload, e.Payload)
	}

	return &clone
}

// Encode serializes the envelope deterministically: encoding/json sorts map
// keys and preserves struct field order, so identical envelopes always
// produce identical bytes, which is what Invariant 1 (round-trip identity)
// and signature stability require.
func Encode(e *Envelope) ([]byte, error) {
	if err := Validate(e); err != nil {
		return nil, &EncodingError{Field: "envelope", Message: err.Error()}
	}
	return json.Marshal(e)
}

// Decode parses bytes into an Envelope. Unknown fields are ignored (default
// encoding/json behavior); malformed input fails with MalformedEnvelope.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, &MalformedEnvelope{Cause: err}
	}
	if e.ID == "" || e.Source == "" || e.MessageType == "" {
		return nil, &MalformedEnvelope{Cause: errMissingRequiredFields}
	}
	return &e, nil
}

// MessageSize returns the approximate wire size in bytes.
func (e *Envelope) MessageSize() int {
	data, err := json.Marshal(e)
	if err != nil {
		return 0
	}
	return len(data)
}

// Validate checks that all required fields are populated.
func Validate(e *Envelope) error {
	if e.ID == "" {
		return &ValidationError{Field: "message_id", Message: "required"}
	}
	if e.Source == "" {
		return &ValidationError{Field: "source", Message: "required"}
	}
	if e.MessageType == "" {
		return &ValidationError{Field: "message_type", Message: "required"}
	}
	if e.Version == "" {
		return &ValidationError{Field: "version", Message: "required"}
	}
	if e.PayloadTypeURL == "" {
		return &ValidationError{Field: "payload_type_url", Message: "required"}
	}
	if e.Payload == nil {
		return &ValidationError{Field: "payload_bytes", Message: "required"}
	}
	return nil
}
