package envelope

import "errors"

var errMissingRequiredFields = errors.New("missing required envelope fields")

// ValidationError reports a required field missing at encode time —
// a programmer error, not a transport fault.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// EncodingError is the error Encode and New return; it carries the message
// of the underlying ValidationError or packing error as text (it has no
// Unwrap).
type EncodingError struct {
	Field   string
	Message string
}

func (e *EncodingError) Error() string {
	return "encoding: " + e.Field + ": " + e.Message
}

// MalformedEnvelope is returned by Decode for unparsable input. Decoding
// failures are fatal for that message only; the channel stays open.
type MalformedEnvelope struct {
	Cause error
}

func (e *MalformedEnvelope) Error() string {
	return "malformed envelope: " + e.Cause.Error()
}

func (e *MalformedEnvelope) Unwrap() error { return e.Cause }

// UnknownPayloadType is returned by unpack_payload when no codec is
// registered for a type_url, or the registered codec's Go type does not
// match the requested destination.
type UnknownPayloadType struct {
	TypeURL string
}

func (e *UnknownPayloadType) Error() string {
	return "unknown payload type: " + e.TypeURL
}
