package envelope

import "encoding/json"

// Payload is implemented by every typed value that can travel inside an
// Envelope. PayloadTypeURL returns the stable tag written to the envelope's
// payload_type_url field so a receiver can dispatch before unmarshaling.
type Payload interface {
	PayloadTypeURL() string
}

// packPayload is the `pack_payload` half of the discriminated-union
// mechanism: it marshals a typed value and tags it with its type URL.
func packPayload(v interface{}) (typeURL string, raw []byte, err error) {
	p, ok := v.(Payload)
	if !ok {
		return "", nil, &UnknownPayloadType{TypeURL: "<unregistered Go type>"}
	}
	raw, err = json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	return p.PayloadTypeURL(), raw, nil
}

// unpackPayload is the `unpack_payload` half: it checks the wire type_url
// against dst's own declared type_url before unmarshaling, so callers never
// silently decode a payload as the wrong type.
func unpackPayload(typeURL string, raw []byte, dst interface{}) error {
	p, ok := dst.(Payload)
	if !ok {
		return &UnknownPayloadType{TypeURL: typeURL}
	}
	if p.PayloadTypeURL() != typeURL {
		return &UnknownPayloadType{TypeURL: typeURL}
	}
	return json.Unmarshal(raw, dst)
}
