package envelope

// Payload types carried by the standard topics in the mapping table (§6).
// Each implements Payload via PayloadTypeURL so pack_payload/unpack_payload
// can discriminate on the wire without reflection.

type PingPayload struct {
	N int `json:"n"`
}

func (PingPayload) PayloadTypeURL() string { return "aico.v1.Ping" }

type PongPayload struct {
	N    int  `json:"n"`
	Pong bool `json:"pong"`
}

func (PongPayload) PayloadTypeURL() string { return "aico.v1.Pong" }

type HealthRequest struct{}

func (HealthRequest) PayloadTypeURL() string { return "aico.v1.HealthRequest" }

type HealthResponse struct {
	Status string `json:"status"`
}

func (HealthResponse) PayloadTypeURL() string { return "aico.v1.HealthResponse" }

type EmbeddingRequest struct {
	Model  string   `json:"model"`
	Inputs []string `json:"inputs"`
}

func (EmbeddingRequest) PayloadTypeURL() string { return "aico.v1.EmbeddingRequest" }

type EmbeddingResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Fallback   bool        `json:"fallback,omitempty"`
}

func (EmbeddingResponse) PayloadTypeURL() string { return "aico.v1.EmbeddingResponse" }

type NERRequest struct {
	Texts []string `json:"texts"`
}

func (NERRequest) PayloadTypeURL() string { return "aico.v1.NERRequest" }

type Entity struct {
	Text  string `json:"text"`
	Label string `json:"label"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

type NERResponse struct {
	Entities [][]Entity `json:"entities"` // one slice per input text
}

func (NERResponse) PayloadTypeURL() string { return "aico.v1.NERResponse" }

// ErrorPayload is the structured `{kind, message, retry_after?}` shape used
// at the API surface per §7.
type ErrorPayload struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func (ErrorPayload) PayloadTypeURL() string { return "aico.v1.Error" }

// RawPayload carries opaque pre-encoded JSON when a caller has no typed
// struct to pack — used by internal/gatewayhttp for request bodies it only
// relays, and by tests.
type RawPayload struct {
	Data []byte
}

func (RawPayload) PayloadTypeURL() string { return "aico.v1.Raw" }

func (p RawPayload) MarshalJSON() ([]byte, error) {
	if p.Data == nil {
		return []byte("null"), nil
	}
	return p.Data, nil
}

func (p *RawPayload) UnmarshalJSON(data []byte) error {
	p.Data = append([]byte(nil), data...)
	return nil
}
