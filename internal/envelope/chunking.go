package envelope

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Chunk splits an oversized envelope into smaller envelopes per budget's
// SuggestedChunks, so each piece fits the target model's context window.
func Chunk(e *Envelope, budget *Budget) ([]*Envelope, error) {
	if !budget.NeedsSplitting {
		return []*Envelope{e}, nil
	}

	var chunks [][]byte
	var err error
	if isJSONArray(e.Payload) {
		chunks, err = splitJSONArray(e.Payload, budget.SuggestedChunks)
	} else {
		chunks, err = splitTextPayload(e.Payload, budget.SuggestedChunks)
	}
	if err != nil {
		return nil, fmt.Errorf("envelope: failed to split payload: %w", err)
	}

	groupID := uuid.New().String()
	out := make([]*Envelope, len(chunks))
	for i, c := range chunks {
		out[i] = &Envelope{
			ID:             uuid.New().String(),
			CorrelationID:  e.ID,
			TraceID:        e.TraceID,
			SpanID:         uuid.New().String(),
			Source:         e.Source,
			Destination:    e.Destination,
			MessageType:    e.MessageType,
			Version:        e.Version,
			Timestamp:      e.Timestamp,
			PayloadTypeURL: e.PayloadTypeURL,
			Payload:        c,
			Headers:        copyHeaders(e.Headers),
			Properties:     copyProperties(e.Properties),
			Route:          copyRoute(e.Route),
			TTL:            e.TTL,
			Sequence:       e.Sequence,
			HopCount:       e.HopCount,
		}
		out[i].Headers["X-Chunk-ID"] = groupID
		out[i].Headers["X-Chunk-Index"] = strconv.Itoa(i)
		out[i].Headers["X-Chunk-Total"] = strconv.Itoa(len(chunks))
		out[i].Headers["X-Original-ID"] = e.ID
	}
	return out, nil
}

// Merge reassembles chunks produced by Chunk back into one envelope.
func Merge(chunks []*Envelope) (*Envelope, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("envelope: cannot merge empty chunk list")
	}
	if len(chunks) == 1 && chunks[0].Headers["X-Chunk-ID"] == "" {
		return chunks[0], nil
	}

	groupID := chunks[0].Headers["X-Chunk-ID"]
	if groupID == "" {
		return nil, fmt.Errorf("envelope: first chunk missing X-Chunk-ID header")
	}
	for i, c := range chunks {
		if c.Headers["X-Chunk-ID"] != groupID {
			return nil, fmt.Errorf("envelope: chunk %d belongs to a different group", i)
		}
	}

	sorted := make([]*Envelope, len(chunks))
	copy(sorted, chunks)
	for i := range sorted {
		for j := i + 1; j < len(sorted); j++ {
			idxI, _ := strconv.Atoi(sorted[i].Headers["X-Chunk-Index"])
			idxJ, _ := strconv.Atoi(sorted[j].Headers["X-Chunk-Index"])
			if idxI > idxJ {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}

	expectedTotal, _ := strconv.Atoi(sorted[0].Headers["X-Chunk-Total"])
	if len(sorted) != expectedTotal {
		return nil, fmt.Errorf("envelope: missing chunks: have %d, want %d", len(sorted), expectedTotal)
	}

	merged := mergePayloads(sorted)
	result := &Envelope{
		ID:             sorted[0].Headers["X-Original-ID"],
		CorrelationID:  sorted[0].CorrelationID,
		TraceID:        sorted[0].TraceID,
		SpanID:         uuid.New().String(),
		Source:         sorted[0].Source,
		Destination:    sorted[0].Destination,
		MessageType:    sorted[0].MessageType,
		Version:        sorted[0].Version,
		Timestamp:      sorted[0].Timestamp,
		PayloadTypeURL: sorted[0].PayloadTypeURL,
		Payload:        merged,
		Headers:        copyHeaders(sorted[0].Headers),
		Properties:     copyProperties(sorted[0].Properties),
		Route:          copyRoute(sorted[0].Route),
		TTL:            sorted[0].TTL,
		Sequence:       sorted[0].Sequence,
		HopCount:       sorted[0].HopCount,
	}
	delete(result.Headers, "X-Chunk-ID")
	delete(result.Headers, "X-Chunk-Index")
	delete(result.Headers, "X-Chunk-Total")
	delete(result.Headers, "X-Original-ID")
	return result, nil
}

func isJSONArray(payload []byte) bool {
	var arr []interface{}
	return json.Unmarshal(payload, &arr) == nil
}

func splitJSONArray(payload []byte, numChunks int) ([][]byte, error) {
	var arr []interface{}
	if err := json.Unmarshal(payload, &arr); err != nil {
		return nil, fmt.Errorf("invalid JSON array: %w", err)
	}
	if len(arr) == 0 {
		return [][]byte{payload}, nil
	}

	chunkSize := int(math.Ceil(float64(len(arr)) / float64(numChunks)))
	if chunkSize < 1 {
		chunkSize = 1
	}

	chunks := make([][]byte, 0, numChunks)
	for i := 0; i < len(arr); i += chunkSize {
		end := i + chunkSize
		if end > len(arr) {
			end = len(arr)
		}
		b, err := json.Marshal(arr[i:end])
		if err != nil {
			return nil, fmt.Errorf("failed to marshal chunk: %w", err)
		}
		chunks = append(chunks, b)
	}
	return chunks, nil
}

func splitTextPayload(payload []byte, numChunks int) ([][]byte, error) {
	text := string(payload)
	if len(text) == 0 {
		return [][]byte{payload}, nil
	}

	chunkSize := len(text) / numChunks
	if chunkSize < 100 {
		chunkSize = 100
	}

	chunks := make([][]byte, 0, numChunks)
	start := 0
	for start < len(text) {
		end := start + chunkSize
		if end >= len(text) {
			chunks = append(chunks, []byte(text[start:]))
			break
		}
		end = findWordBoundary(text, end)
		if end <= start {
			end = start + chunkSize
		}
		chunks = append(chunks, []byte(text[start:end]))
		start = end
	}
	return chunks, nil
}

func findWordBoundary(text string, pos int) int {
	if pos >= len(text) {
		return len(text)
	}
	for i := pos; i < len(text) && i < pos+100; i++ {
		if isWhitespace(text[i]) {
			return i
		}
	}
	for i := pos; i > 0 && i > pos-100; i-- {
		if isWhitespace(text[i]) {
			return i
		}
	}
	return pos
}

func isWhitespace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func mergePayloads(chunks []*Envelope) []byte {
	if len(chunks) == 0 {
		return []byte("{}")
	}
	if isJSONArray(chunks[0].Payload) {
		return mergeJSONArrays(chunks)
	}
	return mergeTextPayloads(chunks)
}

func mergeJSONArrays(chunks []*Envelope) []byte {
	var combined []interface{}
	for _, c := range chunks {
		var arr []interface{}
		if err := json.Unmarshal(c.Payload, &arr); err != nil {
			return mergeTextPayloads(chunks)
		}
		combined = append(combined, arr...)
	}
	merged, err := json.Marshal(combined)
	if err != nil {
		return mergeTextPayloads(chunks)
	}
	return merged
}

func mergeTextPayloads(chunks []*Envelope) []byte {
	var b strings.Builder
	for _, c := range chunks {
		b.Write(c.Payload)
	}
	return []byte(b.String())
}

func copyHeaders(h map[string]string) map[string]string {
	if h == nil {
		return make(map[string]string)
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func copyProperties(p map[string]interface{}) map[string]interface{} {
	if p == nil {
		return make(map[string]interface{})
	}
	out := make(map[string]interface{}, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func copyRoute(r []string) []string {
	if r == nil {
		return make([]string, 0)
	}
	out := make([]string, len(r))
	copy(out, r)
	return out
}
