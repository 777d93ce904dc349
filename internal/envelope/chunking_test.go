package envelope

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestChunkAndMergeTextPayload(t *testing.T) {
	e, err := New("client-1", "modelservice", "embedding", EmbeddingRequest{
		Model:  "gpt-4",
		Inputs: []string{strings.Repeat("a very long conversation transcript repeated many times ", 10)},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	budget := &Budget{NeedsSplitting: true, SuggestedChunks: 3}
	chunks, err := Chunk(e, budget)
	if err != nil {
		t.Fatalf("Chunk failed: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.Headers["X-Chunk-Total"] != "3" {
			t.Errorf("chunk %d missing total header", i)
		}
		if c.CorrelationID != e.ID {
			t.Errorf("chunk %d should correlate to original envelope", i)
		}
	}

	merged, err := Merge(chunks)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if merged.ID != e.ID {
		t.Errorf("expected merged envelope to restore original id %s, got %s", e.ID, merged.ID)
	}
	if _, ok := merged.Headers["X-Chunk-ID"]; ok {
		t.Error("merged envelope should not carry chunk headers")
	}
}

func TestChunkSkipsWhenBudgetFits(t *testing.T) {
	e, _ := New("client-1", "modelservice", "embedding", PingPayload{N: 1})
	budget := &Budget{NeedsSplitting: false}

	chunks, err := Chunk(e, budget)
	if err != nil {
		t.Fatalf("Chunk failed: %v", err)
	}
	if len(chunks) != 1 || chunks[0] != e {
		t.Error("expected no splitting when budget says it fits")
	}
}

func TestChunkJSONArray(t *testing.T) {
	arr := []int{1, 2, 3, 4, 5, 6}
	raw, _ := json.Marshal(arr)
	e := &Envelope{
		ID:             "env-1",
		Source:         "s",
		MessageType:    "bulk",
		Version:        Version,
		PayloadTypeURL: "aico.v1.Raw",
		Payload:        raw,
		Headers:        map[string]string{},
	}

	chunks, err := Chunk(e, &Budget{NeedsSplitting: true, SuggestedChunks: 2})
	if err != nil {
		t.Fatalf("Chunk failed: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}

	merged, err := Merge(chunks)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	var got []int
	if err := json.Unmarshal(merged.Payload, &got); err != nil {
		t.Fatalf("failed to unmarshal merged array: %v", err)
	}
	if len(got) != 6 {
		t.Errorf("expected 6 elements after merge, got %d", len(got))
	}
}
