package envelope

import (
	"strings"
	"testing"

	"github.com/boeni-industries/aico-sub003/internal/tokencount"
)

func TestCalculateBudgetSmallPayload(t *testing.T) {
	e, err := New("client-1", "modelservice", "embedding", EmbeddingRequest{
		Model:  "gpt-4o",
		Inputs: []string{"hello world"},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	counter, err := tokencount.NewCounter(tokencount.Config{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("NewCounter failed: %v", err)
	}

	budget, err := CalculateBudget(e, counter)
	if err != nil {
		t.Fatalf("CalculateBudget failed: %v", err)
	}

	if budget.PayloadTokens <= 0 {
		t.Errorf("expected positive payload tokens, got %d", budget.PayloadTokens)
	}
	if budget.TotalTokens != budget.PayloadTokens+budget.HeaderTokens {
		t.Errorf("total mismatch: %d != %d + %d", budget.TotalTokens, budget.PayloadTokens, budget.HeaderTokens)
	}
	if budget.NeedsSplitting {
		t.Error("small payload should not need splitting")
	}
}

func TestCalculateBudgetLargePayloadNeedsSplitting(t *testing.T) {
	huge := strings.Repeat("word ", 200000)
	e, err := New("client-1", "modelservice", "embedding", EmbeddingRequest{
		Model:  "gpt-4",
		Inputs: []string{huge},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	counter, err := tokencount.NewCounter(tokencount.Config{Model: "gpt-4"})
	if err != nil {
		t.Fatalf("NewCounter failed: %v", err)
	}

	budget, err := CalculateBudget(e, counter)
	if err != nil {
		t.Fatalf("CalculateBudget failed: %v", err)
	}

	if !budget.NeedsSplitting {
		t.Error("expected large payload to need splitting against gpt-4's 8192 window")
	}
	if budget.SuggestedChunks < 2 {
		t.Errorf("expected at least 2 suggested chunks, got %d", budget.SuggestedChunks)
	}
}
