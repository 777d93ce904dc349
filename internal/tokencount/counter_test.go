package tokencount

import "testing"

func TestNewCounterKnownModelUsesDocumentedLimits(t *testing.T) {
	c, err := NewCounter(Config{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("NewCounter: %v", err)
	}
	if c.MaxContextWindow() != 128000 {
		t.Fatalf("expected context window 128000, got %d", c.MaxContextWindow())
	}
	if c.MaxOutputTokens() != 16384 {
		t.Fatalf("expected max output 16384, got %d", c.MaxOutputTokens())
	}
	if c.Model() != "gpt-4o" {
		t.Fatalf("expected model gpt-4o, got %s", c.Model())
	}
}

func TestNewCounterUnknownModelUsesDefaults(t *testing.T) {
	c, err := NewCounter(Config{Model: "some-unreleased-model"})
	if err != nil {
		t.Fatalf("NewCounter: %v", err)
	}
	if c.MaxContextWindow() != defaultContextWindow {
		t.Fatalf("expected default context window %d, got %d", defaultContextWindow, c.MaxContextWindow())
	}
	if c.MaxOutputTokens() != defaultMaxOutput {
		t.Fatalf("expected default max output %d, got %d", defaultMaxOutput, c.MaxOutputTokens())
	}
}

func TestReserveTokensAppliesSafetyMargin(t *testing.T) {
	c, err := NewCounter(Config{Model: "gpt-4", SafetyMargin: 0.25})
	if err != nil {
		t.Fatalf("NewCounter: %v", err)
	}
	want := int(float64(8192) * 0.25)
	if got := c.ReserveTokens(); got != want {
		t.Fatalf("expected reserve tokens %d, got %d", want, got)
	}
}

func TestReserveTokensDefaultSafetyMargin(t *testing.T) {
	c, err := NewCounter(Config{Model: "gpt-4"})
	if err != nil {
		t.Fatalf("NewCounter: %v", err)
	}
	want := int(float64(8192) * 0.10)
	if got := c.ReserveTokens(); got != want {
		t.Fatalf("expected default reserve tokens %d, got %d", want, got)
	}
}

func TestCountReturnsPositiveTokenCountForNonEmptyText(t *testing.T) {
	c, err := NewCounter(Config{Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("NewCounter: %v", err)
	}
	n, err := c.Count("the quick brown fox jumps over the lazy dog")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n <= 0 {
		t.Fatalf("expected positive token count, got %d", n)
	}
}

func TestCountEmptyTextIsZero(t *testing.T) {
	c, err := NewCounter(Config{Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("NewCounter: %v", err)
	}
	n, err := c.Count("")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected zero tokens for empty text, got %d", n)
	}
}
