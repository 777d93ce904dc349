// Package tokencount estimates token usage for text sent to the external
// model runtime, so callers can size conversation segments and envelope
// chunks before submitting them.
package tokencount

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Counter estimates tokens for a target model's tokenizer and limits.
type Counter interface {
	Count(text string) (int, error)
	MaxContextWindow() int
	MaxOutputTokens() int
	ReserveTokens() int
	Model() string
}

// Config selects the model whose tokenizer and limits the counter should use.
type Config struct {
	Model        string
	SafetyMargin float64 // fraction of context window reserved, default 0.10
}

type modelLimits struct {
	contextWindow int
	maxOutput     int
}

var knownLimits = map[string]modelLimits{
	"gpt-4o":      {contextWindow: 128000, maxOutput: 16384},
	"gpt-4o-mini": {contextWindow: 128000, maxOutput: 16384},
	"gpt-4":       {contextWindow: 8192, maxOutput: 4096},
	"gpt-4-turbo": {contextWindow: 128000, maxOutput: 4096},
}

const defaultContextWindow = 128000
const defaultMaxOutput = 4096

type counter struct {
	model        string
	encoding     *tiktoken.Tiktoken
	safetyMargin float64
	limits       modelLimits
}

// NewCounter builds a Counter backed by tiktoken's o200k_base encoding,
// which is a reasonable default for the embedding/NER models this module
// talks to (the exact tokenizer does not need to match the downstream model
// exactly; it only needs to be a stable, monotonic proxy for payload size).
func NewCounter(cfg Config) (Counter, error) {
	if cfg.SafetyMargin == 0 {
		cfg.SafetyMargin = 0.10
	}

	enc, err := tiktoken.GetEncoding("o200k_base")
	if err != nil {
		return nil, fmt.Errorf("tokencount: failed to load encoding: %w", err)
	}

	limits, ok := knownLimits[cfg.Model]
	if !ok {
		limits = modelLimits{contextWindow: defaultContextWindow, maxOutput: defaultMaxOutput}
	}

	return &counter{
		model:        cfg.Model,
		encoding:     enc,
		safetyMargin: cfg.SafetyMargin,
		limits:       limits,
	}, nil
}

func (c *counter) Count(text string) (int, error) {
	return len(c.encoding.Encode(text, nil, nil)), nil
}

func (c *counter) MaxContextWindow() int { return c.limits.contextWindow }
func (c *counter) MaxOutputTokens() int  { return c.limits.maxOutput }
func (c *counter) ReserveTokens() int {
	return int(float64(c.limits.contextWindow) * c.safetyMargin)
}
func (c *counter) Model() string { return c.model }
