package envelope

import (
	"fmt"

	"github.com/boeni-industries/aico-sub003/internal/tokencount"
)

// Budget is a token-budget analysis for an envelope's payload against a
// target model's context window.
type Budget struct {
	PayloadTokens int
	HeaderTokens  int
	TotalTokens   int

	NeedsSplitting  bool
	SuggestedChunks int

	MaxContextWindow int
	MaxOutputTokens  int
	AvailableTokens  int
}

// CalculateBudget estimates whether env's payload fits the counter's model
// limits, and if not, how many chunks Chunk should produce.
func CalculateBudget(e *Envelope, counter tokencount.Counter) (*Budget, error) {
	payloadTokens, err := counter.Count(string(e.Payload))
	if err != nil {
		return nil, fmt.Errorf("envelope: failed to count payload tokens: %w", err)
	}

	headerTokens := estimateMetadataTokens(e)
	totalTokens := payloadTokens + headerTokens

	maxContext := counter.MaxContextWindow()
	maxOutput := counter.MaxOutputTokens()
	requiredSpace := maxOutput + counter.ReserveTokens()

	needsSplitting := totalTokens > (maxContext - requiredSpace)
	suggestedChunks := 1

	if needsSplitting {
		maxPayloadPerChunk := maxContext - headerTokens - requiredSpace
		if maxPayloadPerChunk <= 0 {
			return nil, fmt.Errorf("envelope: cannot fit payload: headers alone exceed available space")
		}
		suggestedChunks = (payloadTokens + maxPayloadPerChunk - 1) / maxPayloadPerChunk
		if suggestedChunks < 2 {
			suggestedChunks = 2
		}
	}

	return &Budget{
		PayloadTokens:    payloadTokens,
		HeaderTokens:     headerTokens,
		TotalTokens:      totalTokens,
		NeedsSplitting:   needsSplitting,
		SuggestedChunks:  suggestedChunks,
		MaxContextWindow: maxContext,
		MaxOutputTokens:  maxOutput,
		AvailableTokens:  maxContext - totalTokens - requiredSpace,
	}, nil
}

// estimateMetadataTokens is a conservative fixed-cost estimate for the
// envelope's routing/tracing metadata, which isn't run through the
// tokenizer directly.
func estimateMetadataTokens(e *Envelope) int {
	const base = 200
	return base + len(e.Headers)*10 + len(e.Properties)*15 + len(e.Route)*10
}
