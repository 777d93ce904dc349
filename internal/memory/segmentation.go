package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/boeni-industries/aico-sub003/internal/tokencount"
)

// DefaultSegmentMaxTokens bounds a segment's size so it stays well inside
// the embedding backend's practical input length.
const DefaultSegmentMaxTokens = 512

// DefaultSegmentGap is the maximum time between two turns for them to be
// considered part of the same topical/temporal unit.
const DefaultSegmentGap = 10 * time.Minute

// segmentTurns groups consecutive turns into segments: a new segment starts
// whenever the gap since the previous turn exceeds maxGap, or adding the
// next turn would push the running segment over maxTokens.
func segmentTurns(turns []Turn, conversationID, userID string, counter tokencount.Counter, maxTokens int, maxGap time.Duration) ([]Segment, error) {
	if len(turns) == 0 {
		return nil, nil
	}
	if maxTokens <= 0 {
		maxTokens = DefaultSegmentMaxTokens
	}
	if maxGap <= 0 {
		maxGap = DefaultSegmentGap
	}

	var segments []Segment
	var lines []string
	var tokens int
	start := 0

	flush := func(end int) error {
		if len(lines) == 0 {
			return nil
		}
		text := strings.Join(lines, "\n")
		ts := turns[start].Timestamp
		segments = append(segments, Segment{
			ID:             segmentID(conversationID, start, end, ts),
			ConversationID: conversationID,
			UserID:         userID,
			TurnStart:      start,
			TurnEnd:        end,
			Text:           text,
			Timestamp:      ts,
		})
		lines = nil
		tokens = 0
		return nil
	}

	for i, turn := range turns {
		line := fmt.Sprintf("%s: %s", turn.Speaker, turn.Text)
		count, err := counter.Count(line)
		if err != nil {
			return nil, fmt.Errorf("memory: failed to count tokens for turn %d: %w", i, err)
		}

		newSegment := i > 0 && (turn.Timestamp.Sub(turns[i-1].Timestamp) > maxGap || tokens+count > maxTokens)
		if newSegment {
			if err := flush(i - 1); err != nil {
				return nil, err
			}
			start = i
		}

		lines = append(lines, line)
		tokens += count
	}

	if err := flush(len(turns) - 1); err != nil {
		return nil, err
	}
	return segments, nil
}

// segmentID derives a stable id from (conversation_id, turn_range,
// timestamp_ms) per the ingest idempotence contract: re-ingesting the same
// turn range produces the same segment id, making storage writes a no-op.
func segmentID(conversationID string, turnStart, turnEnd int, ts time.Time) string {
	return fmt.Sprintf("%s:%d-%d:%d", conversationID, turnStart, turnEnd, ts.UnixMilli())
}
