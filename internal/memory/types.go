// Package memory turns raw conversation turns into durable, queryable
// semantic memory: segmentation, entity/fact extraction, embedding, and
// two-tier storage across the key-value and vector-store layers.
package memory

import "time"

// FactType classifies an extracted fact.
type FactType string

const (
	FactIdentity     FactType = "identity"
	FactPreference   FactType = "preference"
	FactRelationship FactType = "relationship"
	FactTemporal     FactType = "temporal"
	FactContext      FactType = "context"
)

// Turn is one raw conversation turn fed to ingest.
type Turn struct {
	Speaker   string
	Text      string
	Timestamp time.Time
}

// Segment is a group of consecutive turns stored as one retrievable unit.
type Segment struct {
	ID             string
	ConversationID string
	UserID         string
	TurnStart      int
	TurnEnd        int
	Text           string
	Timestamp      time.Time
	Entities       []Entity
}

// Entity is a typed span recognized within a segment's text.
type Entity struct {
	Text  string
	Label string
}

// Fact is an extracted, classified, storable fact about a user.
type Fact struct {
	ID             string
	UserID         string
	ConversationID string
	FactType       FactType
	Content        string
	Confidence     float64
	Immutable      bool // true for user-curated facts; never auto-expired
	CreatedAt      time.Time
	SourceMessage  string
	Note           string
	Tags           []string
}

// Record is a ranked retrieval hit returned by recall.
type Record struct {
	ID         string
	Content    string
	Similarity float32
	Metadata   map[string]interface{}
}

// IngestResult reports how much of an ingest call was new work.
type IngestResult struct {
	SegmentsStored int
	FactsStored    int
}
