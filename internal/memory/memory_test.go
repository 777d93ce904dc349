package memory

import (
	"context"
	"testing"
	"time"

	"github.com/boeni-industries/aico-sub003/internal/envelope"
	"github.com/boeni-industries/aico-sub003/internal/kvstore"
	"github.com/boeni-industries/aico-sub003/internal/queue"
	"github.com/boeni-industries/aico-sub003/internal/tokencount"
	"github.com/boeni-industries/aico-sub003/internal/vectorstore"
)

const testDims = 8

// stubBackend returns a short deterministic vector per text (derived from
// its length) and tags every text with one PERSON entity so recall's
// entity-boost path has something to match against.
type stubBackend struct{}

func (stubBackend) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, testDims)
		for j := range v {
			v[j] = float32((len(t)+j)%7) + 1
		}
		out[i] = v
	}
	return out, nil
}

func (stubBackend) NER(ctx context.Context, texts []string) ([][]envelope.Entity, error) {
	out := make([][]envelope.Entity, len(texts))
	for i := range texts {
		out[i] = []envelope.Entity{{Text: "Alice", Label: "PERSON"}}
	}
	return out, nil
}

func newTestStore(t *testing.T) (*Store, func()) {
	t.Helper()

	// Two ingests plus a recall submit more than the default 5-token burst,
	// and a rate-limited embedding falls back to a 768-dim vector that the
	// 8-dim test store rejects, so the limit is raised here.
	qCfg := queue.DefaultConfig()
	qCfg.RateLimitPerSecond = 100
	q := queue.New(qCfg, stubBackend{})
	q.Start(2)

	kv, err := kvstore.Open(kvstore.DefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}

	vectors := vectorstore.NewStore(t.TempDir(), testDims)
	counter, err := tokencount.NewCounter(tokencount.Config{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("tokencount.NewCounter: %v", err)
	}

	store := New(DefaultConfig(), q, vectors, kv, counter)
	cleanup := func() {
		q.Stop(time.Second)
		kv.Close()
	}
	return store, cleanup
}

func sampleTurns(base time.Time) []Turn {
	return []Turn{
		{Speaker: "user", Text: "Hi there, my name is Alice Carter", Timestamp: base},
		{Speaker: "assistant", Text: "Nice to meet you, Alice Carter", Timestamp: base.Add(time.Second)},
		{Speaker: "user", Text: "I really like hiking trips", Timestamp: base.Add(2 * time.Second)},
	}
}

func TestIngestStoresSegmentsAndFacts(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	result, err := store.Ingest(ctx, sampleTurns(time.Now()), "conv-1", "user-1")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if result.SegmentsStored == 0 {
		t.Fatal("expected at least one segment stored")
	}
	if result.FactsStored == 0 {
		t.Fatal("expected at least one fact stored")
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	turns := sampleTurns(time.Now())

	first, err := store.Ingest(ctx, turns, "conv-2", "user-1")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if first.SegmentsStored == 0 {
		t.Fatal("expected work on first ingest")
	}

	second, err := store.Ingest(ctx, turns, "conv-2", "user-1")
	if err != nil {
		t.Fatalf("Ingest (repeat): %v", err)
	}
	if second.SegmentsStored != 0 || second.FactsStored != 0 {
		t.Fatalf("expected no-op on repeat ingest, got %+v", second)
	}
}

func TestRecallReturnsStoredSegment(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	if _, err := store.Ingest(ctx, sampleTurns(time.Now()), "conv-3", "user-1"); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	records, err := store.Recall(ctx, collectionConversationSegments, "Alice Carter", "user-1", 5)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(records) == 0 {
		t.Fatal("expected at least one recalled segment")
	}
}

func TestRecallIsolatesByUser(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	base := time.Now()
	if _, err := store.Ingest(ctx, sampleTurns(base), "conv-4", "user-a"); err != nil {
		t.Fatalf("Ingest user-a: %v", err)
	}
	if _, err := store.Ingest(ctx, sampleTurns(base.Add(time.Hour)), "conv-5", "user-b"); err != nil {
		t.Fatalf("Ingest user-b: %v", err)
	}

	records, err := store.Recall(ctx, collectionConversationSegments, "Alice Carter", "user-b", 10)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	for _, r := range records {
		if uid, _ := r.Metadata["user_id"].(string); uid != "user-b" {
			t.Fatalf("expected only user-b records, got %+v", r.Metadata)
		}
	}
}

func TestCurateFactIsImmutableAndHighConfidence(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	fact, err := store.CurateFact(ctx, "user-1", "msg-123", string(FactIdentity), "prefers dark mode", "set by user", []string{"ui"})
	if err != nil {
		t.Fatalf("CurateFact: %v", err)
	}
	if !fact.Immutable {
		t.Fatal("expected curated fact to be immutable")
	}
	if fact.Confidence != 1.0 {
		t.Fatalf("expected confidence 1.0, got %v", fact.Confidence)
	}

	records, err := store.Recall(ctx, collectionUserFacts, "dark mode", "user-1", 5)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(records) == 0 {
		t.Fatal("expected curated fact to be recallable")
	}
}

func TestDeleteUserDataRemovesOnlyThatUser(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	base := time.Now()
	if _, err := store.Ingest(ctx, sampleTurns(base), "conv-6", "user-x"); err != nil {
		t.Fatalf("Ingest user-x: %v", err)
	}
	if _, err := store.Ingest(ctx, sampleTurns(base.Add(time.Hour)), "conv-7", "user-y"); err != nil {
		t.Fatalf("Ingest user-y: %v", err)
	}

	if err := store.DeleteUserData("user-x"); err != nil {
		t.Fatalf("DeleteUserData: %v", err)
	}

	records, err := store.Recall(ctx, collectionConversationSegments, "Alice Carter", "user-x", 10)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected zero user-x records after deletion, got %d", len(records))
	}

	records, err = store.Recall(ctx, collectionConversationSegments, "Alice Carter", "user-y", 10)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(records) == 0 {
		t.Fatal("expected user-y records to survive deletion of user-x")
	}
}

func TestCleanupOldFactsKeepsImmutableFacts(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	if _, err := store.CurateFact(ctx, "user-1", "msg-1", string(FactIdentity), "curated fact here", "", nil); err != nil {
		t.Fatalf("CurateFact: %v", err)
	}

	store.cfg.RetentionDays = -1 // cutoff in the future: everything non-immutable looks expired
	removed, err := store.CleanupOldFacts()
	if err != nil {
		t.Fatalf("CleanupOldFacts: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected immutable facts to survive cleanup, removed %d", removed)
	}
}
