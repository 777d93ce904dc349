package memory

import (
	"container/list"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/boeni-industries/aico-sub003/internal/kvstore"
	"github.com/boeni-industries/aico-sub003/internal/queue"
	"github.com/boeni-industries/aico-sub003/internal/tokencount"
	"github.com/boeni-industries/aico-sub003/internal/vectorstore"
)

const (
	collectionUserFacts            = "user_facts"
	collectionConversationSegments = "conversation_segments"

	entityBoostFactor = 2.5
	entityBoostCap    = 1.0

	defaultRetentionDays = 90
)

// Config tunes the pipeline's thresholds; zero values take the documented
// defaults.
type Config struct {
	ConfidenceFloor  float64
	SegmentMaxTokens int
	SegmentMaxGap    time.Duration
	RetentionDays    int
	QueryCacheSize   int
}

func DefaultConfig() Config {
	return Config{
		ConfidenceFloor:  DefaultConfidenceFloor,
		SegmentMaxTokens: DefaultSegmentMaxTokens,
		SegmentMaxGap:    DefaultSegmentGap,
		RetentionDays:    defaultRetentionDays,
		QueryCacheSize:   100,
	}
}

// Store is the fact-extraction and two-tier memory pipeline: C4's queue for
// embeddings/NER, the vector store for facts and segments, and a bounded
// in-memory cache of recent query embeddings.
type Store struct {
	cfg     Config
	queue   *queue.Queue
	vectors *vectorstore.Store
	kv      kvstore.KVStore
	counter tokencount.Counter

	queryCacheMu sync.Mutex
	queryCache   *list.List
	queryIndex   map[string]*list.Element
}

type queryCacheEntry struct {
	key       string
	embedding []float32
}

// New constructs a Store wired to q (C4), vectors, and kv.
func New(cfg Config, q *queue.Queue, vectors *vectorstore.Store, kv kvstore.KVStore, counter tokencount.Counter) *Store {
	if cfg.ConfidenceFloor <= 0 {
		cfg.ConfidenceFloor = DefaultConfidenceFloor
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = defaultRetentionDays
	}
	if cfg.QueryCacheSize <= 0 {
		cfg.QueryCacheSize = 100
	}

	return &Store{
		cfg:        cfg,
		queue:      q,
		vectors:    vectors,
		kv:         kv,
		counter:    counter,
		queryCache: list.New(),
		queryIndex: make(map[string]*list.Element),
	}
}

// Ingest turns raw conversation turns into stored segments and facts.
// Idempotent per (conversation_id, turn_range): re-ingesting the same range,
// even across a restart, is a no-op, since the marker lives in the
// key-value store rather than process memory.
func (s *Store) Ingest(ctx context.Context, turns []Turn, conversationID, userID string) (IngestResult, error) {
	key := "ingested:" + ingestKey(conversationID, turns)
	if done, err := s.kv.Exists(key); err == nil && done {
		return IngestResult{}, nil
	}

	segments, err := segmentTurns(turns, conversationID, userID, s.counter, s.cfg.SegmentMaxTokens, s.cfg.SegmentMaxGap)
	if err != nil {
		return IngestResult{}, err
	}

	var result IngestResult
	var facts []Fact

	for i := range segments {
		seg := &segments[i]

		entities, err := s.extractEntities(ctx, seg.Text)
		if err == nil {
			seg.Entities = entities
		}

		for _, cand := range filterCandidates(extractCandidates(seg.Text), s.cfg.ConfidenceFloor) {
			facts = append(facts, Fact{
				ID:             factID(userID, cand.factType, cand.content),
				UserID:         userID,
				ConversationID: conversationID,
				FactType:       cand.factType,
				Content:        cand.content,
				Confidence:     cand.confidence,
				CreatedAt:      seg.Timestamp,
			})
		}
	}

	if stored, err := s.storeSegments(ctx, segments); err == nil {
		result.SegmentsStored = stored
	} else {
		return result, err
	}

	if stored, err := s.storeFacts(ctx, facts); err == nil {
		result.FactsStored = stored
	} else {
		return result, err
	}

	if err := s.kv.Set(key, []byte{1}); err != nil {
		return result, fmt.Errorf("memory: failed to record ingest marker: %w", err)
	}

	return result, nil
}

func ingestKey(conversationID string, turns []Turn) string {
	if len(turns) == 0 {
		return conversationID + ":empty"
	}
	return conversationID + ":0-" + strconv.Itoa(len(turns)-1)
}

func (s *Store) extractEntities(ctx context.Context, text string) ([]Entity, error) {
	result, err := s.queue.Submit(ctx, queue.OpNER, []string{text}, 0)
	if err != nil || len(result.Entities) == 0 {
		return nil, err
	}
	out := make([]Entity, 0, len(result.Entities[0]))
	for _, e := range result.Entities[0] {
		out = append(out, Entity{Text: e.Text, Label: e.Label})
	}
	return out, nil
}

// storeSegments embeds and writes every segment. A failed embedding fails
// only that segment's storage; the rest of the batch proceeds, and the
// source conversation turn is never lost since it lives in the source
// store outside this package.
func (s *Store) storeSegments(ctx context.Context, segments []Segment) (int, error) {
	if len(segments) == 0 {
		return 0, nil
	}

	texts := make([]string, len(segments))
	for i, seg := range segments {
		texts[i] = seg.Text
	}

	result, err := s.queue.Submit(ctx, queue.OpEmbedding, texts, 0)
	if err != nil {
		return 0, &EmbeddingFailedError{Item: "segment batch", Cause: err}
	}

	collection, err := s.vectors.Collection(collectionConversationSegments)
	if err != nil {
		return 0, err
	}

	stored := 0
	for i, seg := range segments {
		if i >= len(result.Embeddings) || result.Embeddings[i] == nil {
			continue
		}
		meta := segmentMetadata(seg)
		if err := s.insertWithRetry(collection, seg.ID, result.Embeddings[i], meta); err != nil {
			continue
		}
		stored++
	}
	return stored, nil
}

func (s *Store) storeFacts(ctx context.Context, facts []Fact) (int, error) {
	if len(facts) == 0 {
		return 0, nil
	}

	texts := make([]string, len(facts))
	for i, f := range facts {
		texts[i] = f.Content
	}

	result, err := s.queue.Submit(ctx, queue.OpEmbedding, texts, 0)
	if err != nil {
		return 0, &EmbeddingFailedError{Item: "fact batch", Cause: err}
	}

	collection, err := s.vectors.Collection(collectionUserFacts)
	if err != nil {
		return 0, err
	}

	stored := 0
	for i, f := range facts {
		if i >= len(result.Embeddings) || result.Embeddings[i] == nil {
			continue
		}
		meta := factMetadata(f)
		if err := s.insertWithRetry(collection, f.ID, result.Embeddings[i], meta); err != nil {
			continue
		}
		stored++
	}
	return stored, nil
}

// insertWithRetry writes a record, retrying once inline before surfacing a
// StorageFailedError.
func (s *Store) insertWithRetry(idx *vectorstore.FlatIndex, id string, vector []float32, meta map[string]interface{}) error {
	err := idx.Insert(id, vector, meta)
	if err == nil {
		return nil
	}
	if err = idx.Insert(id, vector, meta); err != nil {
		return &StorageFailedError{RecordID: id, Cause: err}
	}
	return nil
}

// CurateFact stores a user-curated fact with elevated, fixed confidence,
// bypassing the heuristic extractor entirely.
func (s *Store) CurateFact(ctx context.Context, userID, sourceMessage, category, content, note string, tags []string) (Fact, error) {
	fact := Fact{
		ID:            factID(userID, FactType(category), content),
		UserID:        userID,
		FactType:      FactType(category),
		Content:       content,
		Confidence:    1.0,
		Immutable:     true,
		CreatedAt:     time.Now().UTC(),
		SourceMessage: sourceMessage,
		Note:          note,
		Tags:          tags,
	}

	if _, err := s.storeFacts(ctx, []Fact{fact}); err != nil {
		return Fact{}, err
	}
	return fact, nil
}

// Recall embeds query_text (using the query-embedding cache), searches
// collection under an equality filter on user_id, and applies the
// entity-match boost before returning the top-k records.
func (s *Store) Recall(ctx context.Context, collection, queryText, userID string, maxResults int) ([]Record, error) {
	embedding, err := s.embedQuery(ctx, queryText)
	if err != nil {
		return nil, err
	}

	idx, err := s.vectors.Collection(collection)
	if err != nil {
		return nil, err
	}

	matches, err := idx.Search(embedding, maxResults*4, map[string]interface{}{"user_id": userID})
	if err != nil {
		return nil, err
	}

	lowerQuery := strings.ToLower(queryText)
	for i := range matches {
		if entityMatches(matches[i].Metadata, lowerQuery) {
			matches[i].Score = boost(matches[i].Score)
		}
	}

	sortMatchesByScore(matches)
	if maxResults > 0 && maxResults < len(matches) {
		matches = matches[:maxResults]
	}

	out := make([]Record, len(matches))
	for i, m := range matches {
		out[i] = Record{ID: m.ID, Similarity: m.Score, Metadata: m.Metadata}
		if content, ok := m.Metadata["content"].(string); ok {
			out[i].Content = content
		}
	}
	return out, nil
}

func boost(score float32) float32 {
	boosted := score * entityBoostFactor
	if boosted > entityBoostCap {
		return entityBoostCap
	}
	return boosted
}

// entityMatches reports whether any comma-separated entity text in meta's
// entities_json value occurs literally (case-insensitive) in the query.
func entityMatches(meta map[string]interface{}, lowerQuery string) bool {
	raw, ok := meta["entities_json"].(string)
	if !ok || raw == "" {
		return false
	}
	for _, token := range strings.Split(raw, ",") {
		token = strings.ToLower(strings.TrimSpace(token))
		if token != "" && strings.Contains(lowerQuery, token) {
			return true
		}
	}
	return false
}

func sortMatchesByScore(matches []vectorstore.Match) {
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j].Score > matches[j-1].Score; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}
}

// embedQuery returns query_text's embedding, consulting and maintaining a
// bounded least-recently-used cache keyed on a truncation of the query text so repeated
// queries skip the round trip to C4.
func (s *Store) embedQuery(ctx context.Context, queryText string) ([]float32, error) {
	key := cacheKey(queryText)

	s.queryCacheMu.Lock()
	if el, ok := s.queryIndex[key]; ok {
		s.queryCache.MoveToFront(el)
		embedding := el.Value.(*queryCacheEntry).embedding
		s.queryCacheMu.Unlock()
		return embedding, nil
	}
	s.queryCacheMu.Unlock()

	result, err := s.queue.Submit(ctx, queue.OpEmbedding, []string{queryText}, 1)
	if err != nil || len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("memory: failed to embed query: %w", err)
	}
	embedding := result.Embeddings[0]

	s.queryCacheMu.Lock()
	el := s.queryCache.PushFront(&queryCacheEntry{key: key, embedding: embedding})
	s.queryIndex[key] = el
	if s.queryCache.Len() > s.cfg.QueryCacheSize {
		oldest := s.queryCache.Back()
		s.queryCache.Remove(oldest)
		delete(s.queryIndex, oldest.Value.(*queryCacheEntry).key)
	}
	s.queryCacheMu.Unlock()

	return embedding, nil
}

func cacheKey(queryText string) string {
	const truncateAt = 100
	if len(queryText) > truncateAt {
		queryText = queryText[:truncateAt]
	}
	return fmt.Sprintf("%s_%d", queryText, len(queryText))
}

// DeleteUserData removes every record metadata-tagged with userID from
// both collections: GDPR-style erasure.
func (s *Store) DeleteUserData(userID string) error {
	filter := map[string]interface{}{"user_id": userID}

	facts, err := s.vectors.Collection(collectionUserFacts)
	if err != nil {
		return err
	}
	if _, err := facts.DeleteWhere(filter); err != nil {
		return err
	}

	segments, err := s.vectors.Collection(collectionConversationSegments)
	if err != nil {
		return err
	}
	if _, err := segments.DeleteWhere(filter); err != nil {
		return err
	}

	return nil
}

// CleanupOldFacts removes temporary (non-immutable) facts older than
// RetentionDays; immutable (curated) facts are kept indefinitely.
func (s *Store) CleanupOldFacts() (int, error) {
	facts, err := s.vectors.Collection(collectionUserFacts)
	if err != nil {
		return 0, err
	}

	cutoffMs := time.Now().UTC().AddDate(0, 0, -s.cfg.RetentionDays).UnixMilli()
	removed, err := facts.DeleteFunc(func(meta map[string]interface{}) bool {
		if immutable, _ := meta["immutable"].(bool); immutable {
			return false
		}
		createdAt, ok := meta["created_at_ms"].(int64)
		if !ok {
			return false
		}
		return createdAt < cutoffMs
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func factID(userID string, factType FactType, content string) string {
	return "fact_" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(userID+"|"+string(factType)+"|"+strings.ToLower(content))).String()
}

func segmentMetadata(seg Segment) map[string]interface{} {
	meta := map[string]interface{}{
		"user_id":         seg.UserID,
		"conversation_id": seg.ConversationID,
		"type":            "conversation_segment",
		"content":         seg.Text,
		"turn_start":      seg.TurnStart,
		"turn_end":        seg.TurnEnd,
		"timestamp_ms":    seg.Timestamp.UnixMilli(),
	}
	if len(seg.Entities) > 0 {
		meta["entities_json"] = entitiesToCSV(seg.Entities)
	}
	return meta
}

func factMetadata(f Fact) map[string]interface{} {
	meta := map[string]interface{}{
		"user_id":         f.UserID,
		"conversation_id": f.ConversationID,
		"type":            "user_fact",
		"content":         f.Content,
		"fact_type":       string(f.FactType),
		"confidence":      f.Confidence,
		"immutable":       f.Immutable,
		"created_at_ms":   f.CreatedAt.UnixMilli(),
	}
	if f.SourceMessage != "" {
		meta["source_message"] = f.SourceMessage
	}
	if f.Note != "" {
		meta["note"] = f.Note
	}
	if len(f.Tags) > 0 {
		meta["tags_json"] = strings.Join(f.Tags, ",")
	}
	return meta
}

func entitiesToCSV(entities []Entity) string {
	parts := make([]string, len(entities))
	for i, e := range entities {
		parts[i] = e.Text
	}
	return strings.Join(parts, ",")
}
