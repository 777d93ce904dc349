package vectorstore

import (
	"path/filepath"
	"testing"
)

func TestInsertSearchReturnsClosestFirst(t *testing.T) {
	idx := NewFlatIndex(3)
	if err := idx.Insert("a", []float32{1, 0, 0}, map[string]interface{}{"user_id": "u1"}); err != nil {
		t.Fatalf("Insert a: %v", err)
	}
	if err := idx.Insert("b", []float32{0, 1, 0}, map[string]interface{}{"user_id": "u1"}); err != nil {
		t.Fatalf("Insert b: %v", err)
	}

	matches, err := idx.Search([]float32{1, 0, 0}, 2, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 2 || matches[0].ID != "a" {
		t.Fatalf("expected a first, got %+v", matches)
	}
	if matches[0].Score < matches[1].Score {
		t.Fatalf("expected descending score order, got %+v", matches)
	}
}

func TestSearchRejectsDimensionMismatch(t *testing.T) {
	idx := NewFlatIndex(3)
	if _, err := idx.Search([]float32{1, 0}, 1, nil); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestMetadataFilterExcludesNonMatching(t *testing.T) {
	idx := NewFlatIndex(2)
	idx.Insert("a", []float32{1, 0}, map[string]interface{}{"user_id": "u1"})
	idx.Insert("b", []float32{1, 0}, map[string]interface{}{"user_id": "u2"})

	matches, err := idx.Search([]float32{1, 0}, 10, map[string]interface{}{"user_id": "u1"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != "a" {
		t.Fatalf("expected only a to match filter, got %+v", matches)
	}
}

func TestDeleteWhereRemovesMatchingRecords(t *testing.T) {
	idx := NewFlatIndex(2)
	idx.Insert("a", []float32{1, 0}, map[string]interface{}{"user_id": "u1"})
	idx.Insert("b", []float32{0, 1}, map[string]interface{}{"user_id": "u1"})
	idx.Insert("c", []float32{1, 1}, map[string]interface{}{"user_id": "u2"})

	removed, err := idx.DeleteWhere(map[string]interface{}{"user_id": "u1"})
	if err != nil {
		t.Fatalf("DeleteWhere: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if idx.Size() != 1 {
		t.Fatalf("expected 1 remaining record, got %d", idx.Size())
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idx.msgpack")

	idx := NewFlatIndex(2)
	idx.Insert("a", []float32{1, 2}, map[string]interface{}{"tag": "x"})

	if err := idx.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded := NewFlatIndex(2)
	if err := reloaded.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.Size() != 1 {
		t.Fatalf("expected 1 record after reload, got %d", reloaded.Size())
	}
}

func TestLoadMissingFileIsNoop(t *testing.T) {
	idx := NewFlatIndex(2)
	if err := idx.Load(filepath.Join(t.TempDir(), "missing.msgpack")); err != nil {
		t.Fatalf("expected no error loading a missing file, got %v", err)
	}
}

func TestCosineToUnitScoreRange(t *testing.T) {
	if got := cosineToUnitScore(1); got != 1 {
		t.Fatalf("expected 1 for perfect similarity, got %v", got)
	}
	if got := cosineToUnitScore(-1); got != 0 {
		t.Fatalf("expected 0 for opposite vectors, got %v", got)
	}
	if got := cosineToUnitScore(0); got != 0.5 {
		t.Fatalf("expected 0.5 for orthogonal vectors, got %v", got)
	}
}

func TestStoreCollectionIsolation(t *testing.T) {
	store := NewStore(t.TempDir(), 2)

	facts, err := store.Collection("user_facts")
	if err != nil {
		t.Fatalf("Collection user_facts: %v", err)
	}
	facts.Insert("f1", []float32{1, 0}, nil)

	segments, err := store.Collection("conversation_segments")
	if err != nil {
		t.Fatalf("Collection conversation_segments: %v", err)
	}

	if facts.Size() != 1 || segments.Size() != 0 {
		t.Fatalf("expected isolated collections, got facts=%d segments=%d", facts.Size(), segments.Size())
	}

	if err := store.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}
