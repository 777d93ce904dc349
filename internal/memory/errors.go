package memory

import "fmt"

// EmbeddingFailedError wraps a failed embedding request for a whole segment
// or fact batch (Item names the batch); Ingest and CurateFact return it and
// store nothing from that batch. A single missing vector in an otherwise
// successful batch is skipped without this error.
type EmbeddingFailedError struct {
	Item  string
	Cause error
}

func (e *EmbeddingFailedError) Error() string {
	return fmt.Sprintf("memory: failed to embed %q: %v", e.Item, e.Cause)
}
func (e *EmbeddingFailedError) Unwrap() error { return e.Cause }

// StorageFailedError is surfaced after the single inline retry for a
// storage write also fails.
type StorageFailedError struct {
	RecordID string
	Cause    error
}

func (e *StorageFailedError) Error() string {
	return fmt.Sprintf("memory: failed to store record %s: %v", e.RecordID, e.Cause)
}
func (e *StorageFailedError) Unwrap() error { return e.Cause }
