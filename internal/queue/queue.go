// Package queue implements the protected asynchronous request queue sitting
// in front of the embedding/NER backend: priority ordering, a token-bucket
// rate limiter, a three-state circuit breaker, batched embedding requests,
// exponential-backoff retries, and a deterministic fallback embedding used
// when the backend is unreachable.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/boeni-industries/aico-sub003/internal/envelope"
)

// Operation names the kind of work a request carries.
type Operation string

const (
	OpEmbedding Operation = "embedding"
	OpNER       Operation = "ner"
)

// Backend is the embedding/NER service the queue protects. The
// implementation in this module is internal/modelclient.Client, which calls
// the model runtime over HTTP.
type Backend interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	NER(ctx context.Context, texts []string) ([][]envelope.Entity, error)
}

// Result is what a completed request resolves to.
type Result struct {
	Embeddings [][]float32
	Entities   [][]envelope.Entity
	Fallback   bool
}

// Config tunes the queue's concurrency, rate limiting, circuit breaking,
// and batching behavior. Zero values fall back to the defaults the teacher
// pack uses for comparable protective layers, except MaxRetries: zero means
// no retries, and only a negative value takes the default of 3.
type Config struct {
	MaxConcurrent      int
	RateLimitPerSecond float64
	Circuit            CircuitConfig
	BatchSize          int
	BatchTimeout       time.Duration
	MaxRetries         int
	FallbackCacheSize  int
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrent:      2,
		RateLimitPerSecond: 5.0,
		Circuit:            DefaultCircuitConfig(),
		BatchSize:          10,
		BatchTimeout:       time.Second,
		MaxRetries:         3,
		FallbackCacheSize:  100,
	}
}

type request struct {
	id         string
	operation  Operation
	texts      []string
	priority   int
	createdAt  time.Time
	retryCount int
	resultCh   chan requestOutcome
	ctx        context.Context
}

type requestOutcome struct {
	result Result
	err    error
}

// priorityQueue orders requests by (-priority, enqueue time) so higher
// priority requests win, and ties break FIFO. It implements container/heap.
type priorityQueue []*request

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].priority != pq[j].priority {
		return pq[i].priority > pq[j].priority
	}
	return pq[i].createdAt.Before(pq[j].createdAt)
}
func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x interface{}) {
	*pq = append(*pq, x.(*request))
}
func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}

// Stats is a point-in-time snapshot for monitoring.
type Stats struct {
	RequestsProcessed int64
	RequestsFailed    int64
	CircuitBroken     int64
	RateLimited       int64
	QueueSize         int
	ActiveRequests    int
	CircuitState      CircuitState
	TokensAvailable   float64
}

// Queue is the protected async request queue in front of Backend.
type Queue struct {
	cfg     Config
	backend Backend

	breaker  *circuitBreaker
	limiter  *tokenBucket
	fallback *fallbackCache

	mu        sync.Mutex
	items     priorityQueue
	notEmpty  chan struct{}
	running   bool
	workersWG sync.WaitGroup
	stopCh    chan struct{}

	batchMu  sync.Mutex
	pending  map[Operation][]*request
	batchTmr map[Operation]*time.Timer

	statsMu sync.Mutex
	stats   Stats
}

// New constructs a Queue bound to backend. Call Start before Submit.
func New(cfg Config, backend Backend) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 3
	}

	q := &Queue{
		cfg:      cfg,
		backend:  backend,
		breaker:  newCircuitBreaker(cfg.Circuit),
		limiter:  newTokenBucket(cfg.RateLimitPerSecond),
		fallback: newFallbackCache(cfg.FallbackCacheSize),
		items:    make(priorityQueue, 0),
		notEmpty: make(chan struct{}, 1),
		pending:  make(map[Operation][]*request),
		batchTmr: make(map[Operation]*time.Timer),
	}
	heap.Init(&q.items)
	return q
}

// Start launches numWorkers worker goroutines that pull from the queue.
func (q *Queue) Start(numWorkers int) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.stopCh = make(chan struct{})
	q.mu.Unlock()

	if numWorkers <= 0 {
		numWorkers = 3
	}
	sem := make(chan struct{}, q.cfg.MaxConcurrent)
	for i := 0; i < numWorkers; i++ {
		q.workersWG.Add(1)
		go q.worker(sem)
	}
}

// Stop signals workers to exit and waits up to timeout for them to drain.
func (q *Queue) Stop(timeout time.Duration) {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.stopCh)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.workersWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
	}
}

// Submit enqueues operation over texts at priority and blocks until a
// worker completes it, ctx is cancelled, or the circuit/rate limit rejects
// it outright.
func (q *Queue) Submit(ctx context.Context, operation Operation, texts []string, priority int) (Result, error) {
	q.mu.Lock()
	running := q.running
	q.mu.Unlock()
	if !running {
		return Result{}, &NotRunningError{}
	}

	if !q.breaker.allow() {
		q.bump(func(s *Stats) { s.CircuitBroken++ })
		if operation != OpEmbedding {
			return Result{}, &CircuitOpenError{}
		}
		return Result{Embeddings: fallbackEmbeddings(texts, q.fallback), Fallback: true}, nil
	}

	if !q.limiter.acquire() {
		q.bump(func(s *Stats) { s.RateLimited++ })
		if operation != OpEmbedding {
			return Result{}, &RateLimitedError{}
		}
		return Result{Embeddings: fallbackEmbeddings(texts, q.fallback), Fallback: true}, nil
	}

	req := &request{
		id:        fmt.Sprintf("req_%d", time.Now().UnixNano()),
		operation: operation,
		texts:     texts,
		priority:  priority,
		createdAt: time.Now(),
		resultCh:  make(chan requestOutcome, 1),
		ctx:       ctx,
	}

	q.mu.Lock()
	heap.Push(&q.items, req)
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
	q.mu.Unlock()

	select {
	case outcome := <-req.resultCh:
		return outcome.result, outcome.err
	case <-ctx.Done():
		return Result{}, &RequestTimeoutError{RequestID: req.id}
	}
}

// fallbackEmbeddings returns deterministic pseudo-embeddings when the
// breaker or limiter rejects an embedding operation outright. Callers only
// reach this for OpEmbedding; operations with no degraded mode (NER) return
// CircuitOpenError/RateLimitedError instead.
func fallbackEmbeddings(texts []string, fc *fallbackCache) [][]float32 {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = fc.embed(t)
	}
	return out
}

func (q *Queue) bump(f func(*Stats)) {
	q.statsMu.Lock()
	f(&q.stats)
	q.statsMu.Unlock()
}

// worker pulls the next request, batching embeddings when the queue is
// deep enough to make it worthwhile, and processes everything else alone.
func (q *Queue) worker(sem chan struct{}) {
	defer q.workersWG.Done()

	for {
		select {
		case <-q.stopCh:
			return
		case <-q.notEmpty:
		case <-time.After(200 * time.Millisecond):
		}

		for {
			req := q.dequeue()
			if req == nil {
				break
			}

			sem <- struct{}{}
			if req.operation == OpEmbedding && q.shouldBatch() {
				q.enqueueBatch(req)
			} else {
				q.process(req)
			}
			<-sem
		}
	}
}

func (q *Queue) dequeue() *request {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*request)
}

func (q *Queue) shouldBatch() bool {
	q.mu.Lock()
	qsize := q.items.Len()
	q.mu.Unlock()
	return qsize >= q.cfg.BatchSize-1
}

// enqueueBatch accumulates req into the embedding batch, flushing
// immediately at BatchSize or BatchTimeout after the batch's first request
// arrived.
func (q *Queue) enqueueBatch(req *request) {
	q.batchMu.Lock()
	q.pending[OpEmbedding] = append(q.pending[OpEmbedding], req)
	batch := q.pending[OpEmbedding]

	if len(batch) >= q.cfg.BatchSize {
		q.pending[OpEmbedding] = nil
		if t, ok := q.batchTmr[OpEmbedding]; ok {
			t.Stop()
			delete(q.batchTmr, OpEmbedding)
		}
		q.batchMu.Unlock()
		q.executeBatch(batch)
		return
	}

	if _, ok := q.batchTmr[OpEmbedding]; !ok {
		q.batchTmr[OpEmbedding] = time.AfterFunc(q.cfg.BatchTimeout, func() {
			q.batchMu.Lock()
			pending := q.pending[OpEmbedding]
			q.pending[OpEmbedding] = nil
			delete(q.batchTmr, OpEmbedding)
			q.batchMu.Unlock()
			if len(pending) > 0 {
				q.executeBatch(pending)
			}
		})
	}
	q.batchMu.Unlock()
}

func (q *Queue) executeBatch(batch []*request) {
	texts := make([]string, 0, len(batch))
	offsets := make([]int, len(batch))
	for i, r := range batch {
		offsets[i] = len(texts)
		texts = append(texts, r.texts...)
	}

	ctx := context.Background()
	embeddings, err := q.backend.Embed(ctx, texts)
	if err != nil {
		q.breaker.report(false)
		for _, r := range batch {
			q.retryOrFail(r, err)
		}
		return
	}
	q.breaker.report(true)

	for i, r := range batch {
		start := offsets[i]
		end := start + len(r.texts)
		r.resultCh <- requestOutcome{result: Result{Embeddings: embeddings[start:end]}}
		q.bump(func(s *Stats) { s.RequestsProcessed++ })
	}
}

// process handles a single non-batched request (NER, or an embedding
// request that arrived when the queue was shallow).
func (q *Queue) process(req *request) {
	var result Result
	var err error

	switch req.operation {
	case OpEmbedding:
		var embeddings [][]float32
		embeddings, err = q.backend.Embed(req.ctx, req.texts)
		result = Result{Embeddings: embeddings}
	case OpNER:
		var entities [][]envelope.Entity
		entities, err = q.backend.NER(req.ctx, req.texts)
		result = Result{Entities: entities}
	default:
		err = &UnsupportedOperationError{Operation: string(req.operation)}
	}

	if err != nil {
		q.breaker.report(false)
		q.retryOrFail(req, err)
		return
	}

	q.breaker.report(true)
	req.resultCh <- requestOutcome{result: result}
	q.bump(func(s *Stats) { s.RequestsProcessed++ })
}

// retryOrFail re-enqueues req after an exponential backoff delay, capped
// at 30s, up to MaxRetries; beyond that the caller sees the final error.
func (q *Queue) retryOrFail(req *request, cause error) {
	if req.retryCount >= q.cfg.MaxRetries {
		q.bump(func(s *Stats) { s.RequestsFailed++ })
		req.resultCh <- requestOutcome{err: cause}
		return
	}

	req.retryCount++
	delay := backoffDelay(req.retryCount)

	go func() {
		select {
		case <-time.After(delay):
		case <-req.ctx.Done():
			req.resultCh <- requestOutcome{err: &RequestTimeoutError{RequestID: req.id}}
			return
		}

		q.mu.Lock()
		heap.Push(&q.items, req)
		select {
		case q.notEmpty <- struct{}{}:
		default:
		}
		q.mu.Unlock()
	}()
}

func backoffDelay(retryCount int) time.Duration {
	seconds := 1 << retryCount
	if seconds > 30 {
		seconds = 30
	}
	return time.Duration(seconds) * time.Second
}

// ResetCircuit forces the circuit breaker back to CLOSED. Supplemented
// operator control not present in the teacher's breaker, for recovering a
// falsely-tripped breaker without waiting out OpenTimeout.
func (q *Queue) ResetCircuit() {
	q.breaker.reset()
}

// Stats returns a snapshot of queue and breaker state for monitoring.
func (q *Queue) Stats() Stats {
	q.statsMu.Lock()
	snapshot := q.stats
	q.statsMu.Unlock()

	q.mu.Lock()
	snapshot.QueueSize = q.items.Len()
	q.mu.Unlock()

	snapshot.CircuitState = q.breaker.currentState()
	snapshot.TokensAvailable = q.limiter.available()
	return snapshot
}
