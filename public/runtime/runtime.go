// Package runtime wires the module's components into a single handle,
// the way cellorg's BaseAgent gives every agent its connections,
// configuration, and lifecycle in one embeddable struct.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/boeni-industries/aico-sub003/internal/broker"
	"github.com/boeni-industries/aico-sub003/internal/config"
	"github.com/boeni-industries/aico-sub003/internal/identity"
	"github.com/boeni-industries/aico-sub003/internal/kvstore"
	"github.com/boeni-industries/aico-sub003/internal/logging"
	"github.com/boeni-industries/aico-sub003/internal/memory"
	"github.com/boeni-industries/aico-sub003/internal/queue"
	"github.com/boeni-industries/aico-sub003/internal/tokencount"
	"github.com/boeni-industries/aico-sub003/internal/vectorstore"
)

// Options configures a Runtime at construction.
type Options struct {
	Component    string // e.g. "gateway", "modelservice"
	Config       *config.Config
	Backend      queue.Backend // embedding/NER backend; queue workers call it directly (there is no fallback-only mode for nil)
	KVDir        string
	VectorDir    string
	EmbeddingDim int
	Model        string // tokenizer model name for tokencount
}

// Runtime bundles this process's identity, logging, broker client, queue,
// and memory store. Both cmd/gateway and cmd/modelservice build one at
// startup and hold it for their process lifetime.
type Runtime struct {
	Component string
	Identity  *identity.ClientIdentity
	Log       *logging.Logger
	Broker    *broker.Client
	Queue     *queue.Queue
	Memory    *memory.Store
	KV        kvstore.KVStore
	Vectors   *vectorstore.Store

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Runtime from opts. It opens the key-value and vector
// stores, builds the protected request queue, and generates this
// component's handshake identity, but does not connect to the broker or
// start queue workers — call Start for that.
func New(opts Options) (*Runtime, error) {
	if opts.Config == nil {
		opts.Config = &config.Config{}
	}

	id, err := identity.Generate(opts.Component)
	if err != nil {
		return nil, fmt.Errorf("runtime: failed to generate identity: %w", err)
	}

	kvDir := opts.KVDir
	if kvDir == "" {
		kvDir = opts.Config.Storage.KVDir
	}
	kv, err := kvstore.Open(kvstore.DefaultConfig(kvDir))
	if err != nil {
		return nil, fmt.Errorf("runtime: failed to open kvstore: %w", err)
	}

	vectorDir := opts.VectorDir
	if vectorDir == "" {
		vectorDir = opts.Config.Storage.VectorDir
	}
	dims := opts.EmbeddingDim
	if dims == 0 {
		dims = 768
	}
	vectors := vectorstore.NewStore(vectorDir, dims)

	model := opts.Model
	if model == "" {
		model = "gpt-4o"
	}
	counter, err := tokencount.NewCounter(tokencount.Config{Model: model})
	if err != nil {
		return nil, fmt.Errorf("runtime: failed to build token counter: %w", err)
	}

	qCfg := queue.DefaultConfig()
	qCfg.MaxConcurrent = opts.Config.Queue.MaxConcurrent
	qCfg.RateLimitPerSecond = opts.Config.Queue.RateLimitPerSecond
	if opts.Config.Queue.CircuitFailureThreshold > 0 {
		qCfg.Circuit.FailureThreshold = opts.Config.Queue.CircuitFailureThreshold
	}
	if opts.Config.Queue.CircuitTimeoutSeconds > 0 {
		qCfg.Circuit.OpenTimeout = time.Duration(opts.Config.Queue.CircuitTimeoutSeconds) * time.Second
	}
	if opts.Config.Queue.BatchSize > 0 {
		qCfg.BatchSize = opts.Config.Queue.BatchSize
	}
	if opts.Config.Queue.BatchTimeoutSeconds > 0 {
		qCfg.BatchTimeout = time.Duration(opts.Config.Queue.BatchTimeoutSeconds) * time.Second
	}

	q := queue.New(qCfg, opts.Backend)
	memStore := memory.New(memory.DefaultConfig(), q, vectors, kv, counter)

	brokerClient := broker.NewClient(opts.Config.Broker.Address(), opts.Component, opts.Config.Debug)
	brokerClient.SetCounter(counter)

	ctx, cancel := context.WithCancel(context.Background())

	return &Runtime{
		Component: opts.Component,
		Identity:  id,
		Log:       logging.New(opts.Component, opts.Config.Debug),
		Broker:    brokerClient,
		Queue:     q,
		Memory:    memStore,
		KV:        kv,
		Vectors:   vectors,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start connects to the broker and starts queue workers.
func (r *Runtime) Start(numQueueWorkers int) error {
	if err := r.Broker.Connect(); err != nil {
		return fmt.Errorf("runtime: failed to connect to broker: %w", err)
	}
	r.Queue.Start(numQueueWorkers)
	r.Log.Info("started")
	return nil
}

// Stop drains the queue, disconnects from the broker, flushes the vector
// store, and closes the key-value store, in that order so nothing is
// still writing to a store that's about to close.
func (r *Runtime) Stop(drainTimeout time.Duration) error {
	r.cancel()
	r.Queue.Stop(drainTimeout)
	if err := r.Broker.Disconnect(); err != nil {
		r.Log.Error("failed to disconnect from broker: %v", err)
	}

	if err := r.Vectors.Flush(); err != nil {
		r.Log.Error("failed to flush vector store: %v", err)
	}
	if err := r.KV.Close(); err != nil {
		return fmt.Errorf("runtime: failed to close kvstore: %w", err)
	}
	r.Log.Info("stopped")
	return nil
}

// Context returns the runtime's cancellation context, cancelled by Stop.
func (r *Runtime) Context() context.Context {
	return r.ctx
}
