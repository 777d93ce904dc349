// Command gateway is the client-facing process: it hosts the message bus
// broker, runs the handshake and encrypted-relay HTTP surface, and serves
// the fact-extraction/memory pipeline locally. Modeled on orchestrator's
// service-then-signal lifecycle.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/boeni-industries/aico-sub003/internal/broker"
	"github.com/boeni-industries/aico-sub003/internal/config"
	"github.com/boeni-industries/aico-sub003/internal/gatewayhttp"
	"github.com/boeni-industries/aico-sub003/internal/memory"
	"github.com/boeni-industries/aico-sub003/internal/modelclient"
	"github.com/boeni-industries/aico-sub003/public/runtime"
)

// requestTopics lists every modelservice/ollama topic the gateway exposes
// for relay, keyed by the HTTP path segment it's served under.
var requestTopics = map[string]string{
	"/modelservice/health":      "modelservice/health/request",
	"/modelservice/completions": "modelservice/completions/request",
	"/modelservice/embeddings":  "modelservice/embeddings/request",
	"/modelservice/models":      "modelservice/models/request",
	"/modelservice/ner":         "modelservice/ner/request",
	"/ollama/status":            "ollama/status/request",
	"/ollama/models/pull":       "ollama/models/pull/request",
}

func main() {
	var cfg *config.Config
	if len(os.Args) >= 2 {
		loaded, err := config.Load(os.Args[1])
		if err != nil {
			log.Fatalf("failed to load config from %s: %v", os.Args[1], err)
		}
		cfg = loaded
	} else {
		loaded, err := config.LoadFromEnv()
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg = loaded
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	brokerService := broker.NewService(broker.Config{Address: cfg.Broker.Address(), Debug: cfg.Debug})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := brokerService.Start(ctx); err != nil {
			log.Printf("broker service error: %v", err)
		}
	}()
	time.Sleep(100 * time.Millisecond)

	modelRuntime := modelclient.New(modelclient.Config{
		BaseURL: cfg.ModelRuntime.Ollama.URL,
		Model:   "default",
	})

	rt, err := runtime.New(runtime.Options{
		Component: "gateway",
		Config:    cfg,
		Backend:   modelRuntime,
	})
	if err != nil {
		log.Fatalf("failed to build runtime: %v", err)
	}
	if err := rt.Start(cfg.Queue.MaxConcurrent); err != nil {
		log.Fatalf("failed to start runtime: %v", err)
	}

	clockSkew := time.Duration(cfg.Channel.MaxClockSkewSeconds) * time.Second
	idleTimeout := time.Duration(cfg.Channel.SessionIdleTimeoutSeconds) * time.Second
	gw := gatewayhttp.New(rt.Identity, clockSkew, idleTimeout, rt.Broker, rt.Log)

	mux := http.NewServeMux()
	mux.HandleFunc("/handshake", gw.HandleHandshake)
	for path, topic := range requestTopics {
		mux.HandleFunc(path, gw.Relay(topic))
	}
	mux.HandleFunc("/memory/ingest", gw.Local(ingestHandler(rt.Memory)))
	mux.HandleFunc("/memory/recall", gw.Local(recallHandler(rt.Memory)))
	mux.HandleFunc("/memory/curate", gw.Local(curateHandler(rt.Memory)))
	mux.HandleFunc("/memory/delete", gw.Local(deleteHandler(rt.Memory)))

	server := &http.Server{Handler: mux, Addr: ":8443"}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
		}
	}()

	log.Printf("gateway started: broker on %s, http on %s", cfg.Broker.Address(), server.Addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		log.Printf("received signal: %s, shutting down", sig)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown error: %v", err)
	}

	if err := rt.Stop(10 * time.Second); err != nil {
		log.Printf("runtime stop error: %v", err)
	}

	cancel()
	if err := brokerService.Stop(); err != nil {
		log.Printf("broker service stop error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Println("gateway shut down cleanly")
	case <-time.After(10 * time.Second):
		log.Println("shutdown timeout exceeded")
	}
}

type ingestRequestBody struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Turns          []struct {
		Speaker   string `json:"speaker"`
		Text      string `json:"text"`
		Timestamp int64  `json:"timestamp_ms"`
	} `json:"turns"`
}

type ingestResponseBody struct {
	SegmentsStored int `json:"segments_stored"`
	FactsStored    int `json:"facts_stored"`
}

func ingestHandler(store *memory.Store) func(context.Context, []byte) ([]byte, error) {
	return func(ctx context.Context, plaintext []byte) ([]byte, error) {
		var req ingestRequestBody
		if err := json.Unmarshal(plaintext, &req); err != nil {
			return nil, fmt.Errorf("gateway: malformed ingest request: %w", err)
		}
		turns := make([]memory.Turn, len(req.Turns))
		for i, t := range req.Turns {
			turns[i] = memory.Turn{Speaker: t.Speaker, Text: t.Text, Timestamp: msToTime(t.Timestamp)}
		}
		result, err := store.Ingest(ctx, turns, req.ConversationID, req.UserID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(ingestResponseBody{SegmentsStored: result.SegmentsStored, FactsStored: result.FactsStored})
	}
}

type recallRequestBody struct {
	Collection string `json:"collection"`
	Query      string `json:"query"`
	UserID     string `json:"user_id"`
	MaxResults int    `json:"max_results"`
}

func recallHandler(store *memory.Store) func(context.Context, []byte) ([]byte, error) {
	return func(ctx context.Context, plaintext []byte) ([]byte, error) {
		var req recallRequestBody
		if err := json.Unmarshal(plaintext, &req); err != nil {
			return nil, fmt.Errorf("gateway: malformed recall request: %w", err)
		}
		records, err := store.Recall(ctx, req.Collection, req.Query, req.UserID, req.MaxResults)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Records []memory.Record `json:"records"`
		}{Records: records})
	}
}

type curateRequestBody struct {
	UserID        string   `json:"user_id"`
	SourceMessage string   `json:"source_message"`
	Category      string   `json:"category"`
	Content       string   `json:"content"`
	Note          string   `json:"note"`
	Tags          []string `json:"tags"`
}

func curateHandler(store *memory.Store) func(context.Context, []byte) ([]byte, error) {
	return func(ctx context.Context, plaintext []byte) ([]byte, error) {
		var req curateRequestBody
		if err := json.Unmarshal(plaintext, &req); err != nil {
			return nil, fmt.Errorf("gateway: malformed curate request: %w", err)
		}
		fact, err := store.CurateFact(ctx, req.UserID, req.SourceMessage, req.Category, req.Content, req.Note, req.Tags)
		if err != nil {
			return nil, err
		}
		return json.Marshal(fact)
	}
}

type deleteRequestBody struct {
	UserID string `json:"user_id"`
}

func deleteHandler(store *memory.Store) func(context.Context, []byte) ([]byte, error) {
	return func(ctx context.Context, plaintext []byte) ([]byte, error) {
		var req deleteRequestBody
		if err := json.Unmarshal(plaintext, &req); err != nil {
			return nil, fmt.Errorf("gateway: malformed delete request: %w", err)
		}
		if err := store.DeleteUserData(req.UserID); err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Status string `json:"status"`
		}{Status: "deleted"})
	}
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
