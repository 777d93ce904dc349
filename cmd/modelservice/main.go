// Command modelservice answers modelservice/* requests over the message
// bus: embeddings and NER go through the protected queue, health,
// completions and models call the model runtime directly. It subscribes to
// no ollama/* topic, so requests on those topics get no reply.
package main

import (
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boeni-industries/aico-sub003/internal/broker"
	"github.com/boeni-industries/aico-sub003/internal/config"
	"github.com/boeni-industries/aico-sub003/internal/envelope"
	"github.com/boeni-industries/aico-sub003/internal/modelclient"
	"github.com/boeni-industries/aico-sub003/internal/queue"
	"github.com/boeni-industries/aico-sub003/public/runtime"
)

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

	model := modelclient.New(modelclient.Config{
		BaseURL: cfg.ModelRuntime.Ollama.URL,
		Model:   "default",
	})

	rt, err := runtime.New(runtime.Options{
		Component: "modelservice",
		Config:    cfg,
		Backend:   model,
	})
	if err != nil {
		log.Fatalf("failed to build runtime: %v", err)
	}
	if err := rt.Start(cfg.Queue.MaxConcurrent); err != nil {
		log.Fatalf("failed to start runtime: %v", err)
	}

	subscribe(rt.Broker, "modelservice/health/request", func(req *envelope.Envelope) (interface{}, error) {
		err := model.Health(rt.Context())
		status := "ok"
		if err != nil {
			status = "unreachable"
		}
		return envelope.HealthResponse{Status: status}, nil
	}, rt)

	subscribe(rt.Broker, "modelservice/embeddings/request", func(req *envelope.Envelope) (interface{}, error) {
		var body envelope.EmbeddingRequest
		if err := decode(req, &body); err != nil {
			return nil, err
		}
		result, err := rt.Queue.Submit(rt.Context(), queue.OpEmbedding, body.Inputs, 0)
		if err != nil {
			return nil, err
		}
		return envelope.EmbeddingResponse{Embeddings: result.Embeddings, Fallback: result.Fallback}, nil
	}, rt)

	subscribe(rt.Broker, "modelservice/ner/request", func(req *envelope.Envelope) (interface{}, error) {
		var body envelope.NERRequest
		if err := decode(req, &body); err != nil {
			return nil, err
		}
		result, err := rt.Queue.Submit(rt.Context(), queue.OpNER, body.Texts, 0)
		if err != nil {
			return nil, err
		}
		return envelope.NERResponse{Entities: result.Entities}, nil
	}, rt)

	subscribe(rt.Broker, "modelservice/completions/request", func(req *envelope.Envelope) (interface{}, error) {
		var body struct {
			Prompt string `json:"prompt"`
		}
		if err := decode(req, &body); err != nil {
			return nil, err
		}
		text, err := model.Complete(rt.Context(), body.Prompt)
		if err != nil {
			return nil, err
		}
		return struct {
			Response string `json:"response"`
		}{Response: text}, nil
	}, rt)

	subscribe(rt.Broker, "modelservice/models/request", func(req *envelope.Envelope) (interface{}, error) {
		models, err := model.ListModels(rt.Context())
		if err != nil {
			return nil, err
		}
		return struct {
			Models []modelclient.ModelInfo `json:"models"`
		}{Models: models}, nil
	}, rt)

	log.Printf("modelservice started: model runtime at %s, broker at %s", cfg.ModelRuntime.Ollama.URL, cfg.Broker.Address())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("modelservice shutting down")

	if err := rt.Stop(10 * time.Second); err != nil {
		log.Printf("runtime stop error: %v", err)
	}
}

func decode(req *envelope.Envelope, out interface{}) error {
	return json.Unmarshal(req.Payload, out)
}

// subscribe wires a request-topic handler: decode happens inside fn, the
// reply is built via envelope.NewReply and published on the mapped
// response topic. A handler error is logged and no reply is sent, leaving
// the caller to time out — C3's retry/timeout policy, not this process's.
func subscribe(client *broker.Client, requestTopic string, fn func(*envelope.Envelope) (interface{}, error), rt *runtime.Runtime) {
	responseTopic, ok := broker.ResponseTopic(requestTopic)
	if !ok {
		log.Fatalf("modelservice: no response topic mapped for %s", requestTopic)
	}

	if err := client.Subscribe(requestTopic, func(req *envelope.Envelope) {
		payload, err := fn(req)
		if err != nil {
			rt.Log.Error("%s handler failed: %v", requestTopic, err)
			return
		}
		reply, err := envelope.NewReply(req, "modelservice", payload)
		if err != nil {
			rt.Log.Error("%s failed to build reply: %v", requestTopic, err)
			return
		}
		if err := client.Publish(responseTopic, reply); err != nil {
			rt.Log.Error("%s failed to publish reply: %v", requestTopic, err)
		}
	}); err != nil {
		log.Fatalf("modelservice: failed to subscribe to %s: %v", requestTopic, err)
	}
}
