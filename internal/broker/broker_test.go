package broker

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/boeni-industries/aico-sub003/internal/envelope"
)

// tinyCounter is a tokencount.Counter stub with a deliberately small context
// window, so a modest test payload is enough to force chunking. The window
// must still exceed the 200-token metadata estimate plus output and reserve
// tokens, or no chunk could hold any payload at all.
type tinyCounter struct{}

func (tinyCounter) Count(text string) (int, error) { return len(text), nil }
func (tinyCounter) MaxContextWindow() int          { return 400 }
func (tinyCounter) MaxOutputTokens() int           { return 20 }
func (tinyCounter) ReserveTokens() int             { return 10 }
func (tinyCounter) Model() string                  { return "tiny" }

func startTestService(t *testing.T) (*Service, string) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve a port: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	svc := NewService(Config{Address: addr})
	ctx, cancel := context.WithCancel(context.Background())
	go svc.Start(ctx)
	t.Cleanup(cancel)

	// give the listener a moment to come up
	for i := 0; i < 50; i++ {
		if conn, err := net.Dial("tcp", addr); err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return svc, addr
}

func TestPublishSubscribeDelivery(t *testing.T) {
	_, addr := startTestService(t)

	publisher := NewClient(addr, "publisher", false)
	if err := publisher.Connect(); err != nil {
		t.Fatalf("publisher connect: %v", err)
	}
	defer publisher.Disconnect()

	subscriber := NewClient(addr, "subscriber", false)
	if err := subscriber.Connect(); err != nil {
		t.Fatalf("subscriber connect: %v", err)
	}
	defer subscriber.Disconnect()

	received := make(chan *envelope.Envelope, 1)
	if err := subscriber.Subscribe("test/topic", func(e *envelope.Envelope) {
		received <- e
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	time.Sleep(20 * time.Millisecond) // let subscribe register server-side

	env, err := envelope.New("publisher", "", "test/topic", &envelope.PingPayload{N: 1})
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	if err := publisher.Publish("test/topic", env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-received:
		if got.ID != env.ID {
			t.Fatalf("expected message id %s, got %s", env.ID, got.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestRequestUnmappedTopic(t *testing.T) {
	_, addr := startTestService(t)

	client := NewClient(addr, "caller", false)
	if err := client.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := client.Request(ctx, "not/a/real/topic", &envelope.PingPayload{})
	if err == nil {
		t.Fatal("expected UnmappedTopic error")
	}
	if _, ok := err.(*UnmappedTopic); !ok {
		t.Fatalf("expected *UnmappedTopic, got %T: %v", err, err)
	}
}

func TestRequestTimesOutWithNoResponder(t *testing.T) {
	_, addr := startTestService(t)

	client := NewClient(addr, "caller", false)
	if err := client.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := client.Request(ctx, "modelservice/health/request", &envelope.HealthRequest{})
	if err == nil {
		t.Fatal("expected timeout error when nothing answers the request")
	}
	if _, ok := err.(*RequestTimeout); !ok {
		t.Fatalf("expected *RequestTimeout, got %T: %v", err, err)
	}
}

func TestPublishChunksOversizedEnvelopeAndReassembles(t *testing.T) {
	_, addr := startTestService(t)

	publisher := NewClient(addr, "publisher", false)
	publisher.SetCounter(tinyCounter{})
	if err := publisher.Connect(); err != nil {
		t.Fatalf("publisher connect: %v", err)
	}
	defer publisher.Disconnect()

	subscriber := NewClient(addr, "subscriber", false)
	if err := subscriber.Connect(); err != nil {
		t.Fatalf("subscriber connect: %v", err)
	}
	defer subscriber.Disconnect()

	received := make(chan *envelope.Envelope, 1)
	if err := subscriber.Subscribe("test/chunked", func(e *envelope.Envelope) {
		received <- e
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	items := make([]string, 20)
	for i := range items {
		items[i] = strings.Repeat("x", 20)
	}
	data, err := json.Marshal(items)
	if err != nil {
		t.Fatalf("marshal items: %v", err)
	}

	env, err := envelope.New("publisher", "", "test/chunked", envelope.RawPayload{Data: data})
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}

	if err := publisher.Publish("test/chunked", env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-received:
		if got.ID != env.ID {
			t.Fatalf("expected reassembled envelope id %s, got %s", env.ID, got.ID)
		}
		var gotItems []string
		if err := json.Unmarshal(got.Payload, &gotItems); err != nil {
			t.Fatalf("unmarshal reassembled payload: %v", err)
		}
		if len(gotItems) != len(items) {
			t.Fatalf("expected %d reassembled items, got %d", len(items), len(gotItems))
		}
		if _, stillChunked := got.Headers["X-Chunk-ID"]; stillChunked {
			t.Fatal("expected chunk headers stripped from reassembled envelope")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reassembled delivery")
	}
}

func TestDedupSetDropsRepeats(t *testing.T) {
	d := newDedupSet(2)
	if d.seen("a") {
		t.Fatal("first sighting of a should not be seen")
	}
	if !d.seen("a") {
		t.Fatal("second sighting of a should be seen")
	}
	if d.seen("b") {
		t.Fatal("first sighting of b should not be seen")
	}
	if d.seen("c") {
		t.Fatal("first sighting of c should not be seen")
	}
	// capacity 2: "a" should have been evicted by now
	if d.seen("a") {
		t.Fatal("a should have been evicted and therefore not seen")
	}
}
