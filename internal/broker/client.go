package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/boeni-industries/aico-sub003/internal/envelope"
	"github.com/boeni-industries/aico-sub003/internal/tokencount"
)

// Handler is invoked once per envelope received on a subscribed topic, in
// arrival order. Handlers MUST be safe against overlapping invocations —
// the client may call distinct topics' handlers concurrently.
type Handler func(*envelope.Envelope)

// Client is the message-bus client used by every subsystem: it connects to
// one Service, and offers publish/subscribe plus a correlation-id based
// request/reply on top.
type Client struct {
	address   string
	componentID string
	debug     bool

	mu   sync.Mutex
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder

	reqID int64

	responseMu sync.Mutex
	responses  map[string]chan *Response

	handlersMu sync.RWMutex
	handlers   map[string][]Handler

	// pending correlates an outstanding Request() call with the channel
	// its matching response envelope should be delivered to.
	pendingMu sync.Mutex
	pending   map[string]chan *envelope.Envelope

	dedup *dedupSet

	// counter enables outgoing chunking: nil means envelopes are never
	// split. Set via SetCounter once a tokenizer is available.
	counter tokencount.Counter

	chunksMu sync.Mutex
	chunks   map[string][]*envelope.Envelope
}

// NewClient constructs a disconnected Client; call Connect before use.
func NewClient(address, componentID string, debug bool) *Client {
	return &Client{
		address:     address,
		componentID: componentID,
		debug:       debug,
		responses:   make(map[string]chan *Response),
		handlers:    make(map[string][]Handler),
		pending:     make(map[string]chan *envelope.Envelope),
		dedup:       newDedupSet(1000),
		chunks:      make(map[string][]*envelope.Envelope),
	}
}

// SetCounter supplies a tokenizer so Publish can split envelopes whose
// payload would overflow the target model's context window into chunks,
// and so the receive side can reassemble them. A nil counter (the default)
// disables chunking: envelopes always travel whole.
func (c *Client) SetCounter(counter tokencount.Counter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter = counter
}

// Connect dials the broker and registers this component. Idempotent.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}

	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("broker: failed to connect to %s: %w", c.address, err)
	}
	c.conn = conn
	c.enc = json.NewEncoder(conn)
	c.dec = json.NewDecoder(conn)
	c.mu.Unlock()

	go c.listen()

	if _, err := c.call("connect", map[string]string{"component_id": c.componentID}); err != nil {
		c.Disconnect()
		return fmt.Errorf("broker: registration failed: %w", err)
	}
	return nil
}

// Disconnect closes the connection; any handlers registered remain but will
// receive nothing further until Connect is called again.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.enc = nil
	c.dec = nil
	return err
}

// call performs one JSON-RPC round trip, correlating the response by a
// locally incrementing request id. Exactly one reader goroutine (listen)
// ever reads from the socket; callers block on their own response channel.
func (c *Client) call(method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	enc := c.enc
	c.mu.Unlock()
	if enc == nil {
		return nil, fmt.Errorf("broker: not connected")
	}

	c.responseMu.Lock()
	c.reqID++
	reqID := fmt.Sprintf("req_%d", c.reqID)
	respCh := make(chan *Response, 1)
	c.responses[reqID] = respCh
	c.responseMu.Unlock()

	paramsBytes, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("broker: failed to marshal params: %w", err)
	}

	if err := enc.Encode(Request{ID: reqID, Method: method, Params: paramsBytes}); err != nil {
		c.responseMu.Lock()
		delete(c.responses, reqID)
		c.responseMu.Unlock()
		return nil, &PublishFailed{Topic: method, Cause: err}
	}

	select {
	case resp := <-respCh:
		if resp == nil {
			return nil, fmt.Errorf("broker: connection closed while awaiting response")
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("broker: %s (code %d)", resp.Error.Message, resp.Error.Code)
		}
		return resp.Result, nil
	case <-time.After(30 * time.Second):
		c.responseMu.Lock()
		delete(c.responses, reqID)
		c.responseMu.Unlock()
		return nil, fmt.Errorf("broker: request timeout")
	}
}

// listen is the single reader goroutine: it decodes every frame the broker
// sends and routes it either to a pending RPC response, a subscribed
// topic's handlers, or the correlation waiter of a pending Request call.
func (c *Client) listen() {
	for {
		c.mu.Lock()
		dec := c.dec
		c.mu.Unlock()
		if dec == nil {
			return
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			c.failAllPending()
			return
		}

		var shape struct {
			ID     string          `json:"id"`
			Result json.RawMessage `json:"result,omitempty"`
			Error  *RPCError       `json:"error,omitempty"`
			Topic  string          `json:"topic"`
			Envelope *envelope.Envelope `json:"envelope"`
		}
		if err := json.Unmarshal(raw, &shape); err != nil {
			continue
		}

		if shape.ID != "" && (shape.Result != nil || shape.Error != nil) {
			c.responseMu.Lock()
			ch, ok := c.responses[shape.ID]
			if ok {
				delete(c.responses, shape.ID)
			}
			c.responseMu.Unlock()
			if ok {
				var resp Response
				json.Unmarshal(raw, &resp)
				ch <- &resp
			}
			continue
		}

		if shape.Envelope != nil {
			c.dispatchEnvelope(shape.Topic, shape.Envelope)
		}
	}
}

func (c *Client) dispatchEnvelope(topic string, env *envelope.Envelope) {
	merged, ready := c.reassemble(env)
	if !ready {
		return
	}
	env = merged

	if env.CorrelationID != "" {
		c.pendingMu.Lock()
		ch, ok := c.pending[env.CorrelationID]
		if ok {
			delete(c.pending, env.CorrelationID)
		}
		c.pendingMu.Unlock()
		if ok {
			if c.dedup.seen(env.ID) {
				return
			}
			ch <- env
			return
		}
	}

	if c.dedup.seen(env.ID) {
		return
	}

	c.handlersMu.RLock()
	hs := append([]Handler(nil), c.handlers[topic]...)
	c.handlersMu.RUnlock()
	for _, h := range hs {
		h(env)
	}
}

// reassemble buffers env if it's one piece of a chunked envelope, returning
// ready=false until every chunk in its group has arrived. Unchunked
// envelopes pass straight through.
func (c *Client) reassemble(env *envelope.Envelope) (*envelope.Envelope, bool) {
	groupID := env.Headers["X-Chunk-ID"]
	if groupID == "" {
		return env, true
	}

	c.chunksMu.Lock()
	defer c.chunksMu.Unlock()

	c.chunks[groupID] = append(c.chunks[groupID], env)
	total, _ := strconv.Atoi(env.Headers["X-Chunk-Total"])
	if total <= 0 || len(c.chunks[groupID]) < total {
		return nil, false
	}

	group := c.chunks[groupID]
	delete(c.chunks, groupID)

	merged, err := envelope.Merge(group)
	if err != nil {
		return nil, false
	}
	return merged, true
}

func (c *Client) failAllPending() {
	c.responseMu.Lock()
	for id, ch := range c.responses {
		close(ch)
		delete(c.responses, id)
	}
	c.responseMu.Unlock()

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// Publish fire-and-forget publishes env to topic. Never blocks indefinitely.
// If a counter is set and env's payload would overflow the target model's
// context window, it is split into chunks via envelope.Chunk and published
// in sequence; the receiving client reassembles them before dispatch.
func (c *Client) Publish(topic string, env *envelope.Envelope) error {
	envs, err := c.maybeChunk(env)
	if err != nil {
		return &PublishFailed{Topic: topic, Cause: err}
	}
	for _, e := range envs {
		if _, err := c.call("publish", map[string]interface{}{"topic": topic, "envelope": e}); err != nil {
			return &PublishFailed{Topic: topic, Cause: err}
		}
	}
	return nil
}

func (c *Client) maybeChunk(env *envelope.Envelope) ([]*envelope.Envelope, error) {
	c.mu.Lock()
	counter := c.counter
	c.mu.Unlock()
	if counter == nil {
		return []*envelope.Envelope{env}, nil
	}

	budget, err := envelope.CalculateBudget(env, counter)
	if err != nil {
		return nil, fmt.Errorf("broker: failed to budget envelope: %w", err)
	}
	if !budget.NeedsSplitting {
		return []*envelope.Envelope{env}, nil
	}
	chunks, err := envelope.Chunk(env, budget)
	if err != nil {
		return nil, fmt.Errorf("broker: failed to chunk envelope: %w", err)
	}
	return chunks, nil
}

// Subscribe registers handler to be invoked for every envelope arriving on
// topic, in order of arrival.
func (c *Client) Subscribe(topic string, handler Handler) error {
	c.handlersMu.Lock()
	c.handlers[topic] = append(c.handlers[topic], handler)
	c.handlersMu.Unlock()

	_, err := c.call("subscribe", map[string]string{"topic": topic})
	return err
}

// Request publishes payload to requestTopic, subscribes to its mapped
// response topic, and awaits the first envelope whose correlation_id
// matches. Cancelling ctx unregisters the correlation before timeout;
// late responses are dropped silently.
func (c *Client) Request(ctx context.Context, requestTopic string, payload interface{}) (*envelope.Envelope, error) {
	responseTopic, ok := ResponseTopic(requestTopic)
	if !ok {
		return nil, &UnmappedTopic{Topic: requestTopic}
	}

	req, err := envelope.New(c.componentID, requestTopic, requestTopic, payload)
	if err != nil {
		return nil, err
	}

	waitCh := make(chan *envelope.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = waitCh
	c.pendingMu.Unlock()

	cleanup := func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}

	if err := c.Subscribe(responseTopic, func(*envelope.Envelope) {}); err != nil {
		cleanup()
		return nil, err
	}

	if err := c.Publish(requestTopic, req); err != nil {
		cleanup()
		return nil, err
	}

	select {
	case resp, ok := <-waitCh:
		if !ok {
			return nil, fmt.Errorf("broker: connection closed while awaiting response")
		}
		return resp, nil
	case <-ctx.Done():
		cleanup()
		return nil, &RequestTimeout{CorrelationID: req.ID}
	}
}
