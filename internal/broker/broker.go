// Package broker implements the message-bus server and client: publish/
// subscribe topics and request/reply with correlation-id routing, carrying
// envelopes exclusively over a JSON-RPC-framed TCP connection.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/boeni-industries/aico-sub003/internal/envelope"
)

// Request is a JSON-RPC style request from a client to the Service.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Response mirrors Request by ID, carrying either a result or an error.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError follows JSON-RPC error code conventions.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	errCodeMethodNotFound = -32601
	errCodeInvalidParams  = -32602
	errCodeInternal       = -32603
)

// Config configures a Service's listening socket.
type Config struct {
	Address string // e.g. ":9101"
	Debug   bool
}

// Service is the broker's server half: it owns topics (pub/sub) and routes
// requests from connected clients. Exactly one Service per process.
type Service struct {
	addr  string
	debug bool

	listener net.Listener

	topicsMu sync.RWMutex
	topics   map[string]*topic

	connMu sync.RWMutex
	conns  map[string]*serverConn
}

type topic struct {
	name string
	mu   sync.RWMutex
	subs []*serverConn
	// history is bounded for debugging/replay, mirroring the broker's
	// topic message history in the teacher's broker service.
	history []*envelope.Envelope
}

const topicHistoryLimit = 100

type serverConn struct {
	id      string
	conn    net.Conn
	enc     *json.Encoder
	dec     *json.Decoder
	writeMu sync.Mutex
}

func (c *serverConn) send(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.enc.Encode(v)
}

// NewService constructs a Service ready to Start.
func NewService(cfg Config) *Service {
	return &Service{
		addr:   cfg.Address,
		debug:  cfg.Debug,
		topics: make(map[string]*topic),
		conns:  make(map[string]*serverConn),
	}
}

// Start listens on the configured address until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("broker: failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener

	if s.debug {
		log.Printf("broker: listening on %s", s.addr)
	}

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if s.debug {
				log.Printf("broker: accept error: %v", err)
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Service) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	id := fmt.Sprintf("conn_%d", time.Now().UnixNano())
	c := &serverConn{
		id:   id,
		conn: netConn,
		enc:  json.NewEncoder(netConn),
		dec:  json.NewDecoder(netConn),
	}

	s.connMu.Lock()
	s.conns[id] = c
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		delete(s.conns, id)
		s.connMu.Unlock()
		s.unsubscribeAll(c)
	}()

	for {
		var req Request
		if err := c.dec.Decode(&req); err != nil {
			if s.debug {
				log.Printf("broker: decode error from %s: %v", id, err)
			}
			return
		}

		resp := s.handleRequest(c, &req)
		if err := c.send(resp); err != nil {
			if s.debug {
				log.Printf("broker: encode error to %s: %v", id, err)
			}
			return
		}
	}
}

func (s *Service) handleRequest(c *serverConn, req *Request) *Response {
	switch req.Method {
	case "connect":
		return &Response{ID: req.ID, Result: json.RawMessage(`"connected"`)}
	case "publish":
		return s.handlePublish(c, req)
	case "subscribe":
		return s.handleSubscribe(c, req)
	default:
		return &Response{ID: req.ID, Error: &RPCError{Code: errCodeMethodNotFound, Message: "method not found: " + req.Method}}
	}
}

func (s *Service) handlePublish(c *serverConn, req *Request) *Response {
	var params struct {
		Topic    string            `json:"topic"`
		Envelope *envelope.Envelope `json:"envelope"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Envelope == nil {
		return &Response{ID: req.ID, Error: &RPCError{Code: errCodeInvalidParams, Message: "invalid params"}}
	}

	t := s.getOrCreateTopic(params.Topic)
	t.mu.Lock()
	t.history = append(t.history, params.Envelope)
	if len(t.history) > topicHistoryLimit {
		t.history = t.history[len(t.history)-topicHistoryLimit:]
	}
	subs := append([]*serverConn(nil), t.subs...)
	t.mu.Unlock()

	for _, sub := range subs {
		if sub == c {
			continue
		}
		delivery := map[string]interface{}{"topic": params.Topic, "envelope": params.Envelope}
		if err := sub.send(delivery); err != nil && s.debug {
			log.Printf("broker: failed delivering to subscriber %s: %v", sub.id, err)
		}
	}

	return &Response{ID: req.ID, Result: json.RawMessage(`"published"`)}
}

func (s *Service) handleSubscribe(c *serverConn, req *Request) *Response {
	var params struct {
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Topic == "" {
		return &Response{ID: req.ID, Error: &RPCError{Code: errCodeInvalidParams, Message: "invalid params"}}
	}

	t := s.getOrCreateTopic(params.Topic)
	t.mu.Lock()
	t.subs = append(t.subs, c)
	t.mu.Unlock()

	return &Response{ID: req.ID, Result: json.RawMessage(`"subscribed"`)}
}

func (s *Service) getOrCreateTopic(name string) *topic {
	s.topicsMu.RLock()
	t, ok := s.topics[name]
	s.topicsMu.RUnlock()
	if ok {
		return t
	}

	s.topicsMu.Lock()
	defer s.topicsMu.Unlock()
	if t, ok := s.topics[name]; ok {
		return t
	}
	t = &topic{name: name}
	s.topics[name] = t
	return t
}

func (s *Service) unsubscribeAll(c *serverConn) {
	s.topicsMu.RLock()
	defer s.topicsMu.RUnlock()
	for _, t := range s.topics {
		t.mu.Lock()
		filtered := t.subs[:0]
		for _, sub := range t.subs {
			if sub != c {
				filtered = append(filtered, sub)
			}
		}
		t.subs = filtered
		t.mu.Unlock()
	}
}

// Stop closes the listener, unblocking Start.
func (s *Service) Stop() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}
