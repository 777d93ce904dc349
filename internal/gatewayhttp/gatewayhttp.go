// Package gatewayhttp is the client-facing HTTP surface: the pre-session
// handshake endpoint and the encrypted-envelope relay that forwards a
// decrypted client request onto the message bus and returns the encrypted
// reply, per the wire shapes in §6.
package gatewayhttp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/boeni-industries/aico-sub003/internal/broker"
	"github.com/boeni-industries/aico-sub003/internal/channel"
	"github.com/boeni-industries/aico-sub003/internal/envelope"
	"github.com/boeni-industries/aico-sub003/internal/identity"
	"github.com/boeni-industries/aico-sub003/internal/logging"
)

// handshakeRequestBody / handshakeResponseBody mirror the JSON shapes in §6.
type handshakeRequestBody struct {
	HandshakeRequest struct {
		Component   string `json:"component"`
		IdentityKey string `json:"identity_key"`
		PublicKey   string `json:"public_key"`
		Timestamp   int64  `json:"timestamp"`
		Challenge   string `json:"challenge"`
		Signature   string `json:"signature"`
	} `json:"handshake_request"`
}

type handshakeResponseBody struct {
	Status            string `json:"status"`
	Error             string `json:"error,omitempty"`
	HandshakeResponse *struct {
		PublicKey string `json:"public_key"`
	} `json:"handshake_response,omitempty"`
}

// encryptedEnvelope is the shape carried by every endpoint once a session
// exists.
type encryptedEnvelope struct {
	Encrypted bool   `json:"encrypted"`
	Payload   string `json:"payload"`
	ClientID  string `json:"client_id"`
}

// Server holds the handshake responder, the live session table, and the
// broker client used to relay requests downstream. One Server is built per
// gateway process.
type Server struct {
	responder *channel.Responder
	broker    *broker.Client
	log       *logging.Logger

	mu       sync.Mutex
	sessions map[string]*channel.Session // keyed by client_id fingerprint
}

// New constructs a Server. id is the gateway's own long-term identity;
// brokerClient must already be connected.
func New(id *identity.ClientIdentity, maxClockSkew, idleTimeout time.Duration, brokerClient *broker.Client, log *logging.Logger) *Server {
	return &Server{
		responder: channel.NewResponder(id, maxClockSkew, idleTimeout),
		broker:    brokerClient,
		log:       log,
		sessions:  make(map[string]*channel.Session),
	}
}

// HandleHandshake implements POST /handshake.
func (s *Server) HandleHandshake(w http.ResponseWriter, r *http.Request) {
	var body handshakeRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, handshakeResponseBody{Status: "rejected", Error: "malformed request"})
		return
	}

	req, err := decodeHandshakeRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, handshakeResponseBody{Status: "rejected", Error: err.Error()})
		return
	}

	resp, session, err := s.responder.Accept(req)
	if err != nil {
		s.log.Error("handshake rejected for %s: %v", req.Component, err)
		writeJSON(w, http.StatusUnauthorized, handshakeResponseBody{Status: "rejected", Error: err.Error()})
		return
	}

	s.mu.Lock()
	s.sessions[fingerprint(req.IdentityKey)] = session
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, handshakeResponseBody{
		Status: "session_established",
		HandshakeResponse: &struct {
			PublicKey string `json:"public_key"`
		}{PublicKey: channel.EncodeBase64(resp.PublicKey[:])},
	})
}

func decodeHandshakeRequest(body handshakeRequestBody) (*channel.HandshakeRequest, error) {
	identityKey, err := channel.DecodeBase64(body.HandshakeRequest.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("invalid identity_key encoding")
	}
	publicKeyBytes, err := channel.DecodeBase64(body.HandshakeRequest.PublicKey)
	if err != nil || len(publicKeyBytes) != 32 {
		return nil, fmt.Errorf("invalid public_key encoding")
	}
	challengeBytes, err := channel.DecodeBase64(body.HandshakeRequest.Challenge)
	if err != nil || len(challengeBytes) != 32 {
		return nil, fmt.Errorf("invalid challenge encoding")
	}
	signature, err := channel.DecodeBase64(body.HandshakeRequest.Signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding")
	}

	var publicKey, challenge [32]byte
	copy(publicKey[:], publicKeyBytes)
	copy(challenge[:], challengeBytes)

	return &channel.HandshakeRequest{
		Component:              body.HandshakeRequest.Component,
		IdentityKey:            identityKey,
		PublicKey:              publicKey,
		Timestamp:              body.HandshakeRequest.Timestamp,
		Challenge:              challenge,
		SignatureOverChallenge: signature,
	}, nil
}

// fingerprint matches identity.PublicView.Fingerprint's derivation (the
// first 16 hex characters of the signing key's hash), so a client_id in a
// later request looks up the same session this handshake just created.
func fingerprint(signingPublic []byte) string {
	view := identity.PublicView{SigningPublic: append([]byte(nil), signingPublic...)}
	return view.Fingerprint()
}

// Relay forwards a decrypted request body to requestTopic over the broker,
// and returns the response envelope's payload re-encrypted for the caller.
// It implements the generic "POST /<endpoint>" shape from §6.
func (s *Server) Relay(requestTopic string) http.HandlerFunc {
	return s.local(func(ctx context.Context, plaintext []byte) ([]byte, error) {
		respEnv, err := s.broker.Request(ctx, requestTopic, envelope.RawPayload{Data: plaintext})
		if err != nil {
			s.log.Error("relay to %s failed: %v", requestTopic, err)
			return nil, err
		}
		return respEnv.Payload, nil
	})
}

// Local wires an endpoint that decrypts the caller's payload, hands it to
// fn, and encrypts fn's return for the response, without a broker round
// trip. Used for operations this process serves itself, such as the memory
// pipeline.
func (s *Server) Local(fn func(ctx context.Context, plaintext []byte) ([]byte, error)) http.HandlerFunc {
	return s.local(fn)
}

func (s *Server) local(fn func(ctx context.Context, plaintext []byte) ([]byte, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var env encryptedEnvelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		session, ok := s.sessions[env.ClientID]
		s.mu.Unlock()
		if !ok {
			http.Error(w, "no active session", http.StatusUnauthorized)
			return
		}

		ciphertext, err := base64.StdEncoding.DecodeString(env.Payload)
		if err != nil {
			http.Error(w, "malformed payload encoding", http.StatusBadRequest)
			return
		}

		plaintext, err := session.Decrypt(channel.DirectionClientToServer, ciphertext)
		if err != nil {
			http.Error(w, "decryption failed", http.StatusUnauthorized)
			return
		}

		responsePlaintext, err := fn(r.Context(), plaintext)
		if err != nil {
			http.Error(w, "request failed", http.StatusServiceUnavailable)
			return
		}

		replyCiphertext, err := session.Encrypt(channel.DirectionServerToClient, responsePlaintext)
		if err != nil {
			http.Error(w, "encryption failed", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, encryptedEnvelope{
			Encrypted: true,
			Payload:   base64.StdEncoding.EncodeToString(replyCiphertext),
			ClientID:  env.ClientID,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
