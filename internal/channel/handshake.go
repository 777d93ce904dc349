package channel

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/boeni-industries/aico-sub003/internal/identity"
)

// HandshakeRequest is the wire shape a client sends to initiate a session,
// matching the `handshake_request` JSON object in §6.
type HandshakeRequest struct {
	Component       string
	IdentityKey     []byte // base64 long-term public signing key, decoded
	PublicKey       [32]byte
	Timestamp       int64 // unix seconds
	Challenge       [32]byte
	SignatureOverChallenge []byte
}

// HandshakeResponse carries the server's ephemeral public key back to the
// client on success.
type HandshakeResponse struct {
	PublicKey [32]byte
}

// DefaultMaxClockSkew bounds how far a handshake timestamp may drift from
// the server's clock when no skew is configured (the
// `channel.max_clock_skew_seconds` option in internal/config, which
// defaults to the same 60 s).
const DefaultMaxClockSkew = 60 * time.Second

// HandshakeRejected is returned by Accept on signature failure, a stale
// timestamp, or a replayed challenge. The session is not established and
// no key material is derived.
type HandshakeRejected struct {
	Reason string
}

func (e *HandshakeRejected) Error() string { return "handshake rejected: " + e.Reason }

// NonceReuseError is a hard error: the session never accepts an encrypted
// message whose per-direction nonce counter has already been observed.
type NonceReuseError struct {
	Counter uint64
}

func (e *NonceReuseError) Error() string {
	return fmt.Sprintf("channel: nonce counter %d reused", e.Counter)
}

// Initiator issues handshake requests on behalf of a client identity.
type Initiator struct {
	id *identity.ClientIdentity
}

func NewInitiator(id *identity.ClientIdentity) *Initiator {
	return &Initiator{id: id}
}

// InitiateHandshake draws a fresh ephemeral keypair and a random challenge,
// and signs the challenge with the long-term signing key so the responder
// can prove possession without a prior trust relationship.
func (i *Initiator) InitiateHandshake() (*HandshakeRequest, error) {
	if err := i.id.Regenerate(); err != nil {
		return nil, fmt.Errorf("channel: failed to regenerate ephemeral key: %w", err)
	}

	var challenge [32]byte
	if _, err := rand.Read(challenge[:]); err != nil {
		return nil, fmt.Errorf("channel: failed to draw challenge: %w", err)
	}

	sig := i.id.Sign(challenge[:])

	return &HandshakeRequest{
		Component:              i.id.Component,
		IdentityKey:            append([]byte(nil), i.id.SigningPublic...),
		PublicKey:              i.id.View().EphemeralPublic,
		Timestamp:              time.Now().UTC().Unix(),
		Challenge:              challenge,
		SignatureOverChallenge: sig,
	}, nil
}

// Responder is held by a server endpoint; it validates incoming handshake
// requests and derives the session key on acceptance. It also tracks seen
// challenges to reject a replay within the skew window.
type Responder struct {
	id             *identity.ClientIdentity
	maxClockSkew   time.Duration
	idleTimeout    time.Duration
	seenChallenges map[[32]byte]struct{}
}

func NewResponder(id *identity.ClientIdentity, maxClockSkew, idleTimeout time.Duration) *Responder {
	if maxClockSkew <= 0 {
		maxClockSkew = DefaultMaxClockSkew
	}
	return &Responder{
		id:             id,
		maxClockSkew:   maxClockSkew,
		idleTimeout:    idleTimeout,
		seenChallenges: make(map[[32]byte]struct{}),
	}
}

// Accept validates req and, on success, derives a shared session and
// returns the response to send back to the client.
func (r *Responder) Accept(req *HandshakeRequest) (*HandshakeResponse, *Session, error) {
	now := time.Now().UTC().Unix()
	skew := now - req.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > r.maxClockSkew {
		return nil, nil, &HandshakeRejected{Reason: "timestamp outside allowed clock skew"}
	}

	if _, seen := r.seenChallenges[req.Challenge]; seen {
		return nil, nil, &HandshakeRejected{Reason: "replayed challenge"}
	}

	if len(req.IdentityKey) == 0 || !identity.Verify(req.IdentityKey, req.Challenge[:], req.SignatureOverChallenge) {
		return nil, nil, &HandshakeRejected{Reason: "invalid signature"}
	}
	r.seenChallenges[req.Challenge] = struct{}{}

	if err := r.id.Regenerate(); err != nil {
		return nil, nil, fmt.Errorf("channel: failed to regenerate ephemeral key: %w", err)
	}

	shared, err := r.id.SharedSecret(req.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("channel: key agreement failed: %w", err)
	}

	serverEphemeral := r.id.View().EphemeralPublic
	sessionID := deriveSessionID(req.PublicKey, serverEphemeral)
	key, err := deriveSessionKey(shared, sessionID, req.PublicKey, serverEphemeral)
	if err != nil {
		return nil, nil, err
	}

	session, err := newSession(sessionID, key, r.idleTimeout)
	if err != nil {
		return nil, nil, err
	}

	return &HandshakeResponse{PublicKey: serverEphemeral}, session, nil
}

// CompleteAsInitiator is called by the client after it receives resp: it
// derives the same session id and key the server derived — both purely
// from the two ephemeral public keys already exchanged, so no extra
// round trip or wire field is needed to agree on a session id — giving
// both ends an identical Session ready for Encrypt/Decrypt.
func (i *Initiator) CompleteAsInitiator(resp *HandshakeResponse) (*Session, error) {
	shared, err := i.id.SharedSecret(resp.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("channel: key agreement failed: %w", err)
	}

	clientEphemeral := i.id.View().EphemeralPublic
	sessionID := deriveSessionID(clientEphemeral, resp.PublicKey)
	key, err := deriveSessionKey(shared, sessionID, clientEphemeral, resp.PublicKey)
	if err != nil {
		return nil, err
	}

	return newSession(sessionID, key, 0)
}

// deriveSessionID computes a session identifier deterministically from both
// ephemeral public keys, in a fixed byte order, so client and server always
// agree on the same id without an extra wire field.
func deriveSessionID(clientEphemeral, serverEphemeral [32]byte) string {
	h := sha256.New()
	h.Write(clientEphemeral[:])
	h.Write(serverEphemeral[:])
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))[:22]
}

// EncodeBase64 / DecodeBase64 help marshal the fixed-size byte arrays in the
// JSON handshake shape described in §6.
func EncodeBase64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func DecodeBase64(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }
