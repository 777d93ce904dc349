// Package channel implements the application-layer handshake and per-session
// authenticated encryption described for every client-server and
// inter-service connection. It is not TLS: it is a single-round-trip
// handshake layered over whatever transport carries the envelope, followed
// by AEAD-protected request/response bodies.
package channel

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// State is a Session's position in its lifecycle state machine:
//
//	NEW --accept--> ACTIVE --idle_timeout--> EXPIRED
//	ACTIVE --close--> CLOSED
//	ACTIVE --auth_failure--> REVOKED
type State int

const (
	StateNew State = iota
	StateActive
	StateExpired
	StateClosed
	StateRevoked
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateActive:
		return "ACTIVE"
	case StateExpired:
		return "EXPIRED"
	case StateClosed:
		return "CLOSED"
	case StateRevoked:
		return "REVOKED"
	default:
		return "UNKNOWN"
	}
}

// Direction distinguishes client->server from server->client traffic so the
// associated data of every AEAD operation is direction-bound — encrypting
// in one direction and decrypting as if it were the other direction fails
// authentication.
type Direction byte

const (
	DirectionClientToServer Direction = 1
	DirectionServerToClient Direction = 2
)

// Session is the shared symmetric key plus per-direction nonce counters
// established by a successful handshake. Operations on a single Session
// must be serialized by the caller (§5) or protected by the mutex embedded
// here.
type Session struct {
	mu sync.Mutex

	ID    string
	state State

	key [32]byte
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}

	sendCounter uint64
	recvCounter map[uint64]bool // seen nonce counters for the receive direction, replay guard

	createdAt  time.Time
	lastActive time.Time
	idleTimeout time.Duration
}

func newSession(id string, key [32]byte, idleTimeout time.Duration) (*Session, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("channel: failed to construct AEAD: %w", err)
	}
	now := time.Now().UTC()
	return &Session{
		ID:          id,
		state:       StateActive,
		key:         key,
		aead:        aead,
		recvCounter: make(map[uint64]bool),
		createdAt:   now,
		lastActive:  now,
		idleTimeout: idleTimeout,
	}, nil
}

// State reports the session's current lifecycle state, expiring it first if
// the idle timeout has elapsed.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkIdleLocked()
	return s.state
}

func (s *Session) checkIdleLocked() {
	if s.state == StateActive && s.idleTimeout > 0 && time.Since(s.lastActive) > s.idleTimeout {
		s.state = StateExpired
		s.zeroLocked()
	}
}

// Encrypt authenticates and encrypts plaintext for transmission in dir,
// drawing a fresh nonce from the monotonic per-direction counter. The
// associated data binds the session id and direction so a ciphertext
// cannot be replayed under the opposite direction or a different session.
func (s *Session) Encrypt(dir Direction, plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkIdleLocked()
	if s.state != StateActive {
		return nil, &HandshakeRejected{Reason: fmt.Sprintf("session not active: %s", s.state)}
	}

	s.sendCounter++
	nonce := encodeNonce(s.sendCounter, s.aead.NonceSize())
	// Both ends share one key and each starts its counter at 1, so the
	// direction byte keeps client->server and server->client nonces apart.
	nonce[0] = byte(dir)
	ad := associatedData(s.ID, dir)

	sealed := s.aead.Seal(nil, nonce, plaintext, ad)
	s.lastActive = time.Now().UTC()

	// Prepend the nonce so the receiver can recover it; it is not secret.
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Decrypt authenticates and decrypts payload that was encrypted for dir.
// Nonce reuse (a counter value already seen on this direction) is a hard
// error, per §4.2.
func (s *Session) Decrypt(dir Direction, payload []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkIdleLocked()
	if s.state != StateActive {
		return nil, &HandshakeRejected{Reason: fmt.Sprintf("session not active: %s", s.state)}
	}

	nonceSize := s.aead.NonceSize()
	if len(payload) < nonceSize {
		return nil, fmt.Errorf("channel: payload shorter than nonce")
	}
	nonce := payload[:nonceSize]
	ciphertext := payload[nonceSize:]

	counter := decodeNonce(nonce)
	if s.recvCounter[counter] {
		return nil, &NonceReuseError{Counter: counter}
	}

	ad := associatedData(s.ID, dir)
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, fmt.Errorf("channel: decryption failed: %w", err)
	}

	s.recvCounter[counter] = true
	s.lastActive = time.Now().UTC()
	return plaintext, nil
}

// Close zeroes key material and transitions the session to CLOSED.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
	s.zeroLocked()
}

// Revoke transitions the session to REVOKED (on auth failure) and zeroes
// key material.
func (s *Session) Revoke() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateRevoked
	s.zeroLocked()
}

func (s *Session) zeroLocked() {
	for i := range s.key {
		s.key[i] = 0
	}
}

func encodeNonce(counter uint64, size int) []byte {
	nonce := make([]byte, size)
	binary.BigEndian.PutUint64(nonce[size-8:], counter)
	return nonce
}

func decodeNonce(nonce []byte) uint64 {
	if len(nonce) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(nonce[len(nonce)-8:])
}

func associatedData(sessionID string, dir Direction) []byte {
	ad := make([]byte, 0, len(sessionID)+1)
	ad = append(ad, byte(dir))
	ad = append(ad, sessionID...)
	return ad
}

// deriveSessionKey derives a 32-byte session key from an X25519 shared
// secret via HKDF, salted with both ephemeral public keys and the session
// id so distinct handshakes never collide on key material.
func deriveSessionKey(sharedSecret []byte, sessionID string, clientEphemeral, serverEphemeral [32]byte) ([32]byte, error) {
	var out [32]byte
	salt := append(append([]byte{}, clientEphemeral[:]...), serverEphemeral[:]...)
	info := []byte("aico-channel-session:" + sessionID)

	kdf := hkdf.New(sha256.New, sharedSecret, salt, info)
	if _, err := io.ReadFull(kdf, out[:]); err != nil {
		return out, fmt.Errorf("channel: key derivation failed: %w", err)
	}
	return out, nil
}
