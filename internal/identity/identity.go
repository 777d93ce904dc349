// Package identity generates and carries the keypairs every component needs
// to prove who it is (long-term signing) and to agree on a session key with
// a peer (short-term key agreement). Private halves never leave the owning
// process; PublicView strips them for transmission.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// ClientIdentity is a long-term signing keypair plus a short-term
// key-agreement keypair. Created once per client process.
type ClientIdentity struct {
	Component string

	SigningPublic  ed25519.PublicKey
	signingPrivate ed25519.PrivateKey

	EphemeralPublic  [32]byte
	ephemeralPrivate [32]byte
}

// PublicView is the wire-safe projection of a ClientIdentity — only the
// public halves, as transmitted in a handshake request.
type PublicView struct {
	Component       string
	SigningPublic   ed25519.PublicKey
	EphemeralPublic [32]byte
}

// Generate creates a fresh ClientIdentity: a long-term Ed25519 signing
// keypair and an ephemeral X25519 key-agreement keypair. Call Regenerate
// before each new handshake to keep the key-agreement key short-term.
func Generate(component string) (*ClientIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: failed to generate signing key: %w", err)
	}

	id := &ClientIdentity{
		Component:      component,
		SigningPublic:  pub,
		signingPrivate: priv,
	}
	if err := id.regenerateEphemeral(); err != nil {
		return nil, err
	}
	return id, nil
}

// Regenerate draws a fresh ephemeral key-agreement keypair, leaving the
// long-term signing identity untouched. Call this before every handshake so
// distinct sessions never share a key-agreement secret.
func (id *ClientIdentity) Regenerate() error {
	return id.regenerateEphemeral()
}

func (id *ClientIdentity) regenerateEphemeral() error {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return fmt.Errorf("identity: failed to generate ephemeral key: %w", err)
	}
	// Clamp per curve25519 convention.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("identity: failed to derive ephemeral public key: %w", err)
	}

	id.ephemeralPrivate = priv
	copy(id.EphemeralPublic[:], pub)
	return nil
}

// Sign produces a signature over challenge using the long-term signing key.
func (id *ClientIdentity) Sign(challenge []byte) []byte {
	return ed25519.Sign(id.signingPrivate, challenge)
}

// SharedSecret performs X25519 key agreement between id's ephemeral private
// key and the peer's ephemeral public key.
func (id *ClientIdentity) SharedSecret(peerEphemeralPublic [32]byte) ([]byte, error) {
	secret, err := curve25519.X25519(id.ephemeralPrivate[:], peerEphemeralPublic[:])
	if err != nil {
		return nil, fmt.Errorf("identity: key agreement failed: %w", err)
	}
	return secret, nil
}

// View exposes only the public halves of id.
func (id *ClientIdentity) View() PublicView {
	return PublicView{
		Component:       id.Component,
		SigningPublic:   id.SigningPublic,
		EphemeralPublic: id.EphemeralPublic,
	}
}

// Fingerprint returns the 16-hex-char truncated identity fingerprint used
// as client_id in the encrypted HTTP request shape: the first 16 hex
// characters of the SHA-256 of the signing public key.
func (v PublicView) Fingerprint() string {
	sum := sha256.Sum256(v.SigningPublic)
	return hex.EncodeToString(sum[:])[:16]
}

// Verify checks that signature is a valid Ed25519 signature over challenge
// under the given public key.
func Verify(signingPublic ed25519.PublicKey, challenge, signature []byte) bool {
	return ed25519.Verify(signingPublic, challenge, signature)
}
