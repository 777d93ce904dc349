package channel

import (
	"testing"
	"time"

	"github.com/boeni-industries/aico-sub003/internal/identity"
)

func handshakeBothSides(t *testing.T) (*Session, *Session) {
	t.Helper()

	clientIdentity, err := identity.Generate("client-1")
	if err != nil {
		t.Fatalf("client identity: %v", err)
	}
	serverIdentity, err := identity.Generate("gateway")
	if err != nil {
		t.Fatalf("server identity: %v", err)
	}

	initiator := NewInitiator(clientIdentity)
	responder := NewResponder(serverIdentity, DefaultMaxClockSkew, 0)

	req, err := initiator.InitiateHandshake()
	if err != nil {
		t.Fatalf("InitiateHandshake: %v", err)
	}

	resp, serverSession, err := responder.Accept(req)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	clientSession, err := initiator.CompleteAsInitiator(resp)
	if err != nil {
		t.Fatalf("CompleteAsInitiator: %v", err)
	}

	if clientSession.ID != serverSession.ID {
		t.Fatalf("expected matching session ids, got %s vs %s", clientSession.ID, serverSession.ID)
	}

	return clientSession, serverSession
}

func TestHandshakeEstablishesMatchingSession(t *testing.T) {
	client, server := handshakeBothSides(t)
	if client.State() != StateActive || server.State() != StateActive {
		t.Fatal("expected both sessions ACTIVE after handshake")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	client, server := handshakeBothSides(t)

	plaintext := []byte(`{"n":1}`)
	ciphertext, err := client.Encrypt(DirectionClientToServer, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	decrypted, err := server.Decrypt(DirectionClientToServer, ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(decrypted) != string(plaintext) {
		t.Fatalf("expected %s, got %s", plaintext, decrypted)
	}
}

func TestNonceReuseRejected(t *testing.T) {
	client, server := handshakeBothSides(t)

	ciphertext, err := client.Encrypt(DirectionClientToServer, []byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := server.Decrypt(DirectionClientToServer, ciphertext); err != nil {
		t.Fatalf("first decrypt should succeed: %v", err)
	}
	if _, err := server.Decrypt(DirectionClientToServer, ciphertext); err == nil {
		t.Fatal("expected nonce reuse error on replayed ciphertext")
	}
}

func TestWrongDirectionFailsAuthentication(t *testing.T) {
	client, server := handshakeBothSides(t)

	ciphertext, err := client.Encrypt(DirectionClientToServer, []byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := server.Decrypt(DirectionServerToClient, ciphertext); err == nil {
		t.Fatal("expected decryption to fail when direction does not match associated data")
	}
}

func TestStaleTimestampRejected(t *testing.T) {
	serverIdentity, _ := identity.Generate("gateway")
	clientIdentity, _ := identity.Generate("client-1")

	responder := NewResponder(serverIdentity, 1*time.Second, 0)
	initiator := NewInitiator(clientIdentity)

	req, err := initiator.InitiateHandshake()
	if err != nil {
		t.Fatalf("InitiateHandshake: %v", err)
	}
	req.Timestamp -= 3600 // an hour old, well past a 1s skew window

	if _, _, err := responder.Accept(req); err == nil {
		t.Fatal("expected stale timestamp to be rejected")
	} else if _, ok := err.(*HandshakeRejected); !ok {
		t.Fatalf("expected *HandshakeRejected, got %T", err)
	}
}

func TestCloseZeroesSession(t *testing.T) {
	client, _ := handshakeBothSides(t)
	client.Close()
	if client.State() != StateClosed {
		t.Fatal("expected CLOSED state after Close")
	}
	if _, err := client.Encrypt(DirectionClientToServer, []byte("x")); err == nil {
		t.Fatal("expected encrypt to fail on a closed session")
	}
}

func TestIdleTimeoutExpiresSession(t *testing.T) {
	clientIdentity, _ := identity.Generate("client-1")
	serverIdentity, _ := identity.Generate("gateway")

	initiator := NewInitiator(clientIdentity)
	responder := NewResponder(serverIdentity, DefaultMaxClockSkew, 1*time.Millisecond)

	req, _ := initiator.InitiateHandshake()
	_, serverSession, err := responder.Accept(req)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if serverSession.State() != StateExpired {
		t.Fatal("expected session to expire after idle timeout")
	}
}
