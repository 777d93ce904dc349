package envelope

import (
	"testing"
	"time"
)

func TestRoundTrip(t *testing.T) {
	e, err := New("client-1", "gateway", "ping", PingPayload{N: 1})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	data, err := Encode(e)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decoded.ID != e.ID || decoded.Source != e.Source || decoded.MessageType != e.MessageType {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, e)
	}

	var p PingPayload
	if err := decoded.Unpack(&p); err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}
	if p.N != 1 {
		t.Errorf("expected N=1, got %d", p.N)
	}
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte("not json"))
	if err == nil {
		t.Fatal("expected MalformedEnvelope error")
	}
	if _, ok := err.(*MalformedEnvelope); !ok {
		t.Fatalf("expected *MalformedEnvelope, got %T", err)
	}
}

func TestUnpackWrongType(t *testing.T) {
	e, err := New("client-1", "gateway", "ping", PingPayload{N: 1})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var resp PongPayload
	if err := e.Unpack(&resp); err == nil {
		t.Fatal("expected UnknownPayloadType error when unpacking mismatched type")
	}
}

func TestReplyCarriesCorrelation(t *testing.T) {
	req, err := New("client-1", "gateway", "ping", PingPayload{N: 1})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	req.TraceID = "trace-abc"

	reply, err := NewReply(req, "gateway", PongPayload{N: 1, Pong: true})
	if err != nil {
		t.Fatalf("NewReply failed: %v", err)
	}

	if reply.CorrelationID != req.ID {
		t.Errorf("expected correlation_id %s, got %s", req.ID, reply.CorrelationID)
	}
	if reply.TraceID != req.TraceID {
		t.Errorf("expected trace propagated, got %s", reply.TraceID)
	}
	if reply.Destination != req.Source {
		t.Errorf("expected reply routed back to requester, got %s", reply.Destination)
	}
}

func TestHopTracking(t *testing.T) {
	e, _ := New("client-1", "gateway", "ping", PingPayload{N: 1})
	e.AddHop("gateway")
	e.AddHop("modelservice")

	if e.HopCount != 2 {
		t.Errorf("expected hop count 2, got %d", e.HopCount)
	}
	if len(e.Route) != 2 || e.Route[1] != "modelservice" {
		t.Errorf("unexpected route: %v", e.Route)
	}
}

func TestValidateRequiresFields(t *testing.T) {
	e := &Envelope{}
	if err := Validate(e); err == nil {
		t.Fatal("expected validation error for empty envelope")
	}
}

func TestExpiry(t *testing.T) {
	e, _ := New("client-1", "gateway", "ping", PingPayload{N: 1})
	e.TTL = 0
	if e.IsExpired() {
		t.Error("TTL=0 should never expire")
	}

	e.Timestamp = e.Timestamp.Add(-1 * time.Hour)
	e.TTL = 1
	if !e.IsExpired() {
		t.Error("expected expiry with TTL=1s and hour-old timestamp")
	}
}
