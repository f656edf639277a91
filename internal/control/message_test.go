package control

import (
	"errors"
	"testing"

	"meshcall/native/internal/domain"
)

func TestDecode_Relay(t *testing.T) {
	data, err := Encode(Relay{To: "bob", MessageType: domain.MessageNewIceCandidate, Payload: `{"sdp":"candidate:1"}`})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	m, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	relay, ok := m.(Relay)
	if !ok {
		t.Fatalf("expected Relay, got %T", m)
	}
	if relay.To != "bob" || relay.MessageType != domain.MessageNewIceCandidate {
		t.Errorf("unexpected relay header: %+v", relay)
	}
	if relay.Payload != `{"sdp":"candidate:1"}` {
		t.Errorf("payload altered: %q", relay.Payload)
	}
}

func TestDecode_WireFormat(t *testing.T) {
	m, err := Decode([]byte(`{"messageType":0,"serializedMessage":"{\"muted\":true}"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if muted, ok := m.(Muted); !ok || !muted.Muted {
		t.Errorf("expected Muted{true}, got %#v", m)
	}
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"messageType":42,"serializedMessage":"{}"}`))
	if !errors.Is(err, ErrUnknownMessageType) {
		t.Errorf("expected ErrUnknownMessageType, got %v", err)
	}
}

func TestDecode_Garbage(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Error("expected error for garbage input")
	}
}
