package signal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"meshcall/native/internal/domain"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// relay is a single-client fake of the relay server.
type relay struct {
	t        *testing.T
	authCode int
	received chan message
	conns    chan *websocket.Conn
	auth     chan message
}

func newRelay(t *testing.T, authCode int) (*relay, *httptest.Server) {
	r := &relay{
		t:        t,
		authCode: authCode,
		received: make(chan message, 16),
		conns:    make(chan *websocket.Conn, 1),
		auth:     make(chan message, 1),
	}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if got := req.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var auth message
		if err := conn.ReadJSON(&auth); err != nil {
			t.Errorf("read auth: %v", err)
			return
		}
		r.auth <- auth
		code := r.authCode
		if err := conn.WriteJSON(message{Method: "AUTH_RESPONSE", Code: &code}); err != nil {
			t.Errorf("write auth response: %v", err)
			return
		}
		r.conns <- conn

		for {
			var msg message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			r.received <- msg
		}
	}))
	t.Cleanup(srv.Close)
	return r, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestClient(srv *httptest.Server, handler Handler) *Client {
	return NewClient(Options{
		URL:      wsURL(srv),
		Token:    "secret",
		Identity: "alice",
		Logger:   zerolog.Nop(),
	}, handler)
}

func TestConnectAuthenticates(t *testing.T) {
	r, srv := newRelay(t, 0)
	c := newTestClient(srv, func(domain.PeerID, domain.SignalMessage) {})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	auth := <-r.auth
	if auth.Method != "AUTH" {
		t.Errorf("method = %q, want AUTH", auth.Method)
	}
	if auth.AccessToken != "secret" || auth.ID != "alice" {
		t.Errorf("auth = %+v", auth)
	}
}

func TestConnectRejected(t *testing.T) {
	_, srv := newRelay(t, 401)
	c := newTestClient(srv, func(domain.PeerID, domain.SignalMessage) {})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Connect(ctx)
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("Connect error = %v, want ErrAuthFailed", err)
	}
}

func TestSendWrapsPayload(t *testing.T) {
	r, srv := newRelay(t, 0)
	c := newTestClient(srv, func(domain.PeerID, domain.SignalMessage) {})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	msg, err := domain.NewSignalMessage("call-1", domain.MessageAnswer, domain.Answer{SDP: "v=0"})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Send(ctx, "bob", msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var got message
	select {
	case got = <-r.received:
	case <-ctx.Done():
		t.Fatal("relay did not receive the message")
	}
	if got.Method != "TRANSMIT" || got.RecipientClientID != "bob" || got.SenderClientID != "alice" {
		t.Errorf("envelope = %+v", got)
	}
	if got.MessageType != "Answer" {
		t.Errorf("messageType = %q, want Answer", got.MessageType)
	}

	raw, err := base64.StdEncoding.DecodeString(got.MessagePayload)
	if err != nil {
		t.Fatalf("payload not base64: %v", err)
	}
	var sm domain.SignalMessage
	if err := json.Unmarshal(raw, &sm); err != nil {
		t.Fatalf("payload: %v", err)
	}
	var answer domain.Answer
	if err := sm.Decode(&answer); err != nil {
		t.Fatal(err)
	}
	if sm.CallID != "call-1" || answer.SDP != "v=0" {
		t.Errorf("decoded = %+v %+v", sm, answer)
	}
}

func TestInboundTransmitReachesHandler(t *testing.T) {
	r, srv := newRelay(t, 0)
	type inbound struct {
		from domain.PeerID
		msg  domain.SignalMessage
	}
	got := make(chan inbound, 1)
	c := newTestClient(srv, func(from domain.PeerID, msg domain.SignalMessage) {
		got <- inbound{from, msg}
	})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := <-r.conns

	msg, _ := domain.NewSignalMessage("call-9", domain.MessageRinging, domain.Ringing{})
	data, _ := json.Marshal(msg)
	// Garbage first: the client must skip it and keep reading.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(message{
		Method:         "TRANSMIT",
		SenderClientID: "carol",
		MessagePayload: base64.StdEncoding.EncodeToString(data),
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case in := <-got:
		if in.from != "carol" || in.msg.Type != domain.MessageRinging || in.msg.CallID != "call-9" {
			t.Errorf("handler got %+v", in)
		}
	case <-ctx.Done():
		t.Fatal("handler not called")
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	_, srv := newRelay(t, 0)
	c := newTestClient(srv, func(domain.PeerID, domain.SignalMessage) {})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Close()
	c.Close()

	msg, _ := domain.NewSignalMessage("call-1", domain.MessageHangUp, domain.HangUp{})
	if err := c.Send(ctx, "bob", msg); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after Close = %v, want ErrNotConnected", err)
	}
	select {
	case <-c.Done():
	case <-ctx.Done():
		t.Error("read loop did not stop")
	}
}
